package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"card-relay/internal/config"
	"card-relay/internal/relay"
)

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Room    string          `json:"room"`
}

func (f frame) decode(t *testing.T, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(f.Payload, out), string(f.Payload))
}

func dialPlayer(t *testing.T, ts *httptest.Server, room, username string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(context.Background(), wsURL(ts, room, username), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

// readUntil skips frames until one of the given kind arrives.
func readUntil(t *testing.T, conn *websocket.Conn, kind string) frame {
	t.Helper()
	for i := 0; i < 50; i++ {
		if f := readFrame(t, conn); f.Type == kind {
			return f
		}
	}
	t.Fatalf("no %s frame", kind)
	return frame{}
}

func sendEvent(t *testing.T, conn *websocket.Conn, kind, payload string) {
	t.Helper()
	msg := relay.ClientMessage{Type: kind, Payload: json.RawMessage(payload)}
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, data))
}

// expectClosed reads until the server closes conn and returns the close status.
func expectClosed(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

// joinSynced dials a player and waits for their join sync to finish.
func joinSynced(t *testing.T, ts *httptest.Server, room, username string) *websocket.Conn {
	t.Helper()
	conn := dialPlayer(t, ts, room, username)
	readUntil(t, conn, relay.EventPlayersUpdate)
	return conn
}

func TestJoinSyncOrder(t *testing.T) {
	assert := assert.New(t)
	_, ts := setupTestServer(t, nil, nil)

	alice := dialPlayer(t, ts, "r1", "alice")

	first := readFrame(t, alice)
	assert.Equal(relay.EventRoomInfo, first.Type)
	var snap relay.RoomSnapshot
	first.decode(t, &snap)
	assert.Equal("alice", snap.Host)
	assert.Equal([]string{"alice"}, snap.Users)
	assert.True(snap.PlayerJoined)
	assert.Equal("alice", snap.NewUser)

	second := readFrame(t, alice)
	assert.Equal(relay.EventPlayersUpdate, second.Type)
	var players []relay.PlayerState
	second.decode(t, &players)
	assert.Empty(players)
}

func TestJoinAnnouncesToRoomAndSyncsStates(t *testing.T) {
	assert := assert.New(t)
	_, ts := setupTestServer(t, nil, nil)

	alice := joinSynced(t, ts, "r1", "alice")
	sendEvent(t, alice, relay.EventCharacterUpdate, `{"x":3,"hp":10}`)
	readUntil(t, alice, relay.EventCharacterUpdate)

	bob := dialPlayer(t, ts, "r1", "bob")

	announce := readUntil(t, alice, relay.EventRoomInfo)
	var snap relay.RoomSnapshot
	announce.decode(t, &snap)
	assert.Equal("bob", snap.NewUser)
	assert.Equal("alice", snap.Host)
	assert.Equal([]string{"alice", "bob"}, snap.Users)

	assert.Equal(relay.EventRoomInfo, readFrame(t, bob).Type)
	update := readFrame(t, bob)
	require.Equal(t, relay.EventPlayersUpdate, update.Type)

	var players []struct {
		Username string         `json:"username"`
		State    map[string]any `json:"state"`
	}
	update.decode(t, &players)
	require.Len(t, players, 1)
	assert.Equal("alice", players[0].Username)
	assert.Equal(map[string]any{"x": float64(3), "hp": float64(10)}, players[0].State)
}

func TestMessageRelayedWithRoom(t *testing.T) {
	_, ts := setupTestServer(t, nil, nil)

	alice := joinSynced(t, ts, "r1", "alice")
	bob := joinSynced(t, ts, "r1", "bob")
	outsider := joinSynced(t, ts, "r2", "carol")

	sendEvent(t, alice, relay.EventMessage, `{"text":"hello"}`)

	for _, conn := range []*websocket.Conn{alice, bob} {
		msg := readUntil(t, conn, relay.EventMessage)
		assert.Equal(t, "r1", msg.Room)
		assert.JSONEq(t, `{"text":"hello"}`, string(msg.Payload))
	}

	sendEvent(t, outsider, relay.EventMessage, `"ping"`)
	msg := readUntil(t, outsider, relay.EventMessage)
	assert.Equal(t, "r2", msg.Room)
}

func TestCharacterUpdateAnnouncesFirstState(t *testing.T) {
	assert := assert.New(t)
	_, ts := setupTestServer(t, nil, nil)

	alice := joinSynced(t, ts, "r1", "alice")
	bob := joinSynced(t, ts, "r1", "bob")

	sendEvent(t, bob, relay.EventCharacterUpdate, `{"x":1}`)

	joined := readUntil(t, alice, relay.EventCharacterJoined)
	assert.JSONEq(`{"x":1}`, string(joined.Payload))
	update := readFrame(t, alice)
	assert.Equal(relay.EventCharacterUpdate, update.Type)
	assert.JSONEq(`{"username":"bob","x":1}`, string(update.Payload))

	sendEvent(t, bob, relay.EventCharacterUpdate, `{"y":2}`)
	update = readFrame(t, alice)
	assert.Equal(relay.EventCharacterUpdate, update.Type, "characterJoined is sent once")
	assert.JSONEq(`{"username":"bob","y":2}`, string(update.Payload))
}

func TestRoomInfoMergeAndGameTime(t *testing.T) {
	assert := assert.New(t)
	_, ts := setupTestServer(t, nil, nil)

	alice := joinSynced(t, ts, "r1", "alice")
	bob := joinSynced(t, ts, "r1", "bob")
	readUntil(t, alice, relay.EventRoomInfo)

	sendEvent(t, alice, relay.EventRoomInfo, `{"cardDeck":["c1","c2"],"currentPlayerIndex":1}`)
	var record relay.RoomRecord
	readUntil(t, bob, relay.EventRoomInfo).decode(t, &record)
	assert.JSONEq(`["c1","c2"]`, string(record.CardDeck))
	assert.Equal(json.Number("1"), record.CurrentPlayerIndex)
	assert.Equal("alice", record.Host)

	sendEvent(t, bob, relay.EventGameTime, `42.5`)
	tick := readUntil(t, alice, relay.EventGameTime)
	assert.JSONEq(`42.5`, string(tick.Payload))

	sendEvent(t, bob, relay.EventRoomInfo, `{"host":"bob"}`)
	readUntil(t, alice, relay.EventRoomInfo).decode(t, &record)
	assert.Equal("bob", record.Host)
	assert.JSONEq(`["c1","c2"]`, string(record.CardDeck), "fields not in the patch are kept")
	assert.Equal(42.5, record.GameTime)
}

func TestRawEventsForwarded(t *testing.T) {
	_, ts := setupTestServer(t, nil, nil)

	alice := joinSynced(t, ts, "r1", "alice")
	bob := joinSynced(t, ts, "r1", "bob")

	for _, kind := range []string{relay.EventGameState, relay.EventCharacterEvent, relay.EventDropCard} {
		sendEvent(t, alice, kind, `{"k":[1,2]}`)
		got := readUntil(t, bob, kind)
		assert.JSONEq(t, `{"k":[1,2]}`, string(got.Payload), kind)
	}
}

func TestDisconnectBroadcastsLeave(t *testing.T) {
	assert := assert.New(t)
	_, ts := setupTestServer(t, nil, nil)

	alice := joinSynced(t, ts, "r1", "alice")
	bob := joinSynced(t, ts, "r1", "bob")
	readUntil(t, alice, relay.EventRoomInfo)

	alice.Close(websocket.StatusNormalClosure, "bye")

	var snap relay.RoomSnapshot
	readUntil(t, bob, relay.EventRoomInfo).decode(t, &snap)
	assert.True(snap.PlayerLeft)
	assert.Equal("bob", snap.Host, "host passes to the remaining member")
	assert.Equal([]string{"bob"}, snap.Users)
}

func TestSecondConnectionEvictsFirst(t *testing.T) {
	assert := assert.New(t)
	s, ts := setupTestServer(t, nil, nil)

	first := joinSynced(t, ts, "r1", "alice")
	second := joinSynced(t, ts, "r1", "alice")

	assert.Equal(websocket.StatusNormalClosure, expectClosed(t, first))
	assert.Equal([]string{"alice"}, s.session.Rooms.Users("r1"))

	sendEvent(t, second, relay.EventMessage, `"still here"`)
	assert.Equal(relay.EventMessage, readUntil(t, second, relay.EventMessage).Type)
	assert.Eventually(func() bool { return s.connectionManager.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestUnjoinedConnectionIsIgnored(t *testing.T) {
	s, ts := setupTestServer(t, nil, nil)

	lurker := dialPlayer(t, ts, "r1", "")
	alice := joinSynced(t, ts, "r1", "alice")

	sendEvent(t, lurker, relay.EventMessage, `"hi"`)
	sendEvent(t, alice, relay.EventMessage, `"real"`)

	msg := readUntil(t, alice, relay.EventMessage)
	assert.JSONEq(t, `"real"`, string(msg.Payload))
	assert.Equal(t, []string{"alice"}, s.session.Rooms.Users("r1"))
}

func TestRateLimitedEventsDropped(t *testing.T) {
	_, ts := setupTestServer(t, nil, func(c *config.Config) {
		c.RateLimit = config.RateLimitConfig{Events: 2, Window: time.Minute}
	})

	alice := joinSynced(t, ts, "r1", "alice")
	bob := joinSynced(t, ts, "r1", "bob")

	for i := 0; i < 5; i++ {
		sendEvent(t, alice, relay.EventMessage, `"spam"`)
	}

	assert.Equal(t, relay.EventMessage, readUntil(t, bob, relay.EventMessage).Type)
	assert.Equal(t, relay.EventMessage, readUntil(t, bob, relay.EventMessage).Type)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, _, err := bob.Read(ctx)
	assert.Error(t, err, "only two events fit in the window")
}

func TestIdleConnectionsSwept(t *testing.T) {
	s, ts := setupTestServer(t, nil, func(c *config.Config) {
		c.IdleTimeout = 20 * time.Millisecond
	})

	idle := dialPlayer(t, ts, "", "")
	require.Eventually(t, func() bool { return s.connectionManager.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, s.sweepIdle())
	assert.Equal(t, websocket.StatusPolicyViolation, expectClosed(t, idle))
}

func TestIdleSweepSparesRefreshedConnections(t *testing.T) {
	s, ts := setupTestServer(t, nil, func(c *config.Config) {
		c.IdleTimeout = 20 * time.Millisecond
	})

	dialPlayer(t, ts, "", "")
	dialPlayer(t, ts, "", "")
	require.Eventually(t, func() bool { return s.connectionManager.Count() == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	candidates := s.connectionHealth.GetInactiveConnections(s.cfg.IdleTimeout)
	require.Len(t, candidates, 2)
	refreshed, stale := candidates[0], candidates[1]
	s.connectionHealth.UpdateActivity(refreshed)

	assert.Equal(t, 1, s.closeIdle(candidates))
	assert.False(t, isClosed(s.connectionManager.GetConnection(refreshed)))
	assert.Eventually(t, func() bool {
		conn := s.connectionManager.GetConnection(stale)
		return conn == nil || isClosed(conn)
	}, 2*time.Second, 10*time.Millisecond)
}

func isClosed(conn *wsConn) bool {
	select {
	case <-conn.done:
		return true
	default:
		return false
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	s, ts := setupTestServer(t, nil, nil)

	alice := joinSynced(t, ts, "r1", "alice")
	require.NoError(t, s.Shutdown(context.Background()))

	assert.Equal(t, websocket.StatusGoingAway, expectClosed(t, alice))
	assert.Eventually(t, func() bool { return s.session.Rooms.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// The two-player walk-through from a fresh room to an empty one.
func TestAliceAndBobSession(t *testing.T) {
	assert := assert.New(t)
	s, ts := setupTestServer(t, nil, nil)

	alice := joinSynced(t, ts, "r1", "alice")
	bob := joinSynced(t, ts, "r1", "bob")
	readUntil(t, alice, relay.EventRoomInfo)

	sendEvent(t, bob, relay.EventCharacterUpdate, `{"pos":[1,2]}`)
	readUntil(t, alice, relay.EventCharacterJoined)
	readUntil(t, alice, relay.EventCharacterUpdate)

	sendEvent(t, alice, relay.EventDropCard, `{"card":"7H"}`)
	assert.JSONEq(`{"card":"7H"}`, string(readUntil(t, bob, relay.EventDropCard).Payload))

	bob.Close(websocket.StatusNormalClosure, "")
	var snap relay.RoomSnapshot
	readUntil(t, alice, relay.EventRoomInfo).decode(t, &snap)
	assert.True(snap.PlayerLeft)
	assert.Equal([]string{"alice"}, snap.Users)
	assert.Equal("alice", snap.Host)

	alice.Close(websocket.StatusNormalClosure, "")
	assert.Eventually(func() bool { return s.session.Rooms.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	var users []string
	getJSON(t, ts.URL+"/r1", &users)
	assert.Empty(users)
}
