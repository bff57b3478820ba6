package relay

import (
	"time"

	"go.uber.org/zap"
)

// DefaultJoinSyncDelay is how long a new connection waits before it receives the
// room snapshot and the other players' states.
const DefaultJoinSyncDelay = time.Second

// Task is a scheduled function that can be cancelled.
type Task interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Task
}

type timerScheduler struct{}

func (timerScheduler) AfterFunc(d time.Duration, f func()) Task {
	return time.AfterFunc(d, f)
}

// RoomObserver is told when rooms open and close. Calls are made while the
// session is locked, so implementations must not block.
type RoomObserver interface {
	RoomOpened(roomID, host string)
	RoomClosed(roomID string, peakMembers int)
}

// PlayerState pairs a member with their current character state.
type PlayerState struct {
	Username string  `json:"username"`
	State    Payload `json:"state"`
}

// LifecycleOptions configures join sync timing and the room observer.
type LifecycleOptions struct {
	JoinSyncDelay time.Duration
	Scheduler     Scheduler
	Observer      RoomObserver
}

// Lifecycle handles connections joining and leaving rooms.
type Lifecycle struct {
	session   *Session
	logger    *zap.Logger
	delay     time.Duration
	scheduler Scheduler
	observer  RoomObserver
	pending   map[string]*joinSync // connectionID → scheduled sync, guarded by session.mu
}

type joinSync struct {
	task Task
}

// NewLifecycle returns a Lifecycle over session. Zero options use the real
// timer scheduler and no observer.
func NewLifecycle(session *Session, logger *zap.Logger, opts LifecycleOptions) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = timerScheduler{}
	}
	if opts.JoinSyncDelay < 0 {
		opts.JoinSyncDelay = 0
	}
	return &Lifecycle{
		session:   session,
		logger:    logger,
		delay:     opts.JoinSyncDelay,
		scheduler: opts.Scheduler,
		observer:  opts.Observer,
		pending:   make(map[string]*joinSync),
	}
}

// Join registers a connection in a room. All three identifiers are required;
// otherwise the request is ignored and Join returns false.
func (l *Lifecycle) Join(connectionID, roomID, username string, handle Conn) bool {
	if connectionID == "" || roomID == "" || username == "" {
		l.logger.Debug("ignoring incomplete join",
			zap.String("connection", connectionID),
			zap.String("room", roomID),
			zap.String("username", username),
		)
		return false
	}

	l.session.mu.Lock()
	defer l.session.mu.Unlock()

	if evicted := l.session.Connections.Register(username, connectionID, roomID, handle); evicted != "" {
		l.cancelSync(evicted)
		l.logger.Info("evicted stale connection",
			zap.String("connection", evicted),
			zap.String("username", username),
			zap.String("room", roomID),
		)
	}

	_, created := l.session.Rooms.EnsureRoom(roomID, username)
	if created && l.observer != nil {
		l.observer.RoomOpened(roomID, username)
	}
	conn, _ := l.session.Connections.Lookup(connectionID)
	l.session.Rooms.AddMember(roomID, username, conn)

	l.logger.Info("joined room",
		zap.String("connection", connectionID),
		zap.String("username", username),
		zap.String("room", roomID),
		zap.Int("members", len(l.session.Rooms.Users(roomID))),
	)

	l.cancelSync(connectionID)
	js := &joinSync{}
	js.task = l.scheduler.AfterFunc(l.delay, func() { l.runJoinSync(connectionID, js) })
	l.pending[connectionID] = js
	return true
}

// runJoinSync announces the joiner to the room and sends it the other players'
// states, reading whatever the state is when it fires.
func (l *Lifecycle) runJoinSync(connectionID string, js *joinSync) {
	l.session.mu.Lock()
	defer l.session.mu.Unlock()

	if l.pending[connectionID] != js {
		return
	}
	delete(l.pending, connectionID)

	joiner, ok := l.session.Connections.Lookup(connectionID)
	if !ok {
		return
	}

	snap, ok := l.session.Rooms.Snapshot(joiner.RoomID)
	if !ok {
		return
	}
	snap.PlayerJoined = true
	snap.NewUser = joiner.Username
	l.session.broadcast(joiner.RoomID, ServerMessage{Type: EventRoomInfo, Payload: snap})

	players := make([]PlayerState, 0, len(snap.Users))
	for _, u := range snap.Users {
		if u == joiner.Username {
			continue
		}
		state, _ := l.session.States.Get(u)
		players = append(players, PlayerState{Username: u, State: state})
	}
	l.session.deliver(joiner, ServerMessage{Type: EventPlayersUpdate, Payload: players})
}

// Disconnect removes a connection, clears its user's state and updates the room.
// It returns false when the connection was not registered.
func (l *Lifecycle) Disconnect(connectionID string) bool {
	l.session.mu.Lock()
	defer l.session.mu.Unlock()

	c, ok := l.session.Connections.Lookup(connectionID)
	if !ok {
		return false
	}

	l.cancelSync(connectionID)
	l.session.Connections.Remove(connectionID)
	l.session.States.Clear(c.Username)

	outcome, ok := l.session.Rooms.RemoveMember(c.RoomID, c.Username)
	if !ok {
		return true
	}

	if outcome.Deleted {
		l.logger.Info("room closed", zap.String("room", c.RoomID), zap.Int("peak_members", outcome.Peak))
		if l.observer != nil {
			l.observer.RoomClosed(c.RoomID, outcome.Peak)
		}
		return true
	}

	if outcome.NewHost != "" {
		l.logger.Info("host reassigned", zap.String("room", c.RoomID), zap.String("host", outcome.NewHost))
	}
	snap := outcome.Snapshot
	snap.PlayerLeft = true
	l.session.broadcast(c.RoomID, ServerMessage{Type: EventRoomInfo, Payload: snap})
	return true
}

// Shutdown cancels every pending join sync.
func (l *Lifecycle) Shutdown() {
	l.session.mu.Lock()
	defer l.session.mu.Unlock()

	for id := range l.pending {
		l.cancelSync(id)
	}
}

// PendingSyncs returns the number of scheduled join syncs.
func (l *Lifecycle) PendingSyncs() int {
	l.session.mu.Lock()
	defer l.session.mu.Unlock()
	return len(l.pending)
}

func (l *Lifecycle) cancelSync(connectionID string) {
	if s, ok := l.pending[connectionID]; ok {
		s.task.Stop()
		delete(l.pending, connectionID)
	}
}
