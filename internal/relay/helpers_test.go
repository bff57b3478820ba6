package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConn struct {
	mu       sync.Mutex
	sent     []ServerMessage
	closed   bool
	failSend bool
}

func (f *fakeConn) Send(msg ServerMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errors.New("send queue full")
	}
	// Freeze the payload the way the websocket transport does.
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var frozen ServerMessage
	if err := json.Unmarshal(data, &frozen); err != nil {
		return err
	}
	f.sent = append(f.sent, frozen)
	return nil
}

func (f *fakeConn) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) messages() []ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ServerMessage(nil), f.sent...)
}

func (f *fakeConn) types() []string {
	var out []string
	for _, m := range f.messages() {
		out = append(out, m.Type)
	}
	return out
}

// last returns the most recent message of the given type.
func (f *fakeConn) last(t *testing.T, kind string) ServerMessage {
	t.Helper()
	msgs := f.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == kind {
			return msgs[i]
		}
	}
	t.Fatalf("no %q message received; got %v", kind, f.types())
	return ServerMessage{}
}

func (f *fakeConn) count(kind string) int {
	n := 0
	for _, m := range f.messages() {
		if m.Type == kind {
			n++
		}
	}
	return n
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

// payloadAs re-decodes a received payload into out.
func payloadAs(t *testing.T, msg ServerMessage, out any) {
	t.Helper()
	data, err := json.Marshal(msg.Payload)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, out))
}

type manualTask struct {
	f       func()
	delay   time.Duration
	stopped bool
	fired   bool
}

func (m *manualTask) Stop() bool {
	if m.stopped || m.fired {
		return false
	}
	m.stopped = true
	return true
}

// manualScheduler only runs tasks when the test asks it to.
type manualScheduler struct {
	mu    sync.Mutex
	tasks []*manualTask
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTask{f: f, delay: d}
	s.tasks = append(s.tasks, t)
	return t
}

func (s *manualScheduler) runAll() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = nil
	s.mu.Unlock()

	for _, t := range tasks {
		if t.stopped || t.fired {
			continue
		}
		t.fired = true
		t.f()
	}
}

type testRelay struct {
	session   *Session
	router    *EventRouter
	lifecycle *Lifecycle
	scheduler *manualScheduler
	observer  *recordingObserver
}

func newTestRelay() *testRelay {
	return newTestRelayWithLogger(nil)
}

// newTestRelayWithLogger builds the relay with logger shared by every component.
func newTestRelayWithLogger(logger *zap.Logger) *testRelay {
	session := NewSession(logger)
	sched := &manualScheduler{}
	obs := &recordingObserver{}
	return &testRelay{
		session: session,
		router:  NewEventRouter(session, logger),
		lifecycle: NewLifecycle(session, logger, LifecycleOptions{
			JoinSyncDelay: 50 * time.Millisecond,
			Scheduler:     sched,
			Observer:      obs,
		}),
		scheduler: sched,
		observer:  obs,
	}
}

// join connects username to roomID and runs the deferred sync.
func (tr *testRelay) join(t *testing.T, connID, roomID, username string) *fakeConn {
	t.Helper()
	conn := &fakeConn{}
	require.True(t, tr.lifecycle.Join(connID, roomID, username, conn))
	tr.scheduler.runAll()
	return conn
}

func (tr *testRelay) send(connID, kind string, payload string) {
	tr.router.Dispatch(connID, ClientMessage{Type: kind, Payload: json.RawMessage(payload)})
}

type recordingObserver struct {
	mu     sync.Mutex
	opened []string
	closed []string
	peaks  map[string]int
}

func (o *recordingObserver) RoomOpened(roomID, host string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, roomID+":"+host)
}

func (o *recordingObserver) RoomClosed(roomID string, peak int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.peaks == nil {
		o.peaks = make(map[string]int)
	}
	o.closed = append(o.closed, roomID)
	o.peaks[roomID] = peak
}
