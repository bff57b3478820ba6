// Package history keeps an append-only PostgreSQL record of room sessions: when a
// room opened, who hosted it first, when it closed and how many members it peaked at.
// Nothing here is read back into the live relay state.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const schema = `
	CREATE TABLE IF NOT EXISTS room_sessions (
		id           BIGSERIAL    PRIMARY KEY,
		room_id      TEXT         NOT NULL,
		host         TEXT         NOT NULL,
		opened_at    TIMESTAMPTZ  NOT NULL,
		closed_at    TIMESTAMPTZ,
		peak_members INTEGER      NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_room_sessions_room ON room_sessions (room_id, opened_at DESC);
`

// DefaultQueueSize bounds the number of room events waiting to be written.
const DefaultQueueSize = 256

// ErrClosed is returned by queries issued after Close.
var ErrClosed = errors.New("history recorder closed")

// Session is one lifetime of a room, from first join to last leave.
type Session struct {
	RoomID      string     `json:"roomId"`
	Host        string     `json:"host"`
	OpenedAt    time.Time  `json:"openedAt"`
	ClosedAt    *time.Time `json:"closedAt,omitempty"`
	PeakMembers int        `json:"peakMembers"`
}

type eventKind int

const (
	roomOpened eventKind = iota
	roomClosed
)

type event struct {
	kind   eventKind
	roomID string
	host   string
	peak   int
	at     time.Time
}

// Recorder writes room open/close events through a single background worker so
// callers never wait on the database.
type Recorder struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	events chan event
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// Open connects to databaseURL, ensures the schema exists and starts the writer.
func Open(ctx context.Context, databaseURL string, logger *zap.Logger) (*Recorder, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	poolCfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying history schema: %w", err)
	}
	return newRecorder(pool, logger, DefaultQueueSize), nil
}

func newRecorder(pool *pgxpool.Pool, logger *zap.Logger, queueSize int) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		pool:   pool,
		logger: logger.Named("history"),
		events: make(chan event, queueSize),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// RoomOpened records a new room session. It never blocks; events are dropped
// when the queue is full.
func (r *Recorder) RoomOpened(roomID, host string) {
	r.enqueue(event{kind: roomOpened, roomID: roomID, host: host, at: time.Now()})
}

// RoomClosed closes the newest open session of roomID.
func (r *Recorder) RoomClosed(roomID string, peakMembers int) {
	r.enqueue(event{kind: roomClosed, roomID: roomID, peak: peakMembers, at: time.Now()})
}

func (r *Recorder) enqueue(ev event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("history queue full, dropping event", zap.String("room", ev.roomID))
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for ev := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.write(ctx, ev); err != nil {
			r.logger.Error("writing room history", zap.String("room", ev.roomID), zap.Error(err))
		}
		cancel()
	}
}

func (r *Recorder) write(ctx context.Context, ev event) error {
	switch ev.kind {
	case roomOpened:
		_, err := r.pool.Exec(ctx,
			`INSERT INTO room_sessions (room_id, host, opened_at) VALUES ($1, $2, $3)`,
			ev.roomID, ev.host, ev.at)
		return err
	case roomClosed:
		_, err := r.pool.Exec(ctx,
			`UPDATE room_sessions SET closed_at = $2, peak_members = $3
			 WHERE id = (
				SELECT id FROM room_sessions
				WHERE room_id = $1 AND closed_at IS NULL
				ORDER BY opened_at DESC LIMIT 1
			 )`,
			ev.roomID, ev.at, ev.peak)
		return err
	}
	return fmt.Errorf("unknown history event %d", ev.kind)
}

// Sessions returns up to limit sessions of roomID, newest first.
func (r *Recorder) Sessions(ctx context.Context, roomID string, limit int) ([]Session, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	rows, err := r.pool.Query(ctx,
		`SELECT room_id, host, opened_at, closed_at, peak_members
		 FROM room_sessions WHERE room_id = $1
		 ORDER BY opened_at DESC LIMIT $2`,
		roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying room sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.RoomID, &s.Host, &s.OpenedAt, &s.ClosedAt, &s.PeakMembers); err != nil {
			return nil, fmt.Errorf("scanning room session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating room sessions: %w", err)
	}
	return sessions, nil
}

// Ping reports whether the database is reachable.
func (r *Recorder) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close drains queued events and releases the pool.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()

	r.wg.Wait()
	r.pool.Close()
}
