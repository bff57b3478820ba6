// Package server exposes the relay over websockets and a small HTTP query surface.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"card-relay/internal/config"
	"card-relay/internal/history"
	"card-relay/internal/relay"
)

// HistoryStore records room sessions and serves them back over HTTP.
type HistoryStore interface {
	relay.RoomObserver
	Sessions(ctx context.Context, roomID string, limit int) ([]history.Session, error)
	Ping(ctx context.Context) error
}

const (
	historyLimit        = 20
	maintenanceInterval = time.Minute
	maxFrameBytes       = 1 << 20
)

// Server serves the relay over HTTP and websockets.
type Server struct {
	cfg               config.Config
	logger            *zap.Logger
	session           *relay.Session
	router            *relay.EventRouter
	lifecycle         *relay.Lifecycle
	connectionManager *ConnectionManager
	rateLimiter       *RateLimiter
	connectionHealth  *ConnectionHealth
	history           HistoryStore

	stop     context.CancelFunc
	tasks    sync.WaitGroup
	stopOnce sync.Once
}

// NewServer wires the relay and returns it with an http.Server ready to listen.
// store may be nil, in which case room history is disabled.
func NewServer(cfg config.Config, logger *zap.Logger, store HistoryStore) (*Server, *http.Server) {
	s := newServer(cfg, logger, store)

	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.tasks.Add(1)
	go s.maintenanceTask(ctx)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.RegisterRoutes(),
		IdleTimeout:       time.Minute,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(s.logger.Named("http")),
	}
	return s, server
}

func newServer(cfg config.Config, logger *zap.Logger, store HistoryStore) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	session := relay.NewSession(logger.Named("relay"))

	opts := relay.LifecycleOptions{JoinSyncDelay: cfg.JoinSyncDelay}
	if store != nil {
		opts.Observer = store
	}

	return &Server{
		cfg:               cfg,
		logger:            logger,
		session:           session,
		router:            relay.NewEventRouter(session, logger.Named("router")),
		lifecycle:         relay.NewLifecycle(session, logger.Named("lifecycle"), opts),
		connectionManager: NewConnectionManager(),
		rateLimiter:       NewRateLimiter(cfg.RateLimit.Events, cfg.RateLimit.Window),
		connectionHealth:  NewConnectionHealth(),
		history:           store,
	}
}

// maintenanceTask closes idle connections and trims rate limiter state.
func (s *Server) maintenanceTask(ctx context.Context) {
	defer s.tasks.Done()

	interval := maintenanceInterval
	if s.cfg.IdleTimeout > 0 && s.cfg.IdleTimeout/2 < interval {
		interval = s.cfg.IdleTimeout / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepIdle()
			s.rateLimiter.Cleanup()
		}
	}
}

// sweepIdle closes connections silent for longer than the idle timeout. The
// websocket handler then runs the normal disconnect flow.
func (s *Server) sweepIdle() int {
	if s.cfg.IdleTimeout <= 0 {
		return 0
	}
	return s.closeIdle(s.connectionHealth.GetInactiveConnections(s.cfg.IdleTimeout))
}

// closeIdle closes the candidates that are still idle. A frame read after the
// candidates were listed keeps its connection open.
func (s *Server) closeIdle(candidates []string) int {
	closed := 0
	for _, id := range candidates {
		conn := s.connectionManager.GetConnection(id)
		if conn == nil || !s.connectionHealth.IsInactive(id, s.cfg.IdleTimeout) {
			continue
		}
		s.logger.Info("closing idle connection", zap.String("connection", id))
		conn.closeWith(websocket.StatusPolicyViolation, "idle timeout")
		closed++
	}
	return closed
}

// Shutdown stops background work, cancels pending join syncs and closes every
// open websocket.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		s.lifecycle.Shutdown()
		n := s.connectionManager.CloseAll(websocket.StatusGoingAway, "server shutting down")
		s.logger.Info("closed connections for shutdown", zap.Int("connections", n))
	})

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
