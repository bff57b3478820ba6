package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"card-relay/internal/relay"
)

// RegisterRoutes returns the HTTP handler with CORS applied.
func (s *Server) RegisterRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.rootHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /websocket", s.websocketHandler)
	if s.history != nil {
		mux.HandleFunc("GET /history/{roomId}", s.historyHandler)
	}
	mux.HandleFunc("GET /{roomId}", s.roomUsersHandler)

	return s.corsMiddleware(mux)
}

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, rootResponse{Message: "nothing"})
}

// roomUsersHandler lists the usernames in a room; unknown rooms yield [].
func (s *Server) roomUsersHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.session.Rooms.Users(r.PathValue("roomId")))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:       "ok",
		Rooms:        s.session.Rooms.Len(),
		Connections:  s.connectionManager.Count(),
		Registered:   s.session.Connections.Len(),
		PendingSyncs: s.lifecycle.PendingSyncs(),
		History:      s.history != nil,
	}
	if s.history != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		resp.HistoryStatus = "ok"
		if err := s.history.Ping(ctx); err != nil {
			s.logger.Warn("history database unreachable", zap.Error(err))
			resp.HistoryStatus = "unreachable"
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	sessions, err := s.history.Sessions(ctx, roomID, historyLimit)
	if err != nil {
		s.logger.Error("loading room history", zap.String("room", roomID), zap.Error(err))
		http.Error(w, "history unavailable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, historyResponse{RoomID: roomID, Sessions: sessions})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}

// joinParams reads the room and username a client joins with. "roomId" is
// accepted as an alias for "room".
func joinParams(r *http.Request) (roomID, username string) {
	q := r.URL.Query()
	roomID = q.Get("room")
	if roomID == "" {
		roomID = q.Get("roomId")
	}
	return roomID, q.Get("username")
}

func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	roomID, username := joinParams(r)

	socket, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	socket.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	connectionID := uuid.New().String()
	log := s.logger.With(zap.String("connection", connectionID))
	conn := newWSConn(connectionID, socket, s.cfg.SendBuffer, log)
	go conn.writePump(ctx)

	s.connectionManager.AddConnection(connectionID, conn)
	s.connectionHealth.UpdateActivity(connectionID)
	log.Debug("connection opened", zap.String("room", roomID), zap.String("username", username))

	defer func() {
		s.lifecycle.Disconnect(connectionID)
		s.connectionManager.RemoveConnection(connectionID)
		s.rateLimiter.RemoveConnection(connectionID)
		s.connectionHealth.RemoveConnection(connectionID)
		conn.closeWith(websocket.StatusNormalClosure, "")
		log.Debug("connection closed")
	}()

	if !s.lifecycle.Join(connectionID, roomID, username, conn) {
		log.Debug("join ignored: room and username are required")
	}

	for {
		msgType, data, err := socket.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
				log.Debug("read error", zap.Error(err))
			}
			return
		}
		s.connectionHealth.UpdateActivity(connectionID)

		if msgType != websocket.MessageText {
			log.Debug("non-text frame ignored")
			continue
		}
		if !s.rateLimiter.Allow(connectionID) {
			log.Debug("rate limited, event dropped")
			continue
		}

		var msg relay.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug("invalid JSON frame dropped", zap.Error(err))
			continue
		}
		s.router.Dispatch(connectionID, msg)
	}
}
