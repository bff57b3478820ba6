// Package relay keeps room membership, per-user state and host designation for the
// card game relay, and routes client events to every member of the sender's room.
package relay

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Session owns the stores of one server process. Compound operations that read and
// mutate several stores hold mu for their whole duration.
type Session struct {
	Connections *ConnectionRegistry
	Rooms       *RoomStore
	States      *UserStateStore

	mu     sync.Mutex
	logger *zap.Logger
}

// NewSession returns a session with empty stores. A nil logger discards output.
func NewSession(logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		Connections: NewConnectionRegistry(),
		Rooms:       NewRoomStore(),
		States:      NewUserStateStore(),
		logger:      logger,
	}
}

// broadcast delivers msg to every member of roomID, the sender included.
func (s *Session) broadcast(roomID string, msg ServerMessage) {
	for _, c := range s.Rooms.Recipients(roomID) {
		s.deliver(c, msg)
	}
}

// deliver sends msg to one connection. A failure is logged and never propagated.
func (s *Session) deliver(c ClientConnection, msg ServerMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.deliveryFault(c, msg, fmt.Errorf("panic: %v", r))
		}
	}()

	if c.Handle == nil {
		s.deliveryFault(c, msg, fmt.Errorf("connection has no transport handle"))
		return
	}
	if err := c.Handle.Send(msg); err != nil {
		s.deliveryFault(c, msg, err)
	}
}

func (s *Session) deliveryFault(c ClientConnection, msg ServerMessage, err error) {
	s.logger.Warn("delivery failed",
		zap.String("event", msg.Type),
		zap.String("connection", c.ConnectionID),
		zap.String("username", c.Username),
		zap.String("room", c.RoomID),
		payloadField(msg.Payload),
		zap.Error(err),
	)
}

func payloadField(payload any) zap.Field {
	if raw, ok := payload.(json.RawMessage); ok {
		return zap.ByteString("payload", raw)
	}
	return zap.Any("payload", payload)
}
