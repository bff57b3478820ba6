package relay

import (
	"errors"

	"go.uber.org/zap"
)

var errNotANumber = errors.New("payload is not a JSON number")

// EventRouter applies inbound client events to the session and fans the result out
// to the sender's room.
type EventRouter struct {
	session *Session
	logger  *zap.Logger
}

// NewEventRouter returns a router dispatching into session.
func NewEventRouter(session *Session, logger *zap.Logger) *EventRouter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventRouter{
		session: session,
		logger:  logger,
	}
}

// Dispatch handles one event received on connectionID. Events from unknown
// connections and malformed payloads are dropped.
func (r *EventRouter) Dispatch(connectionID string, msg ClientMessage) {
	if err := ValidateEventKind(msg.Type); err != nil {
		r.logger.Debug("dropping event", zap.String("connection", connectionID), zap.Error(err))
		return
	}

	r.session.mu.Lock()
	defer r.session.mu.Unlock()

	sender, ok := r.session.Connections.Lookup(connectionID)
	if !ok {
		r.logger.Debug("dropping event from unregistered connection",
			zap.String("event", msg.Type),
			zap.String("connection", connectionID),
		)
		return
	}

	switch msg.Type {
	case EventMessage:
		r.session.broadcast(sender.RoomID, ServerMessage{
			Type:    EventMessage,
			Payload: rawOrNull(msg.Payload),
			Room:    sender.RoomID,
		})

	case EventGameState, EventCharacterEvent, EventDropCard:
		r.session.broadcast(sender.RoomID, ServerMessage{
			Type:    msg.Type,
			Payload: rawOrNull(msg.Payload),
		})

	case EventCharacterUpdate:
		r.characterUpdate(sender, msg)

	case EventGameTime:
		r.gameTime(sender, msg)

	case EventRoomInfo:
		r.roomInfo(sender, msg)
	}
}

func (r *EventRouter) characterUpdate(sender ClientConnection, msg ClientMessage) {
	partial, err := DecodePayload(msg.Payload)
	if err != nil {
		r.malformed(sender, msg, err)
		return
	}

	if first := r.session.States.Merge(sender.Username, partial); first {
		r.session.broadcast(sender.RoomID, ServerMessage{
			Type:    EventCharacterJoined,
			Payload: rawOrNull(msg.Payload),
		})
	}

	// Payload keys win over the resolved username.
	out := Payload{"username": sender.Username}
	out.Merge(partial)
	r.session.broadcast(sender.RoomID, ServerMessage{
		Type:    EventCharacterUpdate,
		Payload: out,
	})
}

func (r *EventRouter) gameTime(sender ClientConnection, msg ClientMessage) {
	value, ok := decodeFloat(msg.Payload)
	if !ok {
		r.malformed(sender, msg, errNotANumber)
		return
	}

	r.session.Rooms.SetGameTime(sender.RoomID, value)
	r.session.broadcast(sender.RoomID, ServerMessage{
		Type:    EventGameTime,
		Payload: msg.Payload,
	})
}

func (r *EventRouter) roomInfo(sender ClientConnection, msg ClientMessage) {
	patch, skipped, err := DecodeRoomPatch(msg.Payload)
	if err != nil {
		r.malformed(sender, msg, err)
		return
	}
	if len(skipped) > 0 {
		r.logger.Debug("ignoring unreadable roomInfo fields",
			zap.String("connection", sender.ConnectionID),
			zap.Strings("fields", skipped),
		)
	}

	record, ok := r.session.Rooms.MergeFields(sender.RoomID, patch)
	if !ok {
		return
	}
	r.session.broadcast(sender.RoomID, ServerMessage{
		Type:    EventRoomInfo,
		Payload: record,
	})
}

func (r *EventRouter) malformed(sender ClientConnection, msg ClientMessage, err error) {
	r.logger.Debug("dropping malformed event",
		zap.String("event", msg.Type),
		zap.String("connection", sender.ConnectionID),
		zap.ByteString("payload", msg.Payload),
		zap.Error(err),
	)
}
