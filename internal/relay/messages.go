package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Event kinds carried in the "type" field of inbound and outbound frames.
const (
	EventMessage         = "message"
	EventCharacterUpdate = "characterUpdate"
	EventCharacterJoined = "characterJoined"
	EventGameState       = "gameState"
	EventCharacterEvent  = "characterEvent"
	EventGameTime        = "gameTime"
	EventRoomInfo        = "roomInfo"
	EventDropCard        = "dropCard"
	EventPlayersUpdate   = "playersUpdate"
)

// inboundKinds lists every kind a client may send.
var inboundKinds = map[string]bool{
	EventMessage:         true,
	EventCharacterUpdate: true,
	EventGameState:       true,
	EventCharacterEvent:  true,
	EventGameTime:        true,
	EventRoomInfo:        true,
	EventDropCard:        true,
}

// ValidateEventKind reports whether kind is routable.
func ValidateEventKind(kind string) error {
	if !inboundKinds[kind] {
		return fmt.Errorf("INVALID_EVENT: unknown event kind '%s'", kind)
	}
	return nil
}

// ClientMessage is an inbound frame.
type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ServerMessage is an outbound frame. Room is only set on plain relayed messages.
type ServerMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
	Room    string `json:"room,omitempty"`
}

// Payload is a schemaless JSON object. The relay only shallow-merges or forwards it.
type Payload map[string]any

// DecodePayload parses raw as a JSON object. Numbers are kept as json.Number so
// forwarded values round-trip without float rounding.
func DecodePayload(raw json.RawMessage) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("decoding payload: not an object")
	}
	return p, nil
}

// Merge copies every top-level key of partial into p, overwriting existing keys.
func (p Payload) Merge(partial Payload) {
	for k, v := range partial {
		p[k] = v
	}
}

// Clone returns a shallow copy of p.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	out.Merge(p)
	return out
}

// rawOrNull keeps empty payloads valid JSON on the way out.
func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
