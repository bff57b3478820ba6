package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
)

// Room is the live state of one room.
type Room struct {
	ID                 string
	Host               string
	GameTime           float64
	CardDeck           json.RawMessage
	PlayerCards        json.RawMessage
	CurrentPlayerIndex json.Number

	members map[string]ClientConnection
	order   []string // usernames in join order
	peak    int
}

// RoomSnapshot is the public room view sent in roomInfo join/leave broadcasts.
type RoomSnapshot struct {
	Host         string   `json:"host"`
	Users        []string `json:"users"`
	GameTime     float64  `json:"gameTime"`
	PlayerJoined bool     `json:"playerJoined,omitempty"`
	NewUser      string   `json:"newUser,omitempty"`
	PlayerLeft   bool     `json:"playerLeft,omitempty"`
}

// RoomRecord is the full room record broadcast after a roomInfo merge. The card
// fields are client-defined JSON and are stored verbatim.
type RoomRecord struct {
	Host               string          `json:"host"`
	Users              []string        `json:"users"`
	CardDeck           json.RawMessage `json:"cardDeck"`
	PlayerCards        json.RawMessage `json:"playerCards"`
	CurrentPlayerIndex json.Number     `json:"currentPlayerIndex"`
	GameTime           float64         `json:"gameTime"`
}

// RoomPatch carries the fields of a roomInfo update. Unset fields are left untouched.
type RoomPatch struct {
	Host               *string
	CardDeck           json.RawMessage
	PlayerCards        json.RawMessage
	CurrentPlayerIndex *json.Number
	GameTime           *float64
}

// DecodeRoomPatch reads a roomInfo payload. The payload must be a JSON object.
// A known field whose value has the wrong JSON type is skipped and reported in
// skipped; the remaining fields still apply.
func DecodeRoomPatch(raw json.RawMessage) (patch RoomPatch, skipped []string, err error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return RoomPatch{}, nil, fmt.Errorf("decoding room patch: %w", err)
	}
	if fields == nil {
		return RoomPatch{}, nil, fmt.Errorf("decoding room patch: not an object")
	}

	if v, ok := fields["host"]; ok {
		var host string
		if json.Unmarshal(v, &host) == nil && !isNull(v) {
			patch.Host = &host
		} else {
			skipped = append(skipped, "host")
		}
	}
	if v, ok := fields["cardDeck"]; ok {
		patch.CardDeck = slices.Clone(v)
	}
	if v, ok := fields["playerCards"]; ok {
		patch.PlayerCards = slices.Clone(v)
	}
	if v, ok := fields["currentPlayerIndex"]; ok {
		if n, ok := decodeNumber(v); ok {
			patch.CurrentPlayerIndex = &n
		} else {
			skipped = append(skipped, "currentPlayerIndex")
		}
	}
	if v, ok := fields["gameTime"]; ok {
		if f, ok := decodeFloat(v); ok {
			patch.GameTime = &f
		} else {
			skipped = append(skipped, "gameTime")
		}
	}
	return patch, skipped, nil
}

// decodeNumber accepts only a JSON number literal.
func decodeNumber(raw json.RawMessage) (json.Number, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", false
	}
	n, ok := v.(json.Number)
	return n, ok
}

func decodeFloat(raw json.RawMessage) (float64, bool) {
	n, ok := decodeNumber(raw)
	if !ok {
		return 0, false
	}
	f, err := n.Float64()
	return f, err == nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// RoomOutcome describes a room after a member left.
type RoomOutcome struct {
	Deleted  bool
	Snapshot RoomSnapshot
	// Peak is the largest member count the room ever had.
	Peak int
	// NewHost is set when the host left and another member was promoted.
	NewHost string
}

// RoomStore holds every open room.
type RoomStore struct {
	rooms map[string]*Room
	mu    sync.RWMutex
}

// NewRoomStore returns an empty store.
func NewRoomStore() *RoomStore {
	return &RoomStore{
		rooms: make(map[string]*Room),
	}
}

// EnsureRoom returns the room, creating it with host when it does not exist.
func (s *RoomStore) EnsureRoom(roomID, host string) (RoomSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.rooms[roomID]; ok {
		return r.snapshot(), false
	}
	r := &Room{
		ID:      roomID,
		Host:    host,
		members: make(map[string]ClientConnection),
	}
	s.rooms[roomID] = r
	return r.snapshot(), true
}

// AddMember inserts or overwrites a membership. An overwrite keeps the join position.
func (s *RoomStore) AddMember(roomID, username string, conn ClientConnection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	if _, exists := r.members[username]; !exists {
		r.order = append(r.order, username)
	}
	r.members[username] = conn
	if len(r.members) > r.peak {
		r.peak = len(r.members)
	}
	return true
}

// RemoveMember drops username from the room. An emptied room is deleted; a departing
// host is replaced by the earliest-joined remaining member.
func (s *RoomStore) RemoveMember(roomID, username string) (RoomOutcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return RoomOutcome{}, false
	}
	if _, member := r.members[username]; member {
		delete(r.members, username)
		r.order = slices.DeleteFunc(r.order, func(u string) bool { return u == username })
	}

	if len(r.members) == 0 {
		delete(s.rooms, roomID)
		return RoomOutcome{Deleted: true, Peak: r.peak}, true
	}

	var promoted string
	if _, hostPresent := r.members[r.Host]; !hostPresent {
		r.Host = r.order[0]
		promoted = r.Host
	}
	return RoomOutcome{Snapshot: r.snapshot(), Peak: r.peak, NewHost: promoted}, true
}

// MergeFields applies the set fields of patch. A host that is not a current
// member is ignored.
func (s *RoomStore) MergeFields(roomID string, patch RoomPatch) (RoomRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return RoomRecord{}, false
	}
	if patch.Host != nil {
		if _, member := r.members[*patch.Host]; member {
			r.Host = *patch.Host
		}
	}
	if patch.CardDeck != nil {
		r.CardDeck = slices.Clone(patch.CardDeck)
	}
	if patch.PlayerCards != nil {
		r.PlayerCards = slices.Clone(patch.PlayerCards)
	}
	if patch.CurrentPlayerIndex != nil {
		r.CurrentPlayerIndex = *patch.CurrentPlayerIndex
	}
	if patch.GameTime != nil {
		r.GameTime = *patch.GameTime
	}
	return r.record(), true
}

// SetGameTime overwrites the room clock.
func (s *RoomStore) SetGameTime(roomID string, value float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	r.GameTime = value
	return true
}

// Snapshot returns the public view of roomID.
func (s *RoomStore) Snapshot(roomID string) (RoomSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return RoomSnapshot{}, false
	}
	return r.snapshot(), true
}

// Record returns the full record of roomID.
func (s *RoomStore) Record(roomID string) (RoomRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return RoomRecord{}, false
	}
	return r.record(), true
}

// Users lists the members of roomID in join order, or an empty slice.
func (s *RoomStore) Users(roomID string) []string {
	snap, ok := s.Snapshot(roomID)
	if !ok {
		return []string{}
	}
	return snap.Users
}

// Recipients returns the connections of every member of roomID in join order.
func (s *RoomStore) Recipients(roomID string) []ClientConnection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]ClientConnection, 0, len(r.order))
	for _, u := range r.order {
		out = append(out, r.members[u])
	}
	return out
}

// Len returns the number of open rooms.
func (s *RoomStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

func (r *Room) snapshot() RoomSnapshot {
	return RoomSnapshot{
		Host:     r.Host,
		Users:    append([]string{}, r.order...),
		GameTime: r.GameTime,
	}
}

func (r *Room) record() RoomRecord {
	return RoomRecord{
		Host:               r.Host,
		Users:              append([]string{}, r.order...),
		CardDeck:           rawOrEmptyList(r.CardDeck),
		PlayerCards:        rawOrEmptyList(r.PlayerCards),
		CurrentPlayerIndex: numberOrZero(r.CurrentPlayerIndex),
		GameTime:           r.GameTime,
	}
}

func rawOrEmptyList(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("[]")
	}
	return slices.Clone(raw)
}

func numberOrZero(n json.Number) json.Number {
	if n == "" {
		return "0"
	}
	return n
}
