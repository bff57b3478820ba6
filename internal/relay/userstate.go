package relay

import "sync"

// UserStateStore holds the latest character state of each user, independent of room.
type UserStateStore struct {
	states map[string]Payload // username → merged state
	mu     sync.RWMutex
}

// NewUserStateStore returns an empty store.
func NewUserStateStore() *UserStateStore {
	return &UserStateStore{
		states: make(map[string]Payload),
	}
}

// Merge shallow-merges partial into the user's state and reports whether this was
// the first state recorded for the user.
func (s *UserStateStore) Merge(username string, partial Payload) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, exists := s.states[username]
	if !exists {
		state = make(Payload, len(partial))
		s.states[username] = state
	}
	state.Merge(partial)
	return !exists
}

// Get returns a copy of the user's state.
func (s *UserStateStore) Get(username string) (Payload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[username]
	if !ok {
		return nil, false
	}
	return state.Clone(), true
}

// Clear forgets the state last published by username.
func (s *UserStateStore) Clear(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, username)
}

// Len returns the number of users with a stored state.
func (s *UserStateStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}
