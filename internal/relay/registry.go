package relay

import "sync"

// Conn is the transport handle of one live connection.
type Conn interface {
	// Send queues msg for delivery. It must not block on the network.
	Send(msg ServerMessage) error
	// Close terminates the connection. The transport later reports the disconnect.
	Close(reason string)
}

// ClientConnection is the identity bound to a connection at join time.
type ClientConnection struct {
	ConnectionID string
	Username     string
	RoomID       string
	Handle       Conn
}

type memberKey struct {
	username string
	roomID   string
}

// ConnectionRegistry maps live connection ids to the user and room they joined.
type ConnectionRegistry struct {
	connections map[string]ClientConnection // connectionID → identity
	members     map[memberKey]string        // (username, room) → connectionID
	mu          sync.RWMutex
}

// NewConnectionRegistry returns an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		connections: make(map[string]ClientConnection),
		members:     make(map[memberKey]string),
	}
}

// Register binds connectionID to (username, roomID). A different live connection
// already holding (username, roomID) is closed and dropped; its id is returned.
func (r *ConnectionRegistry) Register(username, connectionID, roomID string, handle Conn) string {
	r.mu.Lock()

	key := memberKey{username: username, roomID: roomID}
	var evicted ClientConnection
	if oldID, ok := r.members[key]; ok && oldID != connectionID {
		evicted = r.connections[oldID]
		delete(r.connections, oldID)
	}

	// The connection may have been bound elsewhere before.
	if prev, ok := r.connections[connectionID]; ok {
		prevKey := memberKey{username: prev.Username, roomID: prev.RoomID}
		if r.members[prevKey] == connectionID {
			delete(r.members, prevKey)
		}
	}

	r.connections[connectionID] = ClientConnection{
		ConnectionID: connectionID,
		Username:     username,
		RoomID:       roomID,
		Handle:       handle,
	}
	r.members[key] = connectionID
	r.mu.Unlock()

	if evicted.Handle != nil {
		evicted.Handle.Close("connected from another client")
	}
	return evicted.ConnectionID
}

// Lookup returns the identity bound to connectionID.
func (r *ConnectionRegistry) Lookup(connectionID string) (ClientConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connections[connectionID]
	return c, ok
}

// Remove deletes the entry for connectionID and reports whether one existed.
func (r *ConnectionRegistry) Remove(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.connections[connectionID]
	if !ok {
		return false
	}
	delete(r.connections, connectionID)
	key := memberKey{username: c.Username, roomID: c.RoomID}
	if r.members[key] == connectionID {
		delete(r.members, key)
	}
	return true
}

// Len returns the number of live connections.
func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}
