package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"card-relay/internal/relay"
)

const writeTimeout = 10 * time.Second

var (
	errSendQueueFull  = errors.New("send queue full")
	errConnectionGone = errors.New("connection closed")
)

// wsConn is the relay handle for one websocket. Sends are queued and written by a
// single writer goroutine so frames leave in the order they were queued.
type wsConn struct {
	id     string
	socket *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func newWSConn(id string, socket *websocket.Conn, buffer int, logger *zap.Logger) *wsConn {
	return &wsConn{
		id:     id,
		socket: socket,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Send implements relay.Conn.
func (c *wsConn) Send(msg relay.ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errConnectionGone
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSendQueueFull
	}
}

// Close implements relay.Conn. It is used when a newer connection takes over.
func (c *wsConn) Close(reason string) {
	c.closeWith(websocket.StatusNormalClosure, reason)
}

// closeWith stops the writer and starts the close handshake without waiting for it.
func (c *wsConn) closeWith(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		go func() {
			if err := c.socket.Close(code, reason); err != nil {
				c.logger.Debug("websocket close", zap.String("connection", c.id), zap.Error(err))
			}
		}()
	})
}

func (c *wsConn) writePump(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.socket.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.logger.Debug("websocket write failed", zap.String("connection", c.id), zap.Error(err))
				c.closeWith(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// ConnectionManager tracks every open websocket, joined or not.
type ConnectionManager struct {
	connections map[string]*wsConn // connectionID → socket
	mu          sync.RWMutex
}

// NewConnectionManager returns an empty manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]*wsConn),
	}
}

// AddConnection tracks conn under id, replacing any previous entry.
func (cm *ConnectionManager) AddConnection(id string, conn *wsConn) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.connections[id] = conn
}

// RemoveConnection stops tracking id. Unknown ids are ignored.
func (cm *ConnectionManager) RemoveConnection(id string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.connections, id)
}

// GetConnection returns the socket for connectionID, or nil.
func (cm *ConnectionManager) GetConnection(id string) *wsConn {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.connections[id]
}

// Count returns the number of tracked sockets.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.connections)
}

// CloseAll closes every tracked socket with the given status.
func (cm *ConnectionManager) CloseAll(code websocket.StatusCode, reason string) int {
	cm.mu.RLock()
	conns := make([]*wsConn, 0, len(cm.connections))
	for _, c := range cm.connections {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()

	for _, c := range conns {
		c.closeWith(code, reason)
	}
	return len(conns)
}
