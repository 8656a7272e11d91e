package terminal

import (
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
)

// legacyConn is a runtime that dialed in to /api/runtime/terminal.
type legacyConn struct {
	runtimeSessionID string
	conn             *gorillaws.Conn
	writeMu          sync.Mutex

	mu        sync.Mutex
	sessionID string // last terminal session a viewer attached through this conn
}

func (c *legacyConn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

func (c *legacyConn) setSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

func (c *legacyConn) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// legacyRegistry indexes inbound runtime connections by runtime session id.
// A reconnect replaces the previous connection.
type legacyRegistry struct {
	mu    sync.RWMutex
	conns map[string]*legacyConn
}

func newLegacyRegistry() *legacyRegistry {
	return &legacyRegistry{conns: make(map[string]*legacyConn)}
}

func (r *legacyRegistry) get(runtimeSessionID string) *legacyConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[runtimeSessionID]
}

// register returns the connection it replaced, if any.
func (r *legacyRegistry) register(c *legacyConn) *legacyConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[c.runtimeSessionID]
	r.conns[c.runtimeSessionID] = c
	if prev != nil {
		if id := prev.session(); id != "" {
			c.setSession(id)
		}
	}
	return prev
}

// unregister removes c only if it is still the current connection.
func (r *legacyRegistry) unregister(c *legacyConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[c.runtimeSessionID] != c {
		return false
	}
	delete(r.conns, c.runtimeSessionID)
	return true
}

func (r *legacyRegistry) closeAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*legacyConn)
	r.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
}
