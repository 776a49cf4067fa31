package relay

import (
	"sync"

	"go.uber.org/zap"

	"agendarelay/pkg/protocol"
)

// Registry tracks authenticated connections by connection id. It is the only
// shared mutable state in the relay and is owned by the Server; consumers
// never mutate it directly.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	log   *zap.Logger
}

// NewRegistry creates an empty connection registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		conns: make(map[string]*Connection),
		log:   log,
	}
}

// Register inserts or overwrites the entry for conn.ID. Idempotent per
// connection id.
func (r *Registry) Register(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID] = conn
	r.log.Debug("connection registered",
		zap.String("connId", conn.ID),
		zap.String("userId", conn.Identity.UserID))
}

// Unregister removes the entry and returns it, or nil when absent. Removing
// an absent id is not an error.
func (r *Registry) Unregister(connID string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connID]
	if !ok {
		return nil
	}
	delete(r.conns, connID)
	return conn
}

// FindByUserID returns every live connection registered for userID. A user
// may be connected from several devices at once.
func (r *Registry) FindByUserID(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []*Connection
	for _, conn := range r.conns {
		if conn.Identity.UserID == userID {
			matches = append(matches, conn)
		}
	}
	return matches
}

// ListAll returns a snapshot of all registered identities, used to answer
// "who is online" on authentication and sync responses.
func (r *Registry) ListAll() []protocol.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]protocol.Identity, 0, len(r.conns))
	for _, conn := range r.conns {
		ids = append(ids, conn.Identity)
	}
	return ids
}

// Snapshot returns all registered connections.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
