package relay

import (
	"sync"

	"github.com/google/uuid"

	"github.com/SWAI-Ltd/Lancast/internal/transport"
)

// Registry is the authoritative set of live connections, keyed by session ID.
// Membership changes and snapshots are mutually exclusive; I/O never happens
// under the lock. A connection obtained from Snapshot was registered at the
// snapshot instant but may die before it is used, so callers must tolerate
// late send failures.
type Registry struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*transport.Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[uuid.UUID]*transport.Conn)}
}

// Add registers conn. Returns false if the ID is already present.
func (r *Registry) Add(conn *transport.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[conn.ID()]; ok {
		return false
	}
	r.conns[conn.ID()] = conn
	return true
}

// Remove deregisters conn. It is a no-op unless conn is the currently
// registered session for its ID — already-removed connections and sessions
// superseded by a newer one with the same identity both report false. That
// keeps concurrent retirement idempotent and stops a late retire of a
// superseded session from evicting its replacement.
func (r *Registry) Remove(conn *transport.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[conn.ID()] != conn {
		return false
	}
	delete(r.conns, conn.ID())
	return true
}

// Get returns the connection with the given ID, if registered.
func (r *Registry) Get(id uuid.UUID) (*transport.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns a defensive copy of the current membership. The lock is
// held only for the copy, never for caller I/O.
func (r *Registry) Snapshot() []*transport.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*transport.Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}
