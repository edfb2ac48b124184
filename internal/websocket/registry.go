package websocket

import (
	"sync"

	"github.com/rs/zerolog"
)

// Registry maps user ids to their current connection. It is the single
// source of truth for presence: a key is present exactly while its
// connection is open, so absence always means "not deliverable right now".
//
// All mutation goes through Register/Deregister; the mutex is held only for
// map operations, never across a network send.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*Connection
	order    []string // user ids in registration order, for Snapshot
	onChange func()
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// OnChange sets the callback invoked after every membership change. It is
// called outside the registry lock, at most once per Register/Deregister
// that actually mutated the map. Must be set before the gateway starts
// accepting connections.
func (r *Registry) OnChange(fn func()) {
	r.onChange = fn
}

// Register inserts or replaces the entry for userID. A newer connection
// silently displaces an older one for the same user; the displaced
// connection is not closed or notified, and its later teardown is a no-op
// deregister. Replacement keeps the user's original snapshot position.
func (r *Registry) Register(userID string, conn *Connection) {
	if userID == "" || conn == nil {
		return
	}

	r.mu.Lock()
	if _, replaced := r.conns[userID]; !replaced {
		r.order = append(r.order, userID)
	}
	r.conns[userID] = conn
	r.mu.Unlock()

	r.logger.Info().Str("user", userID).Str("conn", conn.ID()).Msg("user registered")
	r.notify()
}

// Deregister removes the entry for userID only if conn is still the
// registered connection. A stale close racing a newer registration for the
// same user must never remove the live entry. Idempotent: deregistering an
// absent or already-replaced connection does nothing and triggers no
// presence change.
func (r *Registry) Deregister(userID string, conn *Connection) {
	if userID == "" || conn == nil {
		return
	}

	r.mu.Lock()
	current, ok := r.conns[userID]
	if !ok || current != conn {
		r.mu.Unlock()
		return
	}
	delete(r.conns, userID)
	for i, id := range r.order {
		if id == userID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.logger.Info().Str("user", userID).Str("conn", conn.ID()).Msg("user deregistered")
	r.notify()
}

// Lookup returns the current connection for userID.
func (r *Registry) Lookup(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[userID]
	return conn, ok
}

// Snapshot returns a point-in-time copy of the online user ids in
// registration order.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, len(r.order))
	copy(users, r.order)
	return users
}

// Stats returns registry counters for the health endpoint.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"online_users": len(r.conns),
	}
}

func (r *Registry) notify() {
	if r.onChange != nil {
		r.onChange()
	}
}
