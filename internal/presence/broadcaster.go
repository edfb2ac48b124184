// Package presence fans out online-user snapshots to every open connection
// whenever registry membership changes.
package presence

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"chatrelay/internal/websocket"
	"chatrelay/pkg/types"
)

// Snapshotter provides a consistent point-in-time view of the online set.
type Snapshotter interface {
	Snapshot() []string
}

// Broadcaster owns the set of all open connections (registered or not) and
// a single fan-out goroutine. Membership changes wake the goroutine through
// a one-slot signal channel: bursts of closely spaced changes may collapse
// into one broadcast, but the snapshot taken on wake is never older than
// the change that signalled it.
type Broadcaster struct {
	snapshots Snapshotter

	connMu sync.Mutex
	conns  map[*websocket.Connection]struct{}

	wake     chan struct{}
	shutdown chan struct{}

	mu      sync.Mutex
	running bool

	logger zerolog.Logger
}

// NewBroadcaster creates a broadcaster reading snapshots from s.
func NewBroadcaster(s Snapshotter, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		snapshots: s,
		conns:     make(map[*websocket.Connection]struct{}),
		wake:      make(chan struct{}, 1),
		shutdown:  make(chan struct{}),
		logger:    logger.With().Str("component", "presence").Logger(),
	}
}

// Start launches the fan-out goroutine.
func (b *Broadcaster) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return ErrAlreadyRunning
	}
	b.running = true

	go b.run(ctx)
	return nil
}

// Stop terminates the fan-out goroutine. Pending coalesced broadcasts are
// dropped; connections are torn down by the gateway, not here.
func (b *Broadcaster) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return ErrNotRunning
	}
	b.running = false

	close(b.shutdown)
	return nil
}

// Attach adds a newly accepted connection to the fan-out audience and
// schedules a broadcast so the client learns the current online set without
// sending anything.
func (b *Broadcaster) Attach(conn *websocket.Connection) {
	b.connMu.Lock()
	b.conns[conn] = struct{}{}
	b.connMu.Unlock()

	b.MembershipChanged()
}

// Detach removes a connection from the audience. Idempotent. Presence
// changes caused by the disconnect are signalled by the registry, not here.
func (b *Broadcaster) Detach(conn *websocket.Connection) {
	b.connMu.Lock()
	delete(b.conns, conn)
	b.connMu.Unlock()
}

// MembershipChanged wakes the fan-out goroutine. Never blocks: if a wake is
// already pending the change rides along with it.
func (b *Broadcaster) MembershipChanged() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Stats returns audience counters for the health endpoint.
func (b *Broadcaster) Stats() map[string]int {
	b.connMu.Lock()
	defer b.connMu.Unlock()

	return map[string]int{
		"open_connections": len(b.conns),
	}
}

func (b *Broadcaster) run(ctx context.Context) {
	b.logger.Info().Msg("presence broadcaster started")
	for {
		select {
		case <-b.wake:
			b.broadcast()
		case <-b.shutdown:
			b.logger.Info().Msg("presence broadcaster stopped")
			return
		case <-ctx.Done():
			b.logger.Info().Msg("presence broadcaster stopped")
			return
		}
	}
}

// broadcast pushes the current snapshot to every attached connection. A
// failed send closes that one connection so the gateway tears it down; the
// remaining connections still get the event.
func (b *Broadcaster) broadcast() {
	users := b.snapshots.Snapshot()
	event, err := types.NewEvent(types.EventOnlineUsers, users)
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to build presence event")
		return
	}

	b.connMu.Lock()
	conns := make([]*websocket.Connection, 0, len(b.conns))
	for conn := range b.conns {
		conns = append(conns, conn)
	}
	b.connMu.Unlock()

	for _, conn := range conns {
		if err := conn.WriteJSON(event); err != nil {
			b.logger.Warn().Err(err).Str("conn", conn.ID()).Msg("presence send failed, closing connection")
			_ = conn.Close()
		}
	}
	b.logger.Debug().Int("online", len(users)).Int("audience", len(conns)).Msg("presence broadcast")
}
