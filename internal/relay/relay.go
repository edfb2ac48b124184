// Package relay forwards messages from trusted internal services to a
// specific user's open connection.
package relay

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"chatrelay/internal/websocket"
	"chatrelay/pkg/types"
)

// Registry is the lookup side of the connection registry.
type Registry interface {
	Lookup(userID string) (*websocket.Connection, bool)
}

// Relay delivers message payloads to a receiver's live connection.
// Best-effort and at-most-once: no queue, no retry, no persistence. The
// caller already stored the message durably and decides what an undelivered
// result means.
type Relay struct {
	registry Registry
	logger   zerolog.Logger
}

// New creates a message relay backed by the given registry.
func New(registry Registry, logger zerolog.Logger) *Relay {
	return &Relay{
		registry: registry,
		logger:   logger.With().Str("component", "relay").Logger(),
	}
}

// Deliver forwards message verbatim to receiverID as a newMessage event.
// It reports false when the receiver has no open connection, which is a
// normal outcome. A connection that is present but unwritable (send buffer
// stuck, transport closing) also reports false and is closed so the gateway
// tears it down.
func (r *Relay) Deliver(receiverID string, message json.RawMessage) bool {
	conn, ok := r.registry.Lookup(receiverID)
	if !ok {
		r.logger.Debug().Str("receiver", receiverID).Msg("receiver offline, delivery skipped")
		return false
	}

	event := &types.Event{Event: types.EventNewMessage, Data: message}
	if err := conn.WriteJSON(event); err != nil {
		r.logger.Warn().Err(err).Str("receiver", receiverID).Str("conn", conn.ID()).Msg("delivery send failed, closing connection")
		_ = conn.Close()
		return false
	}

	r.logger.Debug().Str("receiver", receiverID).Str("conn", conn.ID()).Msg("message delivered")
	return true
}
