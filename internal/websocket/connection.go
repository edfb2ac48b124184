package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Connection wraps one live client WebSocket session. All outbound traffic
// funnels through a single writer goroutine, so the presence broadcaster and
// the message relay can send to the same client without racing on the
// underlying transport.
type Connection struct {
	id           string
	userID       string // empty when the handshake carried no usable userId
	conn         *websocket.Conn
	writeCh      chan []byte
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
	logger       zerolog.Logger
}

// NewConnection wraps an upgraded WebSocket and starts its writer goroutine.
// userID may be empty for connections that should stay unregistered.
func NewConnection(conn *websocket.Conn, userID string, sendBuffer int, writeTimeout time.Duration, logger zerolog.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           uuid.NewString(),
		userID:       userID,
		conn:         conn,
		writeCh:      make(chan []byte, sendBuffer),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
	c.logger = logger.With().Str("component", "connection").Str("conn", c.id).Logger()

	go c.writeLoop()

	return c
}

// ID returns the connection's unique id, distinct from the user id so that
// two sessions claiming the same user can be told apart in logs.
func (c *Connection) ID() string { return c.id }

// UserID returns the handshake-claimed user id, or "" for unidentified
// connections.
func (c *Connection) UserID() string { return c.userID }

// Identified reports whether this connection is eligible for registration.
func (c *Connection) Identified() bool { return c.userID != "" }

// Done is closed once the connection is shut down.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// writeLoop is the single goroutine allowed to write data frames. writeCh is
// never closed; a dead transport cancels the connection instead, so queued
// senders fail with ErrConnectionClosed rather than panicking on a send.
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write failed, stopping writer")
				c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues v for delivery. It returns ErrConnectionClosed after
// Close, or ErrWriteTimeout when the send buffer stays full for the
// configured write timeout.
func (c *Connection) WriteJSON(v any) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(c.writeTimeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close shuts the connection down. Safe to call from any goroutine, any
// number of times; the transport close wakes the gateway read loop, which
// runs the deregistration path.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close()
	})
	return err
}
