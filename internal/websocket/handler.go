package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatrelay/pkg/types"
)

// Broadcaster receives connection audience changes from the gateway. Every
// accepted connection is attached, identified or not, so unregistered
// clients still see presence snapshots.
type Broadcaster interface {
	Attach(conn *Connection)
	Detach(conn *Connection)
}

// HandlerOptions carries the transport tunables from configuration.
type HandlerOptions struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	SendBuffer       int
	AllowedOrigin    string // "*" accepts any origin
}

// Handler terminates inbound realtime connections and owns their lifecycle:
// upgrade, registration, heartbeat, and idempotent teardown.
type Handler struct {
	registry    *Registry
	broadcaster Broadcaster
	opts        HandlerOptions
	upgrader    websocket.Upgrader
	logger      zerolog.Logger
	connLogger  zerolog.Logger // unscoped, for per-connection child loggers
}

// NewHandler creates the WebSocket gateway handler.
func NewHandler(registry *Registry, broadcaster Broadcaster, opts HandlerOptions, logger zerolog.Logger) *Handler {
	h := &Handler{
		registry:    registry,
		broadcaster: broadcaster,
		opts:        opts,
		logger:      logger.With().Str("component", "gateway").Logger(),
		connLogger:  logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: opts.HandshakeTimeout,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.opts.AllowedOrigin == "" || h.opts.AllowedOrigin == "*" {
		return true
	}
	return r.Header.Get("Origin") == h.opts.AllowedOrigin
}

// HandleWebSocket upgrades the request and hands the connection to its own
// lifecycle goroutine.
//
// The userId query parameter is taken at face value: upstream HTTP auth is
// not re-checked here. A missing or malformed userId still yields a working
// transport, just one that is never registered and never deliverable.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID != "" && !types.IsValidUserID(userID) {
		h.logger.Warn().Str("user", userID).Msg("malformed userId in handshake, accepting connection unregistered")
		userID = ""
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := NewConnection(ws, userID, h.opts.SendBuffer, h.opts.WriteTimeout, h.connLogger)
	h.logger.Info().Str("conn", conn.ID()).Str("user", userID).Msg("client connected")

	// Attach before registering so the connection is already part of the
	// fan-out audience when its own registration broadcast fires.
	h.broadcaster.Attach(conn)
	if conn.Identified() {
		h.registry.Register(userID, conn)
	}

	go h.serve(conn)
}

// serve runs the receive-only read loop. Clients send no application
// events; reading only detects pong frames and the close or network error
// that ends the session.
func (h *Handler) serve(conn *Connection) {
	defer h.teardown(conn)

	raw := conn.conn
	if err := raw.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		return
	}
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	ticker := time.NewTicker(h.opts.PingInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(h.opts.WriteTimeout)
				if err := raw.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		if _, _, err := raw.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug().Err(err).Str("conn", conn.ID()).Msg("read loop ended")
			}
			return
		}
	}
}

// teardown releases everything the connection holds. Each step is
// idempotent, so a second teardown (or a stale one racing a replacement
// registration) neither errors nor double-broadcasts.
func (h *Handler) teardown(conn *Connection) {
	if conn.Identified() {
		h.registry.Deregister(conn.UserID(), conn)
	}
	h.broadcaster.Detach(conn)
	_ = conn.Close()
	h.logger.Info().Str("conn", conn.ID()).Str("user", conn.UserID()).Msg("client disconnected")
}
