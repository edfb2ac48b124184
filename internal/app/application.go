// Package app wires the relay components together and owns their
// start/stop lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/api"
	"chatrelay/internal/config"
	"chatrelay/internal/presence"
	"chatrelay/internal/relay"
	"chatrelay/internal/websocket"
)

// Application coordinates the relay's components.
// Initialization order: Registry -> Broadcaster -> Relay -> Gateway -> API -> HTTP.
type Application struct {
	config       *config.Config
	registry     *websocket.Registry
	broadcaster  *presence.Broadcaster
	messageRelay *relay.Relay
	apiServer    *api.Server
	httpServer   *http.Server
	logger       zerolog.Logger
}

// NewApplication builds a fully wired but not yet started application.
func NewApplication(cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	registry := websocket.NewRegistry(logger)

	broadcaster := presence.NewBroadcaster(registry, logger)
	// Every registry membership change wakes the broadcaster; the callback
	// never blocks, so it is safe to invoke from connection lifecycles.
	registry.OnChange(broadcaster.MembershipChanged)

	messageRelay := relay.New(registry, logger)

	wsHandler := websocket.NewHandler(registry, broadcaster, websocket.HandlerOptions{
		HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
		PingInterval:     cfg.WebSocket.PingInterval,
		ReadTimeout:      cfg.WebSocket.ReadTimeout,
		WriteTimeout:     cfg.WebSocket.WriteTimeout,
		SendBuffer:       cfg.WebSocket.SendBuffer,
		AllowedOrigin:    cfg.HTTP.AllowedOrigin,
	}, logger)

	apiServer := api.NewServer(messageRelay, cfg.HTTP.AllowedOrigin, logger, registry, broadcaster)

	mux := http.NewServeMux()
	mux.Handle("/relay/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:     mux,
		ReadTimeout: cfg.HTTP.ReadTimeout,
		// No server-level write timeout: it would also apply to upgraded
		// WebSocket connections and kill long-lived sessions. Per-write
		// deadlines are set on each connection instead.
	}

	return &Application{
		config:       cfg,
		registry:     registry,
		broadcaster:  broadcaster,
		messageRelay: messageRelay,
		apiServer:    apiServer,
		httpServer:   httpServer,
		logger:       logger.With().Str("component", "app").Logger(),
	}, nil
}

// Start launches the broadcaster and the HTTP server, returning once the
// server is accepting connections.
func (app *Application) Start(ctx context.Context) error {
	app.logger.Info().Str("addr", app.httpServer.Addr).Msg("starting chat relay")

	if err := app.broadcaster.Start(ctx); err != nil {
		return fmt.Errorf("failed to start presence broadcaster: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		_ = app.broadcaster.Stop()
		return err
	case <-time.After(100 * time.Millisecond):
		app.logger.Info().Msg("chat relay started")
		return nil
	case <-ctx.Done():
		_ = app.broadcaster.Stop()
		return ctx.Err()
	}
}

// Stop shuts the relay down in reverse order: HTTP first so no new
// connections or deliveries arrive, then the broadcaster. Open WebSocket
// teardowns run as their transports close.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info().Msg("shutting down chat relay")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.logger.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := app.broadcaster.Stop(); err != nil {
		app.logger.Error().Err(err).Msg("broadcaster shutdown error")
	}

	app.logger.Info().Msg("chat relay shutdown complete")
	return nil
}

// Addr returns the server address for external connections.
func (app *Application) Addr() string {
	return app.httpServer.Addr
}
