// Package api exposes the relay's internal HTTP surface: the delivery
// operation for backend services and a liveness endpoint.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/pkg/types"
)

// Deliverer is the relay operation the deliver endpoint fronts.
type Deliverer interface {
	Deliver(receiverID string, message json.RawMessage) bool
}

// StatsProvider contributes counters to the health payload.
type StatsProvider interface {
	Stats() map[string]int
}

// Server handles HTTP only: decoding, status codes, JSON. No relay or
// presence logic lives here.
type Server struct {
	deliverer     Deliverer
	stats         []StatsProvider
	router        *http.ServeMux
	allowedOrigin string
	logger        zerolog.Logger
}

// NewServer creates the internal API server. allowedOrigin follows the
// edge-gateway CORS convention: "*" reflects any caller.
func NewServer(deliverer Deliverer, allowedOrigin string, logger zerolog.Logger, stats ...StatsProvider) *Server {
	s := &Server{
		deliverer:     deliverer,
		stats:         stats,
		router:        http.NewServeMux(),
		allowedOrigin: allowedOrigin,
		logger:        logger.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/relay/deliver", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleDeliver))))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleHealth))))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type healthResponse struct {
	Status      string         `json:"status"`
	Service     string         `json:"service"`
	Timestamp   time.Time      `json:"timestamp"`
	Connections map[string]int `json:"connections"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleDeliver implements POST /relay/deliver. A well-formed request
// always answers 200 with a delivered flag; "receiver offline" is an
// outcome, not an error.
func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	default:
		s.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req types.DeliverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.ReceiverID == "" {
		s.sendError(w, types.ErrMissingReceiverID.Error(), http.StatusBadRequest)
		return
	}
	if !types.IsValidUserID(req.ReceiverID) {
		s.sendError(w, types.ErrInvalidUserID.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Message) == 0 {
		s.sendError(w, types.ErrMissingMessage.Error(), http.StatusBadRequest)
		return
	}

	delivered := s.deliverer.Deliver(req.ReceiverID, req.Message)

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(types.DeliverResponse{Delivered: delivered}); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode deliver response")
	}
}

// handleHealth reports process liveness and connection counters.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodOptions {
		s.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	connections := make(map[string]int)
	for _, provider := range s.stats {
		for k, v := range provider.Stats() {
			connections[k] = v
		}
	}

	resp := healthResponse{
		Status:      "ok",
		Service:     "chat-relay",
		Timestamp:   time.Now().UTC(),
		Connections: connections,
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode health response")
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(errorResponse{Error: message}); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode error response")
	}
}

// corsMiddleware mirrors the edge gateway's cookie-forwarding CORS setup so
// browser clients behind it can reach the health endpoint directly.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := s.allowedOrigin
		if origin == "*" {
			origin = r.Header.Get("Origin")
		}
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
