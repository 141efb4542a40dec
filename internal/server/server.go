// Package server exposes the trading operations over HTTP and streams each
// user's events over WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/server/handler"
	"github.com/alanyoungcy/polyguard/internal/server/middleware"
	"github.com/alanyoungcy/polyguard/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port         int
	JWTSecret    string
	CORSOrigins  []string
	RateLimit    int
	RateWindow   time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health      *handler.HealthHandler
	Positions   *handler.PositionHandler
	Orders      *handler.OrderHandler
	Sync        *handler.SyncHandler
	Credentials *handler.CredentialHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on a ServeMux and
// wrapped in the middleware chain. wsHub may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("server: jwt secret is required: %w", domain.ErrValidation)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewHandler(cfg, handlers, wsHub, limiter, logger),
		ReadTimeout:  orDefault(cfg.ReadTimeout, 15*time.Second),
		WriteTimeout: orDefault(cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}, nil
}

// NewHandler builds the routed and middleware-wrapped handler.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Position endpoints.
	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("POST /api/positions/{id}/stop-loss", handlers.Positions.SetStopLoss)
	mux.HandleFunc("DELETE /api/positions/{id}/stop-loss", handlers.Positions.RemoveStopLoss)
	mux.HandleFunc("POST /api/positions/{id}/take-profit", handlers.Positions.SetTakeProfit)
	mux.HandleFunc("DELETE /api/positions/{id}/take-profit", handlers.Positions.CancelTakeProfit)
	mux.HandleFunc("POST /api/positions/{id}/sell", handlers.Positions.MarketSell)

	// Order endpoints.
	mux.HandleFunc("GET /api/orders", handlers.Orders.ListOrders)
	mux.HandleFunc("PATCH /api/orders/{id}", handlers.Orders.EditOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", handlers.Orders.CancelOrder)

	// Manual sync.
	mux.HandleFunc("POST /api/sync/positions", handlers.Sync.SyncPositions)
	mux.HandleFunc("POST /api/sync/orders", handlers.Sync.SyncOrders)

	// Credential vault.
	mux.HandleFunc("PUT /api/credentials", handlers.Credentials.StoreCredentials)
	mux.HandleFunc("GET /api/credentials", handlers.Credentials.GetCredentials)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Innermost first: the limiter keys on the user set by Auth.
	var h http.Handler = mux
	h = middleware.RateLimit(limiter, cfg.RateLimit, orDefault(cfg.RateWindow, time.Minute))(h)
	h = middleware.Auth([]byte(cfg.JWTSecret), "/api/health")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
