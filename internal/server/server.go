// Package server exposes the engine over a headless HTTP + WebSocket API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/futarchyfi/condamm/internal/domain"
	"github.com/futarchyfi/condamm/internal/server/handler"
	"github.com/futarchyfi/condamm/internal/server/middleware"
	"github.com/futarchyfi/condamm/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string        // if empty, authentication is disabled
	RateLimit   int           // requests per window per client IP; 0 disables
	RateWindow  time.Duration // sliding window for rate limiting
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health  *handler.HealthHandler
	Markets *handler.MarketHandler
	Trades  *handler.TradeHandler
}

// Server is the HTTP + WebSocket API server for the conditional AMM engine.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth, rate limiting) and attaches
// the WebSocket hub. limiter may be nil when rate limiting is disabled.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Market lifecycle.
	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("POST /api/markets", handlers.Markets.CreateMarket)
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
	mux.HandleFunc("POST /api/markets/{id}/resolve", handlers.Markets.ResolveMarket)
	mux.HandleFunc("POST /api/markets/{id}/halt", handlers.Markets.HaltMarket)
	mux.HandleFunc("POST /api/markets/{id}/resume", handlers.Markets.ResumeMarket)

	// Prices and history.
	mux.HandleFunc("GET /api/markets/{id}/prices", handlers.Markets.GetPrices)
	mux.HandleFunc("GET /api/markets/{id}/snapshots", handlers.Markets.ListSnapshots)
	mux.HandleFunc("GET /api/markets/{id}/fills", handlers.Trades.ListFills)

	// Trading sessions.
	mux.HandleFunc("POST /api/markets/{id}/sessions", handlers.Trades.OpenSession)
	mux.HandleFunc("POST /api/sessions/{id}/swaps", handlers.Trades.Swap)
	mux.HandleFunc("DELETE /api/sessions/{id}", handlers.Trades.CloseSession)
	mux.HandleFunc("POST /api/markets/{id}/redeem", handlers.Trades.Redeem)

	// Spot trading and liquidity.
	mux.HandleFunc("POST /api/markets/{id}/spot", handlers.Trades.TradeSpot)
	mux.HandleFunc("POST /api/markets/{id}/liquidity", handlers.Trades.AddLiquidity)
	mux.HandleFunc("DELETE /api/markets/{id}/liquidity", handlers.Trades.RemoveLiquidity)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux

	h = middleware.Auth(cfg.APIKey)(h)

	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Second
		}
		h = middleware.RateLimit(limiter, cfg.RateLimit, window)(h)
	}

	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
