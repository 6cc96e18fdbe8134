package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/timepoint-ai/proteus-sub001/internal/domain"
	"github.com/timepoint-ai/proteus-sub001/internal/server/handler"
	"github.com/timepoint-ai/proteus-sub001/internal/server/middleware"
	"github.com/timepoint-ai/proteus-sub001/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// Limiter enables per-client request throttling when non-nil.
	Limiter       domain.RateLimiter
	RequestLimit  int
	RequestWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health     *handler.HealthHandler
	Markets    *handler.MarketHandler
	Settlement *handler.SettlementHandler
}

// Server is the HTTP + WebSocket API over the settlement core.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered, wiring the
// middleware chain (logging, CORS, auth) and the optional WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required by convention; auth middleware skips it).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Market lifecycle.
	mux.HandleFunc("POST /api/markets", handlers.Markets.CreateMarket)
	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("GET /api/markets/stalled", handlers.Settlement.ListStalled)
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
	mux.HandleFunc("GET /api/markets/{id}/submissions", handlers.Markets.ListSubmissions)

	// Staking and attestation.
	mux.HandleFunc("POST /api/markets/{id}/submissions", handlers.Settlement.SubmitPrediction)
	mux.HandleFunc("POST /api/markets/{id}/attestations", handlers.Settlement.Attest)
	mux.HandleFunc("POST /api/markets/{id}/resolve", handlers.Settlement.ResolveMarket)
	mux.HandleFunc("POST /api/markets/{id}/emergency-withdraw", handlers.Settlement.EmergencyWithdraw)

	// Claims and rewards.
	mux.HandleFunc("POST /api/submissions/{id}/claim", handlers.Settlement.ClaimPayout)
	mux.HandleFunc("GET /api/rewards/{address}", handlers.Settlement.GetRewards)
	mux.HandleFunc("POST /api/rewards/{address}/withdraw", handlers.Settlement.WithdrawRewards)

	// WebSocket event relay.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	if cfg.Limiter != nil && cfg.RequestLimit > 0 {
		h = middleware.RateLimit(cfg.Limiter, cfg.RequestLimit, cfg.RequestWindow)(h)
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
