package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/iho/sagaledger/internal/adapter/http/handler"
	"github.com/iho/sagaledger/internal/adapter/http/middleware"
	"github.com/iho/sagaledger/internal/infrastructure/metrics"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	AccountHandler *handler.AccountHandler
	EntryHandler   *handler.EntryHandler
	SagaHandler    *handler.SagaHandler
	LedgerHandler  *handler.LedgerHandler
	HealthHandler  *handler.HealthHandler

	// Optional
	IdempotencyStore middleware.IdempotencyStore
	RateLimiter      *middleware.RateLimiter
	Metrics          *metrics.Metrics
	MetricsHandler   http.Handler

	Logger   zerolog.Logger
	ForceTLS bool
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.SecureHeaders(cfg.ForceTLS))
	if cfg.RateLimiter != nil {
		r.Use(cfg.RateLimiter.Limit)
	}
	r.Use(middleware.Actor)
	r.Use(middleware.NewLoggingMiddleware(cfg.Logger).Wrap)
	if cfg.Metrics != nil {
		r.Use(middleware.Metrics(cfg.Metrics))
	}

	// Health endpoints
	r.Get("/health", cfg.HealthHandler.Liveness)
	r.Get("/ready", cfg.HealthHandler.Readiness)
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Idempotency middleware for mutating requests
		if cfg.IdempotencyStore != nil {
			idempotencyMiddleware := middleware.NewIdempotencyMiddleware(cfg.IdempotencyStore, cfg.Logger)
			r.Use(idempotencyMiddleware.Wrap)
		}

		// Journal entries
		r.Route("/entries", func(r chi.Router) {
			r.Post("/", cfg.EntryHandler.Create)
			r.Get("/{id}", cfg.EntryHandler.Get)
			r.Patch("/{id}", cfg.EntryHandler.Update)
			r.Delete("/{id}", cfg.EntryHandler.Delete)
			r.Get("/{id}/verify", cfg.EntryHandler.Verify)
			r.Post("/{id}/reverse", cfg.EntryHandler.Reverse)
			r.Post("/{id}/void", cfg.EntryHandler.Void)
		})

		// Accounts
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", cfg.AccountHandler.Create)
			r.Get("/{id}", cfg.AccountHandler.Get)
			r.Get("/{id}/balance", cfg.AccountHandler.Balance)
			r.Get("/{id}/balance/dimensions", cfg.AccountHandler.Dimensions)
			r.Get("/{id}/balance/history", cfg.AccountHandler.History)
		})

		// Sagas
		r.Post("/sweeps", cfg.SagaHandler.StartSweep)
		r.Route("/sagas", func(r chi.Router) {
			r.Get("/", cfg.SagaHandler.List)
			r.Get("/{id}", cfg.SagaHandler.Get)
			r.Get("/{id}/events", cfg.SagaHandler.Events)
			r.Get("/{id}/audit", cfg.SagaHandler.Audit)
		})

		r.Get("/ledger/consistency", cfg.LedgerHandler.CheckConsistency)
	})

	return r
}
