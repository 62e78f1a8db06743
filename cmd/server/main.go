package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	httpAdapter "github.com/iho/sagaledger/internal/adapter/http"
	"github.com/iho/sagaledger/internal/adapter/http/handler"
	"github.com/iho/sagaledger/internal/adapter/http/middleware"
	redisRepo "github.com/iho/sagaledger/internal/adapter/repository/redis"
	"github.com/iho/sagaledger/internal/app"
	"github.com/iho/sagaledger/internal/infrastructure/config"
	"github.com/iho/sagaledger/internal/infrastructure/logger"
	"github.com/iho/sagaledger/internal/infrastructure/logging"
)

// rate limiter entries idle this long are dropped
const limiterIdle = 10 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	slogger := logging.New(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat).Logger

	// the memory backend has no shared state with a worker process, so it
	// needs no redis and runs the workers in-process
	embedded := cfg.StoreBackend == config.StoreMemory

	a, err := app.New(ctx, cfg, slogger, app.Options{Registerer: reg, WithRedis: !embedded})
	if err != nil {
		return err
	}
	defer a.Close()
	log.Info().Str("store", cfg.StoreBackend).Str("compliance", cfg.ComplianceBackend).Msg("backends ready")

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).WithMetrics(a.Metrics)
	go limiter.RunCleanup(ctx, time.Minute, limiterIdle)

	routerCfg := routerConfig(a, reg, log)
	routerCfg.RateLimiter = limiter

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:      httpAdapter.NewRouter(routerCfg),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if embedded {
		go func() {
			log.Info().Msg("running outbox relay and zombie monitor in-process")
			if err := a.RunWorkers(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	log.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// routerConfig builds the handlers and health checks for a.
func routerConfig(a *app.App, reg *prometheus.Registry, log zerolog.Logger) httpAdapter.RouterConfig {
	checks := map[string]handler.Check{}
	if a.Pool != nil {
		checks["postgres"] = func(ctx context.Context) error { return a.Pool.Ping(ctx) }
	}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
	}

	cfg := httpAdapter.RouterConfig{
		AccountHandler: handler.NewAccountHandler(a.Accounts, a.Ledger),
		EntryHandler:   handler.NewEntryHandler(a.Ledger),
		SagaHandler:    handler.NewSagaHandler(a.Sweep, a.Orchestrator, a.Outbox, a.Repos.Audit),
		LedgerHandler:  handler.NewLedgerHandler(a.Ledger),
		HealthHandler:  handler.NewHealthHandler(checks),
		Metrics:        a.Metrics,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Logger:         log,
	}
	if a.Redis != nil {
		cfg.IdempotencyStore = redisRepo.NewIdempotencyStore(a.Redis)
	}
	return cfg
}
