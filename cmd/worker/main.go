package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/iho/sagaledger/internal/app"
	"github.com/iho/sagaledger/internal/infrastructure/config"
	"github.com/iho/sagaledger/internal/infrastructure/logger"
	"github.com/iho/sagaledger/internal/infrastructure/logging"
)

// a worker on the memory store would see none of the server's events
var errMemoryStore = errors.New("the worker needs STORE_BACKEND=postgres; the memory backend runs its workers inside the server")

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
		log.Fatal().Err(err).Msg("worker failed")
	}
	log.Info().Msg("worker stopped")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	if cfg.StoreBackend == config.StoreMemory {
		return errMemoryStore
	}

	slogger := logging.New(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat).Logger
	a, err := app.New(ctx, cfg, slogger, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	log.Info().
		Str("bank_gateway", cfg.BankGateway).
		Bool("monitor_lease", cfg.MonitorLeaseEnabled).
		Msg("worker started")

	return a.RunWorkers(ctx)
}
