// Package app assembles the use cases on the backends selected by config.
// The server, worker and CLI binaries share it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/iho/sagaledger/internal/adapter/compliance"
	"github.com/iho/sagaledger/internal/adapter/repository/memory"
	postgresRepo "github.com/iho/sagaledger/internal/adapter/repository/postgres"
	redisRepo "github.com/iho/sagaledger/internal/adapter/repository/redis"
	"github.com/iho/sagaledger/internal/infrastructure/config"
	"github.com/iho/sagaledger/internal/infrastructure/metrics"
	"github.com/iho/sagaledger/internal/infrastructure/postgres"
	"github.com/iho/sagaledger/internal/infrastructure/redis"
	"github.com/iho/sagaledger/internal/usecase"
)

// complianceCachePrefix namespaces compliance values in redis.
const complianceCachePrefix = "compliance:"

// Repositories is one backend's set of repositories.
type Repositories struct {
	TxManager      usecase.TransactionManager
	Accounts       usecase.AccountRepository
	Balances       usecase.BalanceRepository
	Journal        usecase.JournalRepository
	Ledger         usecase.LedgerRepository
	Sagas          usecase.SagaRepository
	Outbox         usecase.OutboxRepository
	Audit          usecase.AuditRepository
	Compliance     usecase.ComplianceLookup
	Authorizations usecase.AuthorizationLookup
	Retrier        usecase.Retrier
}

// App holds the wired use cases and the clients behind them.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	Pool  *pgxpool.Pool     // nil on the memory backend
	Redis *goredis.Client   // nil until ConnectRedis
	Repos Repositories

	Accounts     *usecase.AccountUseCase
	Ledger       *usecase.LedgerUseCase
	Reconciler   *usecase.ReconciliationUseCase
	Outbox       *usecase.OutboxUseCase
	Registry     *usecase.SagaRegistry
	Orchestrator *usecase.SagaOrchestrator
	Sweep        *usecase.SweepWorkflow
	Monitor      *usecase.ZombieMonitor
}

// Options adjust New.
type Options struct {
	// Registerer receives the metrics. Nil uses a private registry.
	Registerer prometheus.Registerer
	// WithRedis connects to redis even when no component requires it.
	WithRedis bool
}

// New connects the configured backends and wires every use case.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New(reg)}

	switch cfg.StoreBackend {
	case config.StoreMemory:
		a.Repos = memoryRepositories(memory.NewStore())
	default:
		pool, err := postgres.NewPoolWithConfig(ctx, postgres.PoolConfig{
			DatabaseURL:    cfg.DatabaseURL,
			MaxConns:       cfg.DatabaseMaxConns,
			MinConns:       cfg.DatabaseMinConns,
			ConnectTimeout: cfg.DatabaseTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.Pool = pool
		a.Repos = postgresRepositories(pool, logger)
	}

	if cfg.ComplianceBackend == config.ComplianceFile {
		store, err := compliance.OpenFile(cfg.ComplianceFile)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open compliance file: %w", err)
		}
		a.Repos.Compliance = store
		a.Repos.Authorizations = store
	}

	if opts.WithRedis || cfg.ComplianceCacheTTL > 0 {
		if err := a.ConnectRedis(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}
	if cfg.ComplianceCacheTTL > 0 {
		cache := redisRepo.NewCache(a.Redis, complianceCachePrefix)
		a.Repos.Compliance = compliance.NewCachedLookup(a.Repos.Compliance, cache, cfg.ComplianceCacheTTL, logger)
	}

	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// ConnectRedis opens the redis client once.
func (a *App) ConnectRedis(ctx context.Context) error {
	if a.Redis != nil {
		return nil
	}
	client, err := redis.NewClient(ctx, a.Config.RedisURL, a.Config.RedisTimeout)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	a.Redis = client
	return nil
}

func (a *App) wire() error {
	cfg := a.Config
	r := a.Repos
	idGen := postgresRepo.NewULIDGenerator()

	a.Accounts = usecase.NewAccountUseCase(r.TxManager, r.Accounts, idGen)

	a.Outbox = usecase.NewOutboxUseCase(r.Outbox, idGen, usecase.OutboxConfig{
		Lease:       cfg.OutboxLease,
		MaxAttempts: cfg.OutboxMaxAttempts,
		RetryDelay:  usecase.DefaultRetryDelay,
		MaxDelay:    usecase.DefaultOutboxConfig().MaxDelay,
	}, a.Metrics)
	a.Outbox.WithLogger(a.Logger)

	a.Ledger = usecase.NewLedgerUseCase(r.TxManager, r.Accounts, r.Balances, r.Journal, r.Ledger, r.Audit, a.Outbox, idGen, r.Retrier, a.Metrics)
	a.Ledger.WithLogger(a.Logger)

	a.Reconciler = usecase.NewReconciliationUseCase(r.Accounts, r.Balances, r.Journal, r.Ledger)

	a.Sweep = usecase.NewSweepWorkflow(a.Ledger, a.Reconciler, r.Accounts, r.Balances, r.Compliance, r.Authorizations, idGen)
	a.Sweep.WithLogger(a.Logger)

	a.Registry = usecase.NewSagaRegistry()
	if err := a.Registry.Register(a.Sweep.Definition()); err != nil {
		return fmt.Errorf("register sweep saga: %w", err)
	}

	a.Orchestrator = usecase.NewSagaOrchestrator(r.TxManager, r.Sagas, r.Audit, a.Outbox, a.Registry, idGen, a.Metrics)
	a.Orchestrator.WithLogger(a.Logger)
	a.Orchestrator.WithDefaultTimeout(cfg.SagaDefaultTimeout)

	a.Monitor = usecase.NewZombieMonitor(r.TxManager, r.Sagas, r.Audit, a.Outbox, a.Orchestrator, idGen, usecase.MonitorConfig{
		StaleAfter: cfg.MonitorStaleAfter,
		BatchSize:  cfg.MonitorBatchSize,
	}, a.Metrics)
	a.Monitor.WithLogger(a.Logger)
	return nil
}

// Close releases the clients.
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn("redis close", slog.String("error", err.Error()))
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}

func memoryRepositories(store *memory.Store) Repositories {
	rules := memory.NewComplianceRepository(store)
	return Repositories{
		TxManager:      memory.NewTxManager(store),
		Accounts:       memory.NewAccountRepository(store),
		Balances:       memory.NewBalanceRepository(store),
		Journal:        memory.NewJournalRepository(store),
		Ledger:         memory.NewLedgerRepository(store),
		Sagas:          memory.NewSagaRepository(store),
		Outbox:         memory.NewOutboxRepository(store),
		Audit:          memory.NewAuditRepository(store),
		Compliance:     rules,
		Authorizations: rules,
	}
}

func postgresRepositories(pool *pgxpool.Pool, logger *slog.Logger) Repositories {
	rules := postgresRepo.NewComplianceRepository(pool)
	return Repositories{
		TxManager:      postgresRepo.NewTxManager(pool),
		Accounts:       postgresRepo.NewAccountRepository(pool),
		Balances:       postgresRepo.NewBalanceRepository(pool),
		Journal:        postgresRepo.NewJournalRepository(pool),
		Ledger:         postgresRepo.NewLedgerRepository(pool),
		Sagas:          postgresRepo.NewSagaRepository(pool),
		Outbox:         postgresRepo.NewOutboxRepository(pool),
		Audit:          postgresRepo.NewAuditRepository(pool),
		Compliance:     rules,
		Authorizations: rules,
		Retrier:        postgresRepo.NewRetrier(logger),
	}
}
