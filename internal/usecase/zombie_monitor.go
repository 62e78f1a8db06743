package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/infrastructure/logging"
	"github.com/iho/sagaledger/internal/infrastructure/metrics"
)

// MonitorConfig tunes zombie detection.
type MonitorConfig struct {
	StaleAfter time.Duration
	BatchSize  int
}

// ScanResult summarizes one monitor pass.
type ScanResult struct {
	Scanned     int
	Resurrected int
	TimedOut    int
	Refreshed   int
	Errors      int
}

// ZombieMonitor detects sagas whose worker died and puts them back on track.
type ZombieMonitor struct {
	txManager    TransactionManager
	sagaRepo     SagaRepository
	auditRepo    AuditRepository
	outbox       *OutboxUseCase
	orchestrator *SagaOrchestrator
	idGen        IDGenerator
	cfg          MonitorConfig
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time
}

// NewZombieMonitor creates a new ZombieMonitor.
func NewZombieMonitor(
	txManager TransactionManager,
	sagaRepo SagaRepository,
	auditRepo AuditRepository,
	outbox *OutboxUseCase,
	orchestrator *SagaOrchestrator,
	idGen IDGenerator,
	cfg MonitorConfig,
	m *metrics.Metrics,
) *ZombieMonitor {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	return &ZombieMonitor{
		txManager:    txManager,
		sagaRepo:     sagaRepo,
		auditRepo:    auditRepo,
		outbox:       outbox,
		orchestrator: orchestrator,
		idGen:        idGen,
		cfg:          cfg,
		metrics:      m,
		logger:       slog.Default(),
		now:          time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (zm *ZombieMonitor) WithNow(now func() time.Time) {
	if now != nil {
		zm.now = now
	}
}

// WithLogger sets the logger.
func (zm *ZombieMonitor) WithLogger(logger *slog.Logger) {
	if logger != nil {
		zm.logger = logger
	}
}

// Scan inspects every non-terminal saga with a stale heartbeat. A saga past
// its deadline is timed out. A saga with no outstanding event gets the event
// it is waiting for re-emitted. Otherwise only the heartbeat is refreshed.
// Errors on one saga do not stop the scan.
func (zm *ZombieMonitor) Scan(ctx context.Context) (ScanResult, error) {
	var result ScanResult

	now := zm.now().UTC()
	stale, err := zm.sagaRepo.ListStale(ctx, now.Add(-zm.cfg.StaleAfter), zm.cfg.BatchSize)
	if err != nil {
		if zm.metrics != nil {
			zm.metrics.MonitorScanErrors.Inc()
		}
		return result, err
	}

	if zm.metrics != nil {
		zm.metrics.MonitorScans.Inc()
	}

	for _, saga := range stale {
		if saga.IsTerminal() {
			continue
		}
		result.Scanned++

		sagaCtx := logging.WithSagaID(logging.WithTraceID(ctx, saga.TraceID), saga.ID)
		outcome, err := zm.inspect(sagaCtx, saga, now)
		if err != nil {
			result.Errors++
			logging.FromContext(sagaCtx, zm.logger).Error("zombie monitor could not handle saga",
				"status", saga.Status,
				"current_step", saga.CurrentStep,
				"error", err,
			)
			if zm.metrics != nil {
				zm.metrics.MonitorScanErrors.Inc()
			}
			continue
		}

		switch outcome {
		case outcomeTimedOut:
			result.TimedOut++
		case outcomeResurrected:
			result.Resurrected++
		case outcomeRefreshed:
			result.Refreshed++
		}
	}

	if result.Scanned > 0 {
		zm.logger.Info("zombie monitor scan finished",
			"scanned", result.Scanned,
			"resurrected", result.Resurrected,
			"timed_out", result.TimedOut,
			"refreshed", result.Refreshed,
			"errors", result.Errors,
		)
	}

	return result, nil
}

type scanOutcome int

const (
	outcomeSkipped scanOutcome = iota
	outcomeTimedOut
	outcomeResurrected
	outcomeRefreshed
)

func (zm *ZombieMonitor) inspect(ctx context.Context, saga *domain.SagaState, now time.Time) (scanOutcome, error) {
	log := logging.FromContext(ctx, zm.logger)

	// timeout wins over resurrection
	if saga.IsTimedOut(now) && (saga.Status == domain.SagaStatusPending || saga.Status == domain.SagaStatusRunning) {
		changed, err := zm.orchestrator.TimeOut(ctx, saga.ID)
		if err != nil {
			return outcomeSkipped, err
		}
		if !changed {
			return outcomeSkipped, nil
		}
		if zm.metrics != nil {
			zm.metrics.SagasTimedOut.Inc()
		}
		return outcomeTimedOut, nil
	}

	txCtx, cancel := context.WithTimeout(ctx, DefaultTransactionTimeout)
	defer cancel()

	tx, err := zm.txManager.Begin(txCtx)
	if err != nil {
		return outcomeSkipped, err
	}
	defer func() { _ = tx.Rollback(txCtx) }()

	locked, err := zm.sagaRepo.GetByIDForUpdate(txCtx, tx, saga.ID)
	if err != nil {
		return outcomeSkipped, err
	}
	if locked.IsTerminal() || locked.HeartbeatAt.After(now.Add(-zm.cfg.StaleAfter)) {
		// finished or picked up since the listing
		return outcomeSkipped, nil
	}

	active, err := zm.outbox.ActiveForSaga(txCtx, tx, locked.ID)
	if err != nil {
		return outcomeSkipped, err
	}

	outcome := outcomeRefreshed
	if active == 0 {
		in, err := zm.orchestrator.ResurrectionEvent(locked)
		if err != nil {
			return outcomeSkipped, err
		}
		event, err := zm.outbox.Emit(txCtx, tx, in)
		if err != nil {
			return outcomeSkipped, err
		}

		if zm.auditRepo != nil {
			staleFor := now.Sub(locked.HeartbeatAt).Round(time.Second)
			if err := zm.auditRepo.CreateTx(txCtx, tx, &domain.AuditLog{
				ID:           zm.idGen.Generate(),
				ActorID:      "system:zombie-monitor",
				Action:       domain.AuditActionSagaResurrected,
				ResourceType: domain.ResourceTypeSaga,
				ResourceID:   locked.ID,
				TraceID:      locked.TraceID,
				AfterState: domain.JSON{
					"status":       string(locked.Status),
					"current_step": locked.CurrentStep,
					"event_id":     event.ID,
					"event_type":   event.EventType,
					"stale_for":    staleFor.String(),
				},
				Status:    domain.AuditStatusSuccess,
				CreatedAt: now,
			}); err != nil {
				return outcomeSkipped, err
			}
		}
		outcome = outcomeResurrected
	}

	if err := zm.sagaRepo.Touch(txCtx, tx, locked.ID, now); err != nil {
		return outcomeSkipped, err
	}

	if err := tx.Commit(txCtx); err != nil {
		return outcomeSkipped, err
	}

	switch outcome {
	case outcomeResurrected:
		log.Warn("resurrected zombie saga", "status", locked.Status, "current_step", locked.CurrentStep)
		if zm.metrics != nil {
			zm.metrics.ZombiesResurrected.Inc()
		}
	case outcomeRefreshed:
		log.Debug("stale saga has outstanding events, heartbeat refreshed", "active_events", active)
		if zm.metrics != nil {
			zm.metrics.HeartbeatsRefreshed.Inc()
		}
	}

	return outcome, nil
}
