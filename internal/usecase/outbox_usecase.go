package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/infrastructure/metrics"
)

// OutboxConfig tunes event delivery.
type OutboxConfig struct {
	Lease       time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
	MaxDelay    time.Duration
}

// DefaultOutboxConfig returns the delivery defaults.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		Lease:       DefaultOutboxLease,
		MaxAttempts: DefaultOutboxMaxAttempts,
		RetryDelay:  DefaultRetryDelay,
		MaxDelay:    5 * time.Minute,
	}
}

// OutboxUseCase writes events transactionally and manages their delivery state.
type OutboxUseCase struct {
	outboxRepo OutboxRepository
	idGen      IDGenerator
	cfg        OutboxConfig
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewOutboxUseCase creates a new OutboxUseCase.
func NewOutboxUseCase(outboxRepo OutboxRepository, idGen IDGenerator, cfg OutboxConfig, m *metrics.Metrics) *OutboxUseCase {
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultOutboxLease
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultOutboxMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxDelay < cfg.RetryDelay {
		cfg.MaxDelay = cfg.RetryDelay
	}

	return &OutboxUseCase{
		outboxRepo: outboxRepo,
		idGen:      idGen,
		cfg:        cfg,
		metrics:    m,
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (uc *OutboxUseCase) WithNow(now func() time.Time) {
	if now != nil {
		uc.now = now
	}
}

// WithLogger sets the logger.
func (uc *OutboxUseCase) WithLogger(logger *slog.Logger) {
	if logger != nil {
		uc.logger = logger
	}
}

// EmitInput describes an event to write.
type EmitInput struct {
	EventType     string
	AggregateType string
	AggregateID   string
	Payload       any
	TraceID       string
	SagaID        string
}

// Emit inserts an event inside the caller's transaction. The event becomes
// visible to consumers only if tx commits.
func (uc *OutboxUseCase) Emit(ctx context.Context, tx Transaction, in EmitInput) (*domain.OutboxEvent, error) {
	if tx == nil {
		return nil, fmt.Errorf("emit %s: transaction required", in.EventType)
	}

	now := uc.now().UTC()
	event := &domain.OutboxEvent{
		ID:            uc.idGen.Generate(),
		EventType:     in.EventType,
		AggregateType: in.AggregateType,
		AggregateID:   in.AggregateID,
		Payload:       toPayload(in.Payload),
		Status:        domain.EventStatusPending,
		SagaID:        in.SagaID,
		TraceID:       in.TraceID,
		MaxAttempts:   uc.cfg.MaxAttempts,
		AvailableAt:   now,
		CreatedAt:     now,
	}

	if err := uc.outboxRepo.Create(ctx, tx, event); err != nil {
		return nil, fmt.Errorf("emit %s: %w", in.EventType, err)
	}

	if uc.metrics != nil {
		uc.metrics.EventsEmitted.WithLabelValues(in.EventType).Inc()
	}

	return event, nil
}

// Claim leases up to batchSize eligible events. Events whose lease expires
// before Ack or Fail become claimable again, until the expired lease was the
// last allowed attempt; those are parked as failed.
func (uc *OutboxUseCase) Claim(ctx context.Context, batchSize int) ([]*domain.OutboxEvent, error) {
	if batchSize <= 0 {
		batchSize = 1
	}

	now := uc.now().UTC()
	parked, err := uc.outboxRepo.ParkExhausted(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, event := range parked {
		uc.logger.Error("outbox event parked after its final lease expired",
			"event_id", event.ID,
			"event_type", event.EventType,
			"saga_id", event.SagaID,
			"attempts", event.Attempts,
		)
		if uc.metrics != nil {
			uc.metrics.EventsParked.WithLabelValues(event.EventType).Inc()
		}
	}

	events, err := uc.outboxRepo.Claim(ctx, now, now.Add(uc.cfg.Lease), batchSize)
	if err != nil {
		return nil, err
	}

	if uc.metrics != nil {
		uc.metrics.EventsClaimed.Add(float64(len(events)))
	}

	return events, nil
}

// Ack marks an event processed. It returns domain.ErrStaleLease when the
// event was claimed again after this claim's lease expired.
func (uc *OutboxUseCase) Ack(ctx context.Context, event *domain.OutboxEvent) error {
	if err := uc.outboxRepo.MarkProcessed(ctx, event.ID, event.Attempts, uc.now().UTC()); err != nil {
		return fmt.Errorf("ack %s: %w", event.ID, err)
	}

	if uc.metrics != nil {
		uc.metrics.EventsAcked.WithLabelValues(event.EventType).Inc()
	}

	return nil
}

// Fail records a failed delivery. The event is retried with exponential
// delay until it has been attempted MaxAttempts times, then parked as failed.
// Like Ack it returns domain.ErrStaleLease for a superseded claim.
func (uc *OutboxUseCase) Fail(ctx context.Context, event *domain.OutboxEvent, cause error) error {
	now := uc.now().UTC()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	maxAttempts := event.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = uc.cfg.MaxAttempts
	}

	if event.Attempts >= maxAttempts {
		if err := uc.outboxRepo.Reschedule(ctx, event.ID, event.Attempts, domain.EventStatusFailed, msg, now); err != nil {
			return fmt.Errorf("park %s: %w", event.ID, err)
		}

		uc.logger.Error("outbox event parked after exhausting retries",
			"event_id", event.ID,
			"event_type", event.EventType,
			"saga_id", event.SagaID,
			"attempts", event.Attempts,
			"error", msg,
		)

		if uc.metrics != nil {
			uc.metrics.EventsParked.WithLabelValues(event.EventType).Inc()
		}
		return nil
	}

	if err := uc.outboxRepo.Reschedule(ctx, event.ID, event.Attempts, domain.EventStatusPending, msg, now.Add(uc.retryDelay(event.Attempts))); err != nil {
		return fmt.Errorf("reschedule %s: %w", event.ID, err)
	}

	if uc.metrics != nil {
		uc.metrics.EventsFailed.WithLabelValues(event.EventType).Inc()
	}

	return nil
}

// ActiveForSaga counts pending and processing events of a saga.
func (uc *OutboxUseCase) ActiveForSaga(ctx context.Context, tx Transaction, sagaID string) (int, error) {
	return uc.outboxRepo.CountActiveBySaga(ctx, tx, sagaID)
}

// ListBySaga returns the events of a saga, oldest first.
func (uc *OutboxUseCase) ListBySaga(ctx context.Context, sagaID string, limit, offset int) ([]*domain.OutboxEvent, error) {
	limit, offset, _ = domain.ValidatePagination(limit, offset)
	return uc.outboxRepo.ListBySaga(ctx, sagaID, limit, offset)
}

// Purge removes processed events older than retention.
func (uc *OutboxUseCase) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	return uc.outboxRepo.DeleteProcessed(ctx, uc.now().UTC().Add(-retention))
}

// retryDelay doubles RetryDelay per attempt up to MaxDelay, without jitter.
func (uc *OutboxUseCase) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = uc.cfg.RetryDelay
	b.MaxInterval = uc.cfg.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

func toPayload(v any) map[string]any {
	switch p := v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return p
	case domain.JSON:
		return p
	default:
		return domain.MarshalState(v)
	}
}
