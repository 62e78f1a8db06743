package eventpublisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/infrastructure/logging"
)

// Outbox is the claim/ack side of the event outbox.
type Outbox interface {
	Claim(ctx context.Context, batchSize int) ([]*domain.OutboxEvent, error)
	Ack(ctx context.Context, event *domain.OutboxEvent) error
	Fail(ctx context.Context, event *domain.OutboxEvent, cause error) error
	Purge(ctx context.Context, retention time.Duration) (int64, error)
}

// Handler consumes one claimed event. A returned error schedules a retry.
type Handler interface {
	HandleEvent(ctx context.Context, event *domain.OutboxEvent) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event *domain.OutboxEvent) error

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, event *domain.OutboxEvent) error {
	return f(ctx, event)
}

// Publisher defines the interface for publishing events to external systems.
type Publisher interface {
	Publish(ctx context.Context, event *domain.OutboxEvent) error
}

// PublisherHandler turns a Publisher into a Handler.
func PublisherHandler(p Publisher) Handler {
	return HandlerFunc(p.Publish)
}

// Config for Relay.
type Config struct {
	Outbox    Outbox
	Fallback  Publisher // receives event types without a registered handler
	Logger    *slog.Logger
	BatchSize int           // Number of events to claim per poll
	Interval  time.Duration // Polling interval
	Retention time.Duration // Processed events older than this are purged; 0 disables
}

// Relay polls the outbox and dispatches claimed events by type.
type Relay struct {
	outbox    Outbox
	handlers  map[string]Handler
	fallback  Publisher
	logger    *slog.Logger
	batchSize int
	interval  time.Duration
	retention time.Duration
	lastPurge time.Time
	now       func() time.Time
}

// NewRelay creates a new Relay.
func NewRelay(cfg Config) *Relay {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval == 0 {
		cfg.Interval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Fallback == nil {
		cfg.Fallback = NewLogPublisher(cfg.Logger)
	}

	return &Relay{
		outbox:    cfg.Outbox,
		handlers:  make(map[string]Handler),
		fallback:  cfg.Fallback,
		logger:    cfg.Logger,
		batchSize: cfg.BatchSize,
		interval:  cfg.Interval,
		retention: cfg.Retention,
		now:       time.Now,
	}
}

// Handle routes events of the given types to h. Register before Start.
func (r *Relay) Handle(h Handler, eventTypes ...string) {
	for _, t := range eventTypes {
		r.handlers[t] = h
	}
}

// Start polls until the context is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("outbox relay started",
		slog.Int("batch_size", r.batchSize),
		slog.Duration("interval", r.interval),
		slog.Int("handlers", len(r.handlers)))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("error processing outbox batch", slog.String("error", err.Error()))
		}
		r.purge(ctx)

		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay shutting down")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessBatch claims one batch and delivers it. It returns the number of
// events claimed.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	events, err := r.outbox.Claim(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}

	for _, event := range events {
		if ctx.Err() != nil {
			// unacked events come back when their lease runs out
			return len(events), ctx.Err()
		}
		r.deliver(ctx, event)
	}

	return len(events), nil
}

func (r *Relay) deliver(ctx context.Context, event *domain.OutboxEvent) {
	ctx = logging.WithTraceID(ctx, event.TraceID)
	if event.SagaID != "" {
		ctx = logging.WithSagaID(ctx, event.SagaID)
	}
	logger := logging.FromContext(ctx, r.logger).With(
		slog.String("event_id", event.ID),
		slog.String("event_type", event.EventType),
		slog.Int("attempt", event.Attempts))

	err := r.dispatch(ctx, event)
	if err != nil {
		logger.Warn("event delivery failed", slog.String("error", err.Error()))
		if ferr := r.outbox.Fail(ctx, event, err); ferr != nil {
			if errors.Is(ferr, domain.ErrStaleLease) {
				logger.Warn("delivery failure not recorded: event was claimed again")
				return
			}
			logger.Error("failed to record delivery failure", slog.String("error", ferr.Error()))
		}
		return
	}

	if err := r.outbox.Ack(ctx, event); err != nil {
		if errors.Is(err, domain.ErrStaleLease) {
			logger.Warn("ack discarded: event was claimed again")
			return
		}
		// the lease expires and the event is delivered again; handlers are idempotent
		logger.Error("failed to ack event", slog.String("error", err.Error()))
		return
	}
	logger.Debug("event delivered")
}

func (r *Relay) dispatch(ctx context.Context, event *domain.OutboxEvent) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()

	if h, ok := r.handlers[event.EventType]; ok {
		return h.HandleEvent(ctx, event)
	}
	return r.fallback.Publish(ctx, event)
}

func (r *Relay) purge(ctx context.Context) {
	if r.retention <= 0 || ctx.Err() != nil {
		return
	}
	now := r.now()
	if now.Sub(r.lastPurge) < time.Hour {
		return
	}
	r.lastPurge = now

	n, err := r.outbox.Purge(ctx, r.retention)
	if err != nil {
		r.logger.Error("failed to purge processed events", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		r.logger.Info("purged processed events", slog.Int64("count", n))
	}
}

// LogPublisher is a simple publisher that logs events.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a new LogPublisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

// Publish logs the event.
func (p *LogPublisher) Publish(ctx context.Context, event *domain.OutboxEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}

	logging.FromContext(ctx, p.logger).Info("event published",
		slog.String("event_id", event.ID),
		slog.String("event_type", event.EventType),
		slog.String("aggregate_type", event.AggregateType),
		slog.String("aggregate_id", event.AggregateID),
		slog.String("payload", string(payload)))

	return nil
}
