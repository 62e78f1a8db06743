package bankgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/infrastructure/logging"
)

const (
	// QueueDefault is the queue bank tasks go to when none is configured.
	QueueDefault = "bank"
	// TaskTransferInitiate asks the bank gateway to move funds.
	TaskTransferInitiate = "bank:transfer:initiate"
	// TaskTransferCancel asks the bank gateway to cancel a transfer.
	TaskTransferCancel = "bank:transfer:cancel"
)

var taskTypes = map[string]string{
	domain.EventTypeBankTransferInitiate: TaskTransferInitiate,
	domain.EventTypeBankTransferCancel:   TaskTransferCancel,
}

// EventTypes lists the outbox event types the gateway accepts.
func EventTypes() []string {
	return []string{domain.EventTypeBankTransferInitiate, domain.EventTypeBankTransferCancel}
}

// TaskPayload is the body of a bank task.
type TaskPayload struct {
	EventID string         `json:"event_id"`
	SagaID  string         `json:"saga_id,omitempty"`
	TraceID string         `json:"trace_id,omitempty"`
	Data    map[string]any `json:"data"`
}

// NewTransferTask builds the asynq task for a bank outbox event.
func NewTransferTask(event *domain.OutboxEvent) (*asynq.Task, error) {
	typename, ok := taskTypes[event.EventType]
	if !ok {
		return nil, fmt.Errorf("bank gateway: unsupported event type %q", event.EventType)
	}

	data, err := json.Marshal(TaskPayload{
		EventID: event.ID,
		SagaID:  event.SagaID,
		TraceID: event.TraceID,
		Data:    event.Payload,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typename, data), nil
}

// Enqueuer is the part of *asynq.Client the publisher needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqPublisher hands bank events to the gateway as asynq tasks. The task id
// is the outbox event id, so a redelivered event is enqueued at most once.
type AsynqPublisher struct {
	client   Enqueuer
	queue    string
	maxRetry int
	logger   *slog.Logger
}

// NewAsynqPublisher creates a publisher on queue.
func NewAsynqPublisher(client Enqueuer, queue string, maxRetry int, logger *slog.Logger) *AsynqPublisher {
	if queue == "" {
		queue = QueueDefault
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AsynqPublisher{client: client, queue: queue, maxRetry: maxRetry, logger: logger}
}

// Publish implements eventpublisher.Publisher.
func (p *AsynqPublisher) Publish(ctx context.Context, event *domain.OutboxEvent) error {
	task, err := NewTransferTask(event)
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.TaskID(event.ID),
		asynq.Queue(p.queue),
	}
	if p.maxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(p.maxRetry))
	}

	logger := logging.FromContext(ctx, p.logger).With("event_id", event.ID, "task", task.Type())

	info, err := p.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			logger.Info("bank task already enqueued")
			return nil
		}
		return fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}

	logger.Info("bank task enqueued", "queue", info.Queue)
	return nil
}
