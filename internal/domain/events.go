package domain

import "time"

// Event types
const (
	EventTypeSagaStepReady           = "saga.step.ready"
	EventTypeSagaCompleted           = "saga.completed"
	EventTypeSagaFailed              = "saga.failed"
	EventTypeSagaCompensated         = "saga.compensated"
	EventTypeSagaCompensateRequested = "saga.compensate.requested"
	EventTypeSagaTimedOut            = "saga.timed_out"
	EventTypeSagaResurrected         = "saga.resurrected"
	EventTypeBankTransferInitiate    = "bank.transfer.initiate"
	EventTypeBankTransferCancel      = "bank.transfer.cancel"
	EventTypeEntryCreated            = "entry.created"
	EventTypeEntryReversed           = "entry.reversed"
	EventTypeEntryVoided             = "entry.voided"
	EventTypeSweepCompleted          = "sweep.completed"
)

// Aggregate types
const (
	AggregateTypeSaga         = "saga"
	AggregateTypeEntry        = "journal_entry"
	AggregateTypeBankTransfer = "bank_transfer"
)

// EventStatus is the delivery state of an outbox event.
type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusProcessing EventStatus = "processing"
	EventStatusProcessed  EventStatus = "processed"
	EventStatusFailed     EventStatus = "failed"
)

// LeaseExpiredError is recorded on events parked because every allowed
// attempt ended with the lease running out.
const LeaseExpiredError = "lease expired"

// OutboxEvent is a durable, at-least-once message written in the same
// transaction as the change it describes.
type OutboxEvent struct {
	ID            string
	EventType     string
	AggregateType string
	AggregateID   string
	Payload       map[string]any
	Status        EventStatus
	SagaID        string
	TraceID       string
	Attempts      int
	MaxAttempts   int
	LastError     string
	LeaseUntil    *time.Time
	AvailableAt   time.Time
	CreatedAt     time.Time
	ProcessedAt   *time.Time
}

// IsActive reports whether the event is waiting for or undergoing delivery.
func (e *OutboxEvent) IsActive() bool {
	return e.Status == EventStatusPending || e.Status == EventStatusProcessing
}

// Claimable reports whether a consumer may claim the event at now.
func (e *OutboxEvent) Claimable(now time.Time) bool {
	switch e.Status {
	case EventStatusPending:
		return !e.AvailableAt.After(now)
	case EventStatusProcessing:
		return e.leaseExpired(now) && !e.LeaseExhausted(now)
	}
	return false
}

// LeaseExhausted reports whether the lease ran out on the last allowed attempt.
// Such an event is parked instead of claimed again.
func (e *OutboxEvent) LeaseExhausted(now time.Time) bool {
	return e.Status == EventStatusProcessing && e.leaseExpired(now) &&
		e.MaxAttempts > 0 && e.Attempts >= e.MaxAttempts
}

func (e *OutboxEvent) leaseExpired(now time.Time) bool {
	return e.LeaseUntil != nil && e.LeaseUntil.Before(now)
}

// StepReadyEvent payload
type StepReadyEvent struct {
	SagaID  string `json:"saga_id"`
	Step    string `json:"step"`
	Payload any    `json:"payload,omitempty"`
}

// BankTransferInitiateEvent payload
type BankTransferInitiateEvent struct {
	TransferID        string `json:"transfer_id"`
	Amount            string `json:"amount"`
	EffectiveDate     string `json:"effective_date"`
	FromBankAccountID string `json:"from_bank_account_id"`
	ToBankAccountID   string `json:"to_bank_account_id"`
	SagaID            string `json:"saga_id"`
}

// BankTransferCancelEvent payload
type BankTransferCancelEvent struct {
	TransferID string `json:"transfer_id"`
	Reason     string `json:"reason"`
	SagaID     string `json:"saga_id"`
}

// EntryCreatedEvent payload
type EntryCreatedEvent struct {
	EntryID        string `json:"entry_id"`
	OrganizationID string `json:"organization_id"`
	Description    string `json:"description"`
	IsReversal     bool   `json:"is_reversal"`
}
