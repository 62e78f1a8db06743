package usecase

import "time"

const (
	// DefaultTransactionTimeout is the maximum duration for a database transaction
	// This prevents long-running transactions from blocking tables
	DefaultTransactionTimeout = 10 * time.Second

	// IdempotencyKeyTTL is how long idempotency keys are cached
	IdempotencyKeyTTL = 24 * time.Hour

	// DefaultOutboxLease is how long a claimed event stays invisible to other consumers
	DefaultOutboxLease = 30 * time.Second

	// DefaultOutboxMaxAttempts is how many deliveries an event gets before it is parked
	DefaultOutboxMaxAttempts = 5

	// DefaultRetryDelay is the base delay between failed deliveries
	DefaultRetryDelay = time.Second

	// DefaultStaleAfter is the heartbeat age after which a saga is considered stuck
	DefaultStaleAfter = 5 * time.Minute

	// ReversalKeyPrefix namespaces idempotency keys of reversal entries
	ReversalKeyPrefix = "reversal:"
)
