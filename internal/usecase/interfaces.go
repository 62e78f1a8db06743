package usecase

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iho/sagaledger/internal/domain"
)

// AccountRepository defines data access for the chart of accounts.
type AccountRepository interface {
	// Create inserts the account together with its zero balance row.
	Create(ctx context.Context, tx Transaction, account *domain.Account) error
	GetByID(ctx context.Context, id string) (*domain.Account, error)
	GetByIDs(ctx context.Context, ids []string) ([]*domain.Account, error)
}

// BalanceRepository defines data access for the balance caches.
type BalanceRepository interface {
	// GetForUpdate locks the balance rows of ids in ascending id order.
	// Returns ErrAccountNotFound if any id has no balance row.
	GetForUpdate(ctx context.Context, tx Transaction, ids []string) (map[string]*domain.AccountBalance, error)
	// Update writes a new balance when the stored version matches.
	Update(ctx context.Context, tx Transaction, balance *domain.AccountBalance) error
	// ApplyDimensionalDelta adds delta to the dimensional row, creating it at zero.
	ApplyDimensionalDelta(ctx context.Context, tx Transaction, accountID string, dims domain.Dimensions, delta decimal.Decimal, at time.Time) error
	Get(ctx context.Context, accountID string) (*domain.AccountBalance, error)
	ListDimensional(ctx context.Context, accountID string) ([]*domain.DimensionalBalance, error)
}

// JournalRepository defines data access for journal entries and postings.
type JournalRepository interface {
	// Create inserts the entry and its postings. Returns ErrDuplicateEntry when
	// the idempotency key is already taken.
	Create(ctx context.Context, tx Transaction, entry *domain.JournalEntry) error
	GetByID(ctx context.Context, id string) (*domain.JournalEntry, error)
	GetByIDForUpdate(ctx context.Context, tx Transaction, id string) (*domain.JournalEntry, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.JournalEntry, error)
	// SetReversedBy links the entry to its reversal. Returns ErrAlreadyReversed
	// if a link already exists.
	SetReversedBy(ctx context.Context, tx Transaction, id, reversalID string) error
	// MarkVoided sets the void fields. Returns ErrAlreadyVoided if already set.
	MarkVoided(ctx context.Context, tx Transaction, id string, void domain.VoidInfo) error
	// ListPostingsByAccount returns postings in write order.
	ListPostingsByAccount(ctx context.Context, accountID string) ([]*domain.JournalPosting, error)
}

// LedgerRepository defines data access for ledger-wide operations.
type LedgerRepository interface {
	CheckConsistency(ctx context.Context) (totalBalance, totalAmount decimal.Decimal, err error)
}

// SagaRepository defines data access for saga state.
type SagaRepository interface {
	Create(ctx context.Context, tx Transaction, saga *domain.SagaState) error
	GetByID(ctx context.Context, id string) (*domain.SagaState, error)
	GetByIDForUpdate(ctx context.Context, tx Transaction, id string) (*domain.SagaState, error)
	// Update persists saga when its stored version equals saga.Version and
	// increments saga.Version. Returns ErrSagaConflict otherwise.
	Update(ctx context.Context, tx Transaction, saga *domain.SagaState) error
	// Touch refreshes the heartbeat without changing the version.
	Touch(ctx context.Context, tx Transaction, id string, at time.Time) error
	// ListStale returns non-terminal sagas whose heartbeat is older than before.
	ListStale(ctx context.Context, before time.Time, limit int) ([]*domain.SagaState, error)
	List(ctx context.Context, filter domain.SagaFilter) ([]*domain.SagaState, error)
}

// OutboxRepository defines data access for outbox events.
type OutboxRepository interface {
	Create(ctx context.Context, tx Transaction, event *domain.OutboxEvent) error
	// Claim leases up to limit claimable events until leaseUntil.
	Claim(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*domain.OutboxEvent, error)
	// ParkExhausted fails the processing events whose lease ran out on their
	// last allowed attempt and returns them.
	ParkExhausted(ctx context.Context, now time.Time) ([]*domain.OutboxEvent, error)
	GetByID(ctx context.Context, id string) (*domain.OutboxEvent, error)
	// MarkProcessed and Reschedule apply only while the claim numbered attempt
	// still holds the event, and return domain.ErrStaleLease otherwise.
	MarkProcessed(ctx context.Context, id string, attempt int, at time.Time) error
	// Reschedule records a failed attempt and sets the next status.
	Reschedule(ctx context.Context, id string, attempt int, status domain.EventStatus, lastError string, availableAt time.Time) error
	// CountActiveBySaga counts pending and processing events of a saga. tx may be nil.
	CountActiveBySaga(ctx context.Context, tx Transaction, sagaID string) (int, error)
	ListBySaga(ctx context.Context, sagaID string, limit, offset int) ([]*domain.OutboxEvent, error)
	DeleteProcessed(ctx context.Context, before time.Time) (int64, error)
}

// AuditRepository defines data access for audit logs.
type AuditRepository interface {
	Create(ctx context.Context, log *domain.AuditLog) error
	CreateTx(ctx context.Context, tx Transaction, log *domain.AuditLog) error
	List(ctx context.Context, filter domain.AuditFilter) ([]*domain.AuditLog, error)
	GetByResourceID(ctx context.Context, resourceType, resourceID string) ([]*domain.AuditLog, error)
}

// ComplianceLookup resolves time-versioned compliance values.
type ComplianceLookup interface {
	// GetValue returns ErrNoRuleFound when no rule interval covers q.AsOf.
	GetValue(ctx context.Context, q domain.RuleQuery) (string, error)
}

// AuthorizationLookup answers whether a sweep kind is authorized.
type AuthorizationLookup interface {
	HasActiveAuthorization(ctx context.Context, orgID, kind, propertyID string, at time.Time) (bool, error)
}

// Transaction represents a database transaction.
type Transaction interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TransactionManager handles transaction lifecycle.
type TransactionManager interface {
	Begin(ctx context.Context) (Transaction, error)
}

// Retrier re-runs an operation on transient storage errors.
type Retrier interface {
	Retry(ctx context.Context, operation func() error) error
}

// IDGenerator generates unique IDs.
type IDGenerator interface {
	Generate() string
}

// Cache defines caching operations.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// IdempotencyStore handles idempotency key storage.
type IdempotencyStore interface {
	// CheckAndSet atomically checks if key exists, sets if not.
	// Returns (exists, existingValue, error).
	CheckAndSet(ctx context.Context, key string, response []byte, ttl time.Duration) (bool, []byte, error)
	// Update updates an existing key with the final response.
	Update(ctx context.Context, key string, response []byte, ttl time.Duration) error
}
