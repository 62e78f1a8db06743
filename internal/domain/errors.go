package domain

import (
	"errors"
	"strings"
)

var (
	// Ledger errors
	ErrUnbalancedEntry       = errors.New("entry postings do not sum to zero")
	ErrZeroAmountPosting     = errors.New("posting amount must be non-zero")
	ErrImmutabilityViolation = errors.New("journal entries are immutable")
	ErrAlreadyReversed       = errors.New("entry already reversed")
	ErrAlreadyVoided         = errors.New("entry already voided")
	ErrVoidedEntry           = errors.New("entry is voided")
	ErrMissingActor          = errors.New("actor is required")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrEntryNotFound         = errors.New("entry not found")
	ErrDuplicateEntry        = errors.New("entry with idempotency key already exists")

	// Account errors
	ErrAccountNotFound = errors.New("account not found")
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrBalanceConflict = errors.New("account balance modified concurrently")

	// Compliance errors
	ErrNoRuleFound           = errors.New("no compliance rule found")
	ErrAuthorizationRequired = errors.New("active sweep authorization required")

	// Sweep errors
	ErrNoSweepItems           = errors.New("no sweep items qualify")
	ErrTrustNegativeViolation = errors.New("sweep would drive trust balance negative")
	ErrUnknownSweepType       = errors.New("unknown sweep type")
	ErrReconciliationMismatch = errors.New("reconciliation mismatch")

	// Saga errors
	ErrUnknownSaga           = errors.New("unknown saga")
	ErrUnknownSagaStep       = errors.New("unknown saga step")
	ErrSagaNotFound          = errors.New("saga not found")
	ErrSagaTimedOut          = errors.New("saga timed out")
	ErrSagaConflict          = errors.New("saga modified concurrently")
	ErrInvalidSagaTransition = errors.New("invalid saga status transition")
	ErrInvalidPayload        = errors.New("invalid saga payload")

	// Outbox errors
	ErrEventNotFound = errors.New("event not found")
	ErrStaleLease    = errors.New("event lease is held by a newer claim")
)

// ImmutabilityError names the fields a caller attempted to change on a
// persisted entry.
type ImmutabilityError struct {
	EntryID string
	Fields  []string
}

func (e *ImmutabilityError) Error() string {
	if len(e.Fields) == 0 {
		return ErrImmutabilityViolation.Error() + ": entry " + e.EntryID
	}
	return ErrImmutabilityViolation.Error() + ": entry " + e.EntryID + ": cannot modify " + strings.Join(e.Fields, ", ")
}

func (e *ImmutabilityError) Unwrap() error {
	return ErrImmutabilityViolation
}
