package domain

import (
	"encoding/json"
	"reflect"
	"sort"
	"time"
)

// AuditLog is an audit trail record for compliance consumers.
type AuditLog struct {
	ID           string
	ActorID      string // Who performed the action
	ActorIP      string // Network origin of the actor
	Action       AuditAction
	ResourceType string
	ResourceID   string
	TraceID      string
	BeforeState  JSON
	AfterState   JSON
	Diff         []FieldChange
	Status       AuditStatus
	ErrorMessage string
	CreatedAt    time.Time // Server clock, never caller supplied
}

// JSON is a type alias for JSON data
type JSON map[string]any

// FieldChange is one field of a before/after diff.
type FieldChange struct {
	Field  string `json:"field"`
	Before any    `json:"before"`
	After  any    `json:"after"`
}

// AuditAction categorizes an audited action.
type AuditAction string

const (
	AuditActionEntryCreate        AuditAction = "entry.create"
	AuditActionEntryReverse       AuditAction = "entry.reverse"
	AuditActionEntryVoid          AuditAction = "entry.void"
	AuditActionEntryUpdateAttempt AuditAction = "entry.update_attempt"
	AuditActionEntryDeleteAttempt AuditAction = "entry.delete_attempt"
	AuditActionBalanceHistoryView AuditAction = "balance.history_view"

	AuditActionSagaStart       AuditAction = "saga.start"
	AuditActionSagaFail        AuditAction = "saga.fail"
	AuditActionSagaCompensate  AuditAction = "saga.compensate"
	AuditActionSagaResurrected AuditAction = "saga.resurrected"
	AuditActionSagaTimedOut    AuditAction = "saga.timed_out"
)

// AuditStatus represents the status of an audited action
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusFailure AuditStatus = "failure"
	AuditStatusError   AuditStatus = "error"
)

// Audit resource types
const (
	ResourceTypeEntry   = "journal_entry"
	ResourceTypeAccount = "account"
	ResourceTypeSaga    = "saga"
)

// MarshalState converts a domain object to JSON for audit logging
func MarshalState(v any) JSON {
	if v == nil {
		return nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return JSON{"error": "failed to marshal state"}
	}

	var result JSON
	if err := json.Unmarshal(data, &result); err != nil {
		return JSON{"error": "failed to unmarshal state"}
	}

	return result
}

// DiffStates returns the fields whose values differ between two states,
// ordered by field name.
func DiffStates(before, after JSON) []FieldChange {
	keys := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}

	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)

	var changes []FieldChange
	for _, k := range names {
		b, a := before[k], after[k]
		if reflect.DeepEqual(b, a) {
			continue
		}
		changes = append(changes, FieldChange{Field: k, Before: b, After: a})
	}
	return changes
}

// AuditFilter defines filters for querying audit logs
type AuditFilter struct {
	ActorID      string
	Action       AuditAction
	ResourceType string
	ResourceID   string
	StartDate    *time.Time
	EndDate      *time.Time
	Limit        int
	Offset       int
}
