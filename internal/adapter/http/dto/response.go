package dto

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iho/sagaledger/internal/domain"
)

// AccountResponse represents an account in API responses.
type AccountResponse struct {
	ID                   string    `json:"id"`
	OrganizationID       string    `json:"organization_id,omitempty"`
	Name                 string    `json:"name"`
	Kind                 string    `json:"kind"`
	Currency             string    `json:"currency,omitempty"`
	BankAccountID        string    `json:"bank_account_id,omitempty"`
	AllowNegativeBalance bool      `json:"allow_negative_balance"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// AccountFromDomain converts domain account to response.
func AccountFromDomain(a *domain.Account) *AccountResponse {
	return &AccountResponse{
		ID:                   a.ID,
		OrganizationID:       a.OrganizationID,
		Name:                 a.Name,
		Kind:                 string(a.Kind),
		Currency:             a.Currency,
		BankAccountID:        a.BankAccountID,
		AllowNegativeBalance: a.AllowNegativeBalance,
		CreatedAt:            a.CreatedAt,
		UpdatedAt:            a.UpdatedAt,
	}
}

// PostingResponse represents one posting line.
type PostingResponse struct {
	ID            string            `json:"id"`
	Seq           int               `json:"seq"`
	AccountID     string            `json:"account_id"`
	Amount        decimal.Decimal   `json:"amount"`
	BalanceBefore decimal.Decimal   `json:"balance_before"`
	BalanceAfter  decimal.Decimal   `json:"balance_after"`
	Dimensions    domain.Dimensions `json:"dimensions"`
}

// EntryResponse represents a journal entry in API responses.
type EntryResponse struct {
	ID                string             `json:"id"`
	OrganizationID    string             `json:"organization_id,omitempty"`
	PeriodID          string             `json:"period_id,omitempty"`
	EntryDate         time.Time          `json:"entry_date"`
	EffectiveDate     time.Time          `json:"effective_date"`
	Description       string             `json:"description"`
	Source            domain.SourceRef   `json:"source"`
	IdempotencyKey    string             `json:"idempotency_key,omitempty"`
	TraceID           string             `json:"trace_id,omitempty"`
	IsReversal        bool               `json:"is_reversal"`
	ReversesEntryID   *string            `json:"reverses_entry_id,omitempty"`
	ReversedByEntryID *string            `json:"reversed_by_entry_id,omitempty"`
	IsVoided          bool               `json:"is_voided"`
	Void              *domain.VoidInfo   `json:"void,omitempty"`
	CreatedBy         string             `json:"created_by"`
	CreatedAt         time.Time          `json:"created_at"`
	Postings          []*PostingResponse `json:"postings"`
	Replayed          bool               `json:"replayed,omitempty"`
}

// EntryFromDomain converts domain entry to response.
func EntryFromDomain(e *domain.JournalEntry) *EntryResponse {
	postings := make([]*PostingResponse, len(e.Postings))
	for i, p := range e.Postings {
		postings[i] = &PostingResponse{
			ID:            p.ID,
			Seq:           p.Seq,
			AccountID:     p.AccountID,
			Amount:        p.Amount,
			BalanceBefore: p.BalanceBefore,
			BalanceAfter:  p.BalanceAfter,
			Dimensions:    p.Dimensions,
		}
	}

	return &EntryResponse{
		ID:                e.ID,
		OrganizationID:    e.OrganizationID,
		PeriodID:          e.PeriodID,
		EntryDate:         e.EntryDate,
		EffectiveDate:     e.EffectiveDate,
		Description:       e.Description,
		Source:            e.Source,
		IdempotencyKey:    e.IdempotencyKey,
		TraceID:           e.TraceID,
		IsReversal:        e.IsReversal,
		ReversesEntryID:   e.ReversesEntryID,
		ReversedByEntryID: e.ReversedByEntryID,
		IsVoided:          e.IsVoided,
		Void:              e.Void,
		CreatedBy:         e.CreatedBy,
		CreatedAt:         e.CreatedAt,
		Postings:          postings,
	}
}

// BalanceResponse represents the cached balance of an account.
type BalanceResponse struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// BalanceFromDomain converts a domain balance to response.
func BalanceFromDomain(b *domain.AccountBalance) *BalanceResponse {
	return &BalanceResponse{
		AccountID: b.AccountID,
		Balance:   b.Balance,
		Version:   b.Version,
		UpdatedAt: b.UpdatedAt,
	}
}

// DimensionalBalanceResponse represents one dimensional bucket.
type DimensionalBalanceResponse struct {
	DimensionKey string            `json:"dimension_key"`
	Dimensions   domain.Dimensions `json:"dimensions"`
	Balance      decimal.Decimal   `json:"balance"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// DimensionalBalancesResponse lists the dimensional buckets of an account.
type DimensionalBalancesResponse struct {
	AccountID string                        `json:"account_id"`
	Balances  []*DimensionalBalanceResponse `json:"balances"`
}

// DimensionalBalancesFromDomain converts dimensional rows to response.
func DimensionalBalancesFromDomain(accountID string, rows []*domain.DimensionalBalance) *DimensionalBalancesResponse {
	out := make([]*DimensionalBalanceResponse, len(rows))
	for i, r := range rows {
		out[i] = &DimensionalBalanceResponse{
			DimensionKey: r.DimensionKey,
			Dimensions:   r.Dimensions,
			Balance:      r.Balance,
			UpdatedAt:    r.UpdatedAt,
		}
	}
	return &DimensionalBalancesResponse{AccountID: accountID, Balances: out}
}

// BalanceHistoryResponse is the posting-by-posting history of an account.
type BalanceHistoryResponse struct {
	AccountID string                `json:"account_id"`
	Points    []domain.BalancePoint `json:"points"`
}

// SagaResponse represents a saga instance.
type SagaResponse struct {
	ID             string                      `json:"id"`
	Name           string                      `json:"name"`
	OrganizationID string                      `json:"organization_id,omitempty"`
	Status         string                      `json:"status"`
	Steps          []string                    `json:"steps"`
	CurrentStep    string                      `json:"current_step"`
	FailedStep     string                      `json:"failed_step,omitempty"`
	ErrorMessage   string                      `json:"error_message,omitempty"`
	Compensations  []domain.CompensationRecord `json:"compensations,omitempty"`
	PayloadType    string                      `json:"payload_type"`
	Payload        json.RawMessage             `json:"payload,omitempty"`
	HeartbeatAt    time.Time                   `json:"heartbeat_at"`
	TimeoutAt      *time.Time                  `json:"timeout_at,omitempty"`
	TraceID        string                      `json:"trace_id"`
	Version        int64                       `json:"version"`
	CreatedAt      time.Time                   `json:"created_at"`
	UpdatedAt      time.Time                   `json:"updated_at"`
}

// SagaFromDomain converts a saga state to response.
func SagaFromDomain(s *domain.SagaState) *SagaResponse {
	return &SagaResponse{
		ID:             s.ID,
		Name:           s.Name,
		OrganizationID: s.OrganizationID,
		Status:         string(s.Status),
		Steps:          s.Steps,
		CurrentStep:    s.CurrentStep,
		FailedStep:     s.FailedStep,
		ErrorMessage:   s.ErrorMessage,
		Compensations:  s.Compensations,
		PayloadType:    s.PayloadType,
		Payload:        s.Payload,
		HeartbeatAt:    s.HeartbeatAt,
		TimeoutAt:      s.TimeoutAt,
		TraceID:        s.TraceID,
		Version:        s.Version,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

// SagasFromDomain converts saga states to responses.
func SagasFromDomain(sagas []*domain.SagaState) []*SagaResponse {
	result := make([]*SagaResponse, len(sagas))
	for i, s := range sagas {
		result[i] = SagaFromDomain(s)
	}
	return result
}

// ListSagasResponse is a page of sagas.
type ListSagasResponse struct {
	Sagas  []*SagaResponse `json:"sagas"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// EventResponse represents an outbox event.
type EventResponse struct {
	ID          string         `json:"id"`
	EventType   string         `json:"event_type"`
	Status      string         `json:"status"`
	Payload     map[string]any `json:"payload,omitempty"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	LastError   string         `json:"last_error,omitempty"`
	AvailableAt time.Time      `json:"available_at"`
	CreatedAt   time.Time      `json:"created_at"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
}

// EventsFromDomain converts outbox events to responses.
func EventsFromDomain(events []*domain.OutboxEvent) []*EventResponse {
	result := make([]*EventResponse, len(events))
	for i, e := range events {
		result[i] = &EventResponse{
			ID:          e.ID,
			EventType:   e.EventType,
			Status:      string(e.Status),
			Payload:     e.Payload,
			Attempts:    e.Attempts,
			MaxAttempts: e.MaxAttempts,
			LastError:   e.LastError,
			AvailableAt: e.AvailableAt,
			CreatedAt:   e.CreatedAt,
			ProcessedAt: e.ProcessedAt,
		}
	}
	return result
}

// AuditLogResponse represents one audit record.
type AuditLogResponse struct {
	ID           string      `json:"id"`
	ActorID      string      `json:"actor_id"`
	Action       string      `json:"action"`
	ResourceType string      `json:"resource_type"`
	ResourceID   string      `json:"resource_id"`
	TraceID      string      `json:"trace_id,omitempty"`
	Status       string      `json:"status"`
	ErrorMessage string      `json:"error_message,omitempty"`
	BeforeState  domain.JSON `json:"before_state,omitempty"`
	AfterState   domain.JSON `json:"after_state,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// SagaAuditResponse is the audit trail of one saga. Resurrections counts the
// entries written by the zombie monitor, so an operator can tell a saga that
// was revived after a crash from one that failed on its first attempt.
type SagaAuditResponse struct {
	SagaID        string              `json:"saga_id"`
	Resurrections int                 `json:"resurrections"`
	Logs          []*AuditLogResponse `json:"logs"`
}

// SagaAuditFromDomain converts the audit trail of a saga to response.
func SagaAuditFromDomain(sagaID string, logs []*domain.AuditLog) *SagaAuditResponse {
	resp := &SagaAuditResponse{SagaID: sagaID, Logs: make([]*AuditLogResponse, len(logs))}
	for i, l := range logs {
		if l.Action == domain.AuditActionSagaResurrected {
			resp.Resurrections++
		}
		resp.Logs[i] = &AuditLogResponse{
			ID:           l.ID,
			ActorID:      l.ActorID,
			Action:       string(l.Action),
			ResourceType: l.ResourceType,
			ResourceID:   l.ResourceID,
			TraceID:      l.TraceID,
			Status:       string(l.Status),
			ErrorMessage: l.ErrorMessage,
			BeforeState:  l.BeforeState,
			AfterState:   l.AfterState,
			CreatedAt:    l.CreatedAt,
		}
	}
	return resp
}

// ConsistencyResponse reports the ledger-wide zero-sum check.
type ConsistencyResponse struct {
	Status     string `json:"status"`
	Consistent bool   `json:"consistent"`
	Message    string `json:"message,omitempty"`
}

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}
