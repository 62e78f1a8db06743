package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// SourceRef identifies the business object that produced an entry.
type SourceRef struct {
	Type string `json:"type,omitempty"`
	ID   string `json:"id,omitempty"`
}

// Actor is the authenticated principal performing a ledger write.
type Actor struct {
	ID string `json:"id"`
	IP string `json:"ip,omitempty"`
}

// VoidInfo records who voided an entry and why.
type VoidInfo struct {
	At     time.Time `json:"at"`
	By     string    `json:"by"`
	Reason string    `json:"reason"`
}

// JournalEntry is one immutable financial transaction.
type JournalEntry struct {
	ID                string
	OrganizationID    string
	PeriodID          string
	EntryDate         time.Time
	EffectiveDate     time.Time
	Description       string
	Source            SourceRef
	IdempotencyKey    string
	TraceID           string
	IsReversal        bool
	ReversesEntryID   *string
	ReversedByEntryID *string
	IsVoided          bool
	Void              *VoidInfo
	CreatedBy         string
	CreatedIP         string
	CreatedAt         time.Time
	Version           int64
	Postings          []*JournalPosting
}

// JournalPosting is one line of a JournalEntry. Positive amounts are debits,
// negative amounts are credits.
type JournalPosting struct {
	ID            string
	EntryID       string
	Seq           int
	AccountID     string
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Dimensions    Dimensions
	CreatedAt     time.Time
}

// PostingInput is a caller-supplied posting line.
type PostingInput struct {
	AccountID  string          `json:"account_id"`
	Amount     decimal.Decimal `json:"amount"`
	Dimensions Dimensions      `json:"dimensions"`
}

// ValidatePostings enforces the double-entry rule on a posting set.
func ValidatePostings(postings []PostingInput) error {
	if len(postings) < 2 {
		return ErrUnbalancedEntry
	}

	sum := decimal.Zero
	for _, p := range postings {
		if p.Amount.IsZero() {
			return ErrZeroAmountPosting
		}
		sum = sum.Add(p.Amount)
	}

	if !sum.IsZero() {
		return ErrUnbalancedEntry
	}
	return nil
}

// Sum returns the sum of posting amounts.
func (e *JournalEntry) Sum() decimal.Decimal {
	sum := decimal.Zero
	for _, p := range e.Postings {
		sum = sum.Add(p.Amount)
	}
	return sum
}

// AccountIDs returns the distinct account ids touched by the entry, sorted.
// Sorted order is the lock order for balance rows.
func (e *JournalEntry) AccountIDs() []string {
	return SortedAccountIDs(e.Postings)
}

// SortedAccountIDs returns the distinct account ids of postings in ascending order.
func SortedAccountIDs(postings []*JournalPosting) []string {
	seen := make(map[string]struct{}, len(postings))
	ids := make([]string, 0, len(postings))
	for _, p := range postings {
		if _, ok := seen[p.AccountID]; ok {
			continue
		}
		seen[p.AccountID] = struct{}{}
		ids = append(ids, p.AccountID)
	}
	sort.Strings(ids)
	return ids
}

// NegatedPostings returns posting inputs that exactly cancel the entry.
func (e *JournalEntry) NegatedPostings() []PostingInput {
	out := make([]PostingInput, len(e.Postings))
	for i, p := range e.Postings {
		out[i] = PostingInput{
			AccountID:  p.AccountID,
			Amount:     p.Amount.Neg(),
			Dimensions: p.Dimensions,
		}
	}
	return out
}

// DeltaByAccount sums posting amounts per account.
func (e *JournalEntry) DeltaByAccount() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, p := range e.Postings {
		out[p.AccountID] = out[p.AccountID].Add(p.Amount)
	}
	return out
}

// EntryPatch describes a requested change to a persisted entry. Nil fields
// are not being changed.
type EntryPatch struct {
	Description       *string        `json:"description,omitempty"`
	EntryDate         *time.Time     `json:"entry_date,omitempty"`
	EffectiveDate     *time.Time     `json:"effective_date,omitempty"`
	PeriodID          *string        `json:"period_id,omitempty"`
	Source            *SourceRef     `json:"source,omitempty"`
	IdempotencyKey    *string        `json:"idempotency_key,omitempty"`
	TraceID           *string        `json:"trace_id,omitempty"`
	ReversedByEntryID *string        `json:"reversed_by_entry_id,omitempty"`
	Postings          []PostingInput `json:"postings,omitempty"`
	IsVoided          *bool          `json:"is_voided,omitempty"`
}

// ForbiddenFields returns the fields of the patch that may not be changed on
// a persisted entry. ReversedByEntryID is allowed only while unset.
func (p EntryPatch) ForbiddenFields(e *JournalEntry) []string {
	var fields []string
	if p.Description != nil {
		fields = append(fields, "description")
	}
	if p.EntryDate != nil {
		fields = append(fields, "entry_date")
	}
	if p.EffectiveDate != nil {
		fields = append(fields, "effective_date")
	}
	if p.PeriodID != nil {
		fields = append(fields, "period_id")
	}
	if p.Source != nil {
		fields = append(fields, "source")
	}
	if p.IdempotencyKey != nil {
		fields = append(fields, "idempotency_key")
	}
	if p.TraceID != nil {
		fields = append(fields, "trace_id")
	}
	if p.Postings != nil {
		fields = append(fields, "postings")
	}
	if p.IsVoided != nil {
		// voiding goes through VoidEntry, never a patch
		fields = append(fields, "is_voided")
	}
	if p.ReversedByEntryID != nil && e.ReversedByEntryID != nil {
		fields = append(fields, "reversed_by_entry_id")
	}
	return fields
}

// ChainVerification is the result of checking an entry's reversal links.
type ChainVerification struct {
	EntryID           string   `json:"entry_id"`
	Valid             bool     `json:"valid"`
	Balanced          bool     `json:"balanced"`
	ReversesEntryID   *string  `json:"reverses_entry_id,omitempty"`
	ReversedByEntryID *string  `json:"reversed_by_entry_id,omitempty"`
	Problems          []string `json:"problems,omitempty"`
}

// BalancePoint is one step of an account's posting history.
type BalancePoint struct {
	At      time.Time       `json:"at"`
	Balance decimal.Decimal `json:"balance"`
	Amount  decimal.Decimal `json:"amount"`
	EntryID string          `json:"entry_id"`
}
