package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SweepType selects how sweep items are computed.
type SweepType string

const (
	SweepTypeManagementFee    SweepType = "management_fee"
	SweepTypeOwnerReserve     SweepType = "owner_reserve"
	SweepTypeSecurityDeposit  SweepType = "security_deposit"
	SweepTypeOperatingDeficit SweepType = "operating_deficit"
)

// Valid reports whether the sweep type is known.
func (t SweepType) Valid() bool {
	switch t {
	case SweepTypeManagementFee, SweepTypeOwnerReserve, SweepTypeSecurityDeposit, SweepTypeOperatingDeficit:
		return true
	}
	return false
}

// SweepItem moves Amount from SourceAccountID to DestinationAccountID.
type SweepItem struct {
	SourceAccountID      string          `json:"source_account_id"`
	DestinationAccountID string          `json:"destination_account_id"`
	Amount               decimal.Decimal `json:"amount"`
	Dimensions           Dimensions      `json:"dimensions"`
}

// SweepEntryRef records a journal entry posted for a sweep item.
type SweepEntryRef struct {
	Item    int    `json:"item"`
	EntryID string `json:"entry_id"`
}

// TransferRef records an external bank transfer requested for a sweep item.
type TransferRef struct {
	Item              int             `json:"item"`
	TransferID        string          `json:"transfer_id"`
	Amount            decimal.Decimal `json:"amount"`
	FromBankAccountID string          `json:"from_bank_account_id"`
	ToBankAccountID   string          `json:"to_bank_account_id"`
}

// ReconciliationResult is the outcome of the sweep's final balance check.
type ReconciliationResult struct {
	Passed     bool      `json:"passed"`
	CheckedAt  time.Time `json:"checked_at"`
	Accounts   []string  `json:"accounts"`
	Mismatches []string  `json:"mismatches,omitempty"`
}

// PayloadTypeSweep tags sweep payloads in saga state.
const PayloadTypeSweep = "sweep.v1"

// SweepPayload is the typed state threaded through the fund sweep saga.
type SweepPayload struct {
	SweepType            SweepType             `json:"sweep_type"`
	OrganizationID       string                `json:"organization_id"`
	Jurisdiction         string                `json:"jurisdiction"`
	SourceAccountID      string                `json:"source_account_id"`
	DestinationAccountID string                `json:"destination_account_id"`
	AsOf                 time.Time             `json:"as_of"`
	Actor                Actor                 `json:"actor"`
	Items                []SweepItem           `json:"items,omitempty"`
	Entries              []SweepEntryRef       `json:"entries,omitempty"`
	Transfers            []TransferRef         `json:"transfers,omitempty"`
	Reconciliation       *ReconciliationResult `json:"reconciliation,omitempty"`
}

// EntryFor returns the entry id recorded for item i.
func (p *SweepPayload) EntryFor(i int) (string, bool) {
	for _, e := range p.Entries {
		if e.Item == i {
			return e.EntryID, true
		}
	}
	return "", false
}

// TransferFor returns the transfer recorded for item i.
func (p *SweepPayload) TransferFor(i int) (TransferRef, bool) {
	for _, t := range p.Transfers {
		if t.Item == i {
			return t, true
		}
	}
	return TransferRef{}, false
}
