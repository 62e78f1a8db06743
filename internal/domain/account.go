package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountKind classifies an account in the chart of accounts.
type AccountKind string

const (
	AccountKindTrust     AccountKind = "trust"
	AccountKindOperating AccountKind = "operating"
	AccountKindOwner     AccountKind = "owner"
	AccountKindFeeIncome AccountKind = "fee_income"
	AccountKindDeposit   AccountKind = "deposit"
	AccountKindRevenue   AccountKind = "revenue"
	AccountKindExpense   AccountKind = "expense"
	AccountKindCash      AccountKind = "cash"
	AccountKindClearing  AccountKind = "clearing"
)

// Account is a ledger account postings can reference.
type Account struct {
	ID             string
	OrganizationID string
	Name           string
	Kind           AccountKind
	Currency       string
	// BankAccountID is the external bank account holding this account's funds.
	// Empty for pure book accounts.
	BankAccountID        string
	AllowNegativeBalance bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// IsTrust reports whether funds in the account are held in trust.
func (a *Account) IsTrust() bool {
	switch a.Kind {
	case AccountKindTrust, AccountKindFeeIncome, AccountKindDeposit:
		return true
	}
	return false
}

// ValidateDelta checks that applying delta to balance is allowed for the
// account. Only decreases are checked.
func (a *Account) ValidateDelta(balance, delta decimal.Decimal) error {
	if a.AllowNegativeBalance || !delta.IsNegative() {
		return nil
	}
	if balance.Add(delta).IsNegative() {
		return ErrInsufficientFunds
	}
	return nil
}

// SameBank reports whether both accounts are backed by the same external bank
// account, or whether either is a pure book account.
func SameBank(a, b *Account) bool {
	if a.BankAccountID == "" || b.BankAccountID == "" {
		return true
	}
	return a.BankAccountID == b.BankAccountID
}
