package postgres

import (
	"context"

	"github.com/shopspring/decimal"
)

// LedgerRepository implements usecase.LedgerRepository.
type LedgerRepository struct {
	db Querier
}

// NewLedgerRepository creates a new LedgerRepository.
func NewLedgerRepository(db Querier) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// CheckConsistency sums every cached balance and every posting amount. Both
// totals are zero on a consistent ledger.
func (r *LedgerRepository) CheckConsistency(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	var totalBalance, totalAmount string
	err := r.db.QueryRow(ctx, `
		SELECT
			(SELECT COALESCE(SUM(balance), 0) FROM account_balances)::text,
			(SELECT COALESCE(SUM(amount), 0) FROM journal_postings)::text`).Scan(&totalBalance, &totalAmount)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	balance, err := decimal.NewFromString(totalBalance)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	amount, err := decimal.NewFromString(totalAmount)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return balance, amount, nil
}
