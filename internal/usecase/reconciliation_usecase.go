package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ReconciliationUseCase compares cached balances with balances recomputed
// from posting history.
type ReconciliationUseCase struct {
	accountRepo AccountRepository
	balanceRepo BalanceRepository
	journalRepo JournalRepository
	ledgerRepo  LedgerRepository
	now         func() time.Time
}

// NewReconciliationUseCase creates a new reconciliation use case
func NewReconciliationUseCase(
	accountRepo AccountRepository,
	balanceRepo BalanceRepository,
	journalRepo JournalRepository,
	ledgerRepo LedgerRepository,
) *ReconciliationUseCase {
	return &ReconciliationUseCase{
		accountRepo: accountRepo,
		balanceRepo: balanceRepo,
		journalRepo: journalRepo,
		ledgerRepo:  ledgerRepo,
		now:         time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (uc *ReconciliationUseCase) WithNow(now func() time.Time) {
	if now != nil {
		uc.now = now
	}
}

// AccountReconciliation is the result of reconciling one account.
type AccountReconciliation struct {
	AccountID         string
	RecordedBalance   decimal.Decimal
	CalculatedBalance decimal.Decimal
	Difference        decimal.Decimal
	// DimensionMismatches lists dimension keys whose cached balance differs
	// from the posting history.
	DimensionMismatches []string
	IsReconciled        bool
	LastChecked         time.Time
}

// ReconcileAccount recomputes the account and dimensional balances from the
// account's postings and compares them with the caches. Tolerance is zero.
func (uc *ReconciliationUseCase) ReconcileAccount(ctx context.Context, accountID string) (*AccountReconciliation, error) {
	if _, err := uc.accountRepo.GetByID(ctx, accountID); err != nil {
		return nil, err
	}

	recorded, err := uc.balanceRepo.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}

	postings, err := uc.journalRepo.ListPostingsByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	calculated := decimal.Zero
	byDimension := map[string]decimal.Decimal{}
	for _, p := range postings {
		calculated = calculated.Add(p.Amount)
		if !p.Dimensions.IsZero() {
			key := p.Dimensions.Key()
			byDimension[key] = byDimension[key].Add(p.Amount)
		}
	}

	dims, err := uc.balanceRepo.ListDimensional(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var mismatches []string
	seen := make(map[string]struct{}, len(dims))
	for _, d := range dims {
		seen[d.DimensionKey] = struct{}{}
		if !d.Balance.Equal(byDimension[d.DimensionKey]) {
			mismatches = append(mismatches, d.DimensionKey)
		}
	}
	for key, amount := range byDimension {
		if _, ok := seen[key]; !ok && !amount.IsZero() {
			mismatches = append(mismatches, key)
		}
	}
	sort.Strings(mismatches)

	diff := recorded.Balance.Sub(calculated)
	return &AccountReconciliation{
		AccountID:           accountID,
		RecordedBalance:     recorded.Balance,
		CalculatedBalance:   calculated,
		Difference:          diff,
		DimensionMismatches: mismatches,
		IsReconciled:        diff.IsZero() && len(mismatches) == 0,
		LastChecked:         uc.now().UTC(),
	}, nil
}

// ReconcileAccounts reconciles each account in ids.
func (uc *ReconciliationUseCase) ReconcileAccounts(ctx context.Context, ids []string) ([]*AccountReconciliation, error) {
	results := make([]*AccountReconciliation, 0, len(ids))
	for _, id := range ids {
		result, err := uc.ReconcileAccount(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to reconcile account %s: %w", id, err)
		}
		results = append(results, result)
	}
	return results, nil
}

// CheckLedgerConsistency verifies that all balances and all postings sum to zero.
func (uc *ReconciliationUseCase) CheckLedgerConsistency(ctx context.Context) error {
	totalBalance, totalAmount, err := uc.ledgerRepo.CheckConsistency(ctx)
	if err != nil {
		return err
	}

	if !totalBalance.IsZero() || !totalAmount.IsZero() {
		return fmt.Errorf(
			"%w: balances=%s postings=%s",
			ErrInconsistentLedger,
			totalBalance.String(),
			totalAmount.String(),
		)
	}

	return nil
}

// ReconciliationReport represents a full reconciliation report
type ReconciliationReport struct {
	TotalAccounts      int
	ReconciledAccounts int
	Discrepancies      []*AccountReconciliation
	LedgerConsistent   bool
	CheckedAt          time.Time
}

// GenerateReconciliationReport reconciles ids and checks ledger-wide consistency.
func (uc *ReconciliationUseCase) GenerateReconciliationReport(ctx context.Context, ids []string) (*ReconciliationReport, error) {
	results, err := uc.ReconcileAccounts(ctx, ids)
	if err != nil {
		return nil, err
	}

	ledgerErr := uc.CheckLedgerConsistency(ctx)
	if ledgerErr != nil && !errors.Is(ledgerErr, ErrInconsistentLedger) {
		return nil, fmt.Errorf("failed to check ledger consistency: %w", ledgerErr)
	}

	report := &ReconciliationReport{
		TotalAccounts:    len(results),
		Discrepancies:    make([]*AccountReconciliation, 0),
		LedgerConsistent: ledgerErr == nil,
		CheckedAt:        uc.now().UTC(),
	}

	for _, result := range results {
		if result.IsReconciled {
			report.ReconciledAccounts++
		} else {
			report.Discrepancies = append(report.Discrepancies, result)
		}
	}

	return report, nil
}
