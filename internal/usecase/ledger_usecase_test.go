package usecase_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iho/sagaledger/internal/adapter/repository/memory"
	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/usecase"
	"github.com/iho/sagaledger/internal/usecase/mocks"
)

func TestLedgerUseCase_CheckConsistency(t *testing.T) {
	tests := []struct {
		name        string
		repo        *fakeLedgerRepository
		want        bool
		expectedErr error
	}{
		{
			name: "happy path balanced ledger",
			repo: &fakeLedgerRepository{
				totalBalance: decimal.Zero,
				totalAmount:  decimal.Zero,
			},
			want: true,
		},
		{
			name: "repo error surfaces",
			repo: &fakeLedgerRepository{
				err: errors.New("db down"),
			},
			want:        false,
			expectedErr: errors.New("db down"),
		},
		{
			name: "non-zero balance",
			repo: &fakeLedgerRepository{
				totalBalance: decimal.NewFromInt(10),
				totalAmount:  decimal.Zero,
			},
			want:        false,
			expectedErr: usecase.ErrInconsistentLedger,
		},
		{
			name: "non-zero amount",
			repo: &fakeLedgerRepository{
				totalBalance: decimal.Zero,
				totalAmount:  decimal.NewFromInt(1),
			},
			want:        false,
			expectedErr: usecase.ErrInconsistentLedger,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uc := usecase.NewLedgerUseCase(nil, nil, nil, nil, tt.repo, nil, nil, nil, nil, nil)
			got, err := uc.CheckConsistency(context.Background())

			if tt.expectedErr != nil {
				if err == nil || err.Error() != tt.expectedErr.Error() {
					t.Fatalf("expected error %v, got %v", tt.expectedErr, err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if got != tt.want {
				t.Fatalf("CheckConsistency() = %v, want %v", got, tt.want)
			}
			if tt.repo.calls != 1 {
				t.Fatalf("expected CheckConsistency to call repository once, got %d", tt.repo.calls)
			}
		})
	}
}

type fakeLedgerRepository struct {
	totalBalance decimal.Decimal
	totalAmount  decimal.Decimal
	err          error
	calls        int
}

func (f *fakeLedgerRepository) CheckConsistency(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	f.calls++
	return f.totalBalance, f.totalAmount, f.err
}

func TestLedgerUseCase_CreateEntry_Validation(t *testing.T) {
	h := newHarness(t)
	h.account("cash", domain.AccountKindCash, "", true)
	h.account("revenue", domain.AccountKindRevenue, "", true)

	tests := []struct {
		name    string
		input   usecase.CreateEntryInput
		wantErr error
	}{
		{
			name: "missing actor",
			input: usecase.CreateEntryInput{
				Postings: []domain.PostingInput{
					{AccountID: "cash", Amount: dec("100")},
					{AccountID: "revenue", Amount: dec("-100")},
				},
			},
			wantErr: domain.ErrMissingActor,
		},
		{
			name: "unbalanced postings",
			input: usecase.CreateEntryInput{
				Postings: []domain.PostingInput{
					{AccountID: "cash", Amount: dec("100")},
					{AccountID: "revenue", Amount: dec("-99.99")},
				},
				Actor: testActor,
			},
			wantErr: domain.ErrUnbalancedEntry,
		},
		{
			name: "single posting",
			input: usecase.CreateEntryInput{
				Postings: []domain.PostingInput{{AccountID: "cash", Amount: dec("100")}},
				Actor:    testActor,
			},
			wantErr: domain.ErrUnbalancedEntry,
		},
		{
			name: "zero amount posting",
			input: usecase.CreateEntryInput{
				Postings: []domain.PostingInput{
					{AccountID: "cash", Amount: dec("100")},
					{AccountID: "revenue", Amount: dec("-100")},
					{AccountID: "revenue", Amount: decimal.Zero},
				},
				Actor: testActor,
			},
			wantErr: domain.ErrZeroAmountPosting,
		},
		{
			name: "unknown account",
			input: usecase.CreateEntryInput{
				Postings: []domain.PostingInput{
					{AccountID: "cash", Amount: dec("100")},
					{AccountID: "nope", Amount: dec("-100")},
				},
				Actor: testActor,
			},
			wantErr: domain.ErrAccountNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.ledger.CreateEntry(context.Background(), tt.input)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	assert.True(t, h.balance("cash").IsZero())
	assert.True(t, h.balance("revenue").IsZero())
}

func TestLedgerUseCase_CashRevenueScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.account("cash", domain.AccountKindCash, "", true)
	h.account("revenue", domain.AccountKindRevenue, "", true)

	res, err := h.ledger.CreateEntry(ctx, usecase.CreateEntryInput{
		OrganizationID: "org-1",
		Description:    "rent received",
		Postings: []domain.PostingInput{
			{AccountID: "cash", Amount: dec("100.00")},
			{AccountID: "revenue", Amount: dec("-100.00")},
		},
		Actor: testActor,
	})
	require.NoError(t, err)
	require.False(t, res.Replayed)

	assert.True(t, h.balance("cash").Equal(dec("100")))
	assert.True(t, h.balance("revenue").Equal(dec("-100")))

	entry := res.Entry
	require.Len(t, entry.Postings, 2)
	assert.True(t, entry.Postings[0].BalanceBefore.IsZero())
	assert.True(t, entry.Postings[0].BalanceAfter.Equal(dec("100")))
	assert.Equal(t, testActor.ID, entry.CreatedBy)
	assert.Equal(t, testActor.IP, entry.CreatedIP)

	ok, err := h.ledger.CheckConsistency(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	logs, err := h.audit.GetByResourceID(ctx, domain.ResourceTypeEntry, entry.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.AuditActionEntryCreate, logs[0].Action)
	assert.Equal(t, testActor.IP, logs[0].ActorIP)

	created, err := h.events.Claim(ctx, h.clock.Now(), h.clock.Now().Add(usecase.DefaultOutboxLease), 10)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, domain.EventTypeEntryCreated, created[0].EventType)
	assert.Equal(t, entry.ID, created[0].AggregateID)
}

func TestLedgerUseCase_Idempotency(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.account("cash", domain.AccountKindCash, "", true)
	h.account("revenue", domain.AccountKindRevenue, "", true)

	first, err := h.ledger.CreateEntry(ctx, usecase.CreateEntryInput{
		Postings: []domain.PostingInput{
			{AccountID: "cash", Amount: dec("100")},
			{AccountID: "revenue", Amount: dec("-100")},
		},
		Actor:          testActor,
		IdempotencyKey: "pay-1",
	})
	require.NoError(t, err)

	second, err := h.ledger.CreateEntry(ctx, usecase.CreateEntryInput{
		Postings: []domain.PostingInput{
			{AccountID: "cash", Amount: dec("250")},
			{AccountID: "revenue", Amount: dec("-250")},
		},
		Actor:          testActor,
		IdempotencyKey: "pay-1",
	})
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
	assert.True(t, h.balance("cash").Equal(dec("100")))

	postings, err := h.journal.ListPostingsByAccount(ctx, "cash")
	require.NoError(t, err)
	assert.Len(t, postings, 1)
}

func TestLedgerUseCase_InsufficientFundsRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.account("trust", domain.AccountKindTrust, "", false)
	h.account("operating", domain.AccountKindOperating, "", false)
	h.fund("trust", "50", domain.Dimensions{})

	_, err := h.ledger.CreateEntry(ctx, usecase.CreateEntryInput{
		Postings: []domain.PostingInput{
			{AccountID: "trust", Amount: dec("-80")},
			{AccountID: "operating", Amount: dec("80")},
		},
		Actor: testActor,
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	assert.True(t, h.balance("trust").Equal(dec("50")))
	assert.True(t, h.balance("operating").IsZero())

	postings, err := h.journal.ListPostingsByAccount(ctx, "operating")
	require.NoError(t, err)
	assert.Empty(t, postings)
}

func TestLedgerUseCase_ReverseEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.account("cash", domain.AccountKindCash, "", true)
	h.account("revenue", domain.AccountKindRevenue, "", true)

	dims := domain.Dimensions{PropertyID: "p1"}
	res, err := h.ledger.CreateEntry(ctx, usecase.CreateEntryInput{
		Postings: []domain.PostingInput{
			{AccountID: "cash", Amount: dec("75"), Dimensions: dims},
			{AccountID: "revenue", Amount: dec("-75"), Dimensions: dims},
		},
		Actor: testActor,
	})
	require.NoError(t, err)
	original := res.Entry

	reversal, err := h.ledger.ReverseEntry(ctx, usecase.ReverseEntryInput{
		EntryID: original.ID,
		Reason:  "posted twice",
		Actor:   testActor,
	})
	require.NoError(t, err)

	assert.True(t, reversal.IsReversal)
	require.NotNil(t, reversal.ReversesEntryID)
	assert.Equal(t, original.ID, *reversal.ReversesEntryID)
	assert.Equal(t, usecase.ReversalKeyPrefix+original.ID, reversal.IdempotencyKey)

	assert.True(t, h.balance("cash").IsZero())
	assert.True(t, h.balance("revenue").IsZero())

	dimBalances, err := h.ledger.GetDimensionalBalances(ctx, "cash")
	require.NoError(t, err)
	require.Len(t, dimBalances, 1)
	assert.True(t, dimBalances[0].Balance.IsZero())

	for _, id := range []string{original.ID, reversal.ID} {
		v, err := h.ledger.VerifyChain(ctx, id)
		require.NoError(t, err)
		assert.True(t, v.Valid, "chain of %s: %v", id, v.Problems)
	}

	_, err = h.ledger.ReverseEntry(ctx, usecase.ReverseEntryInput{EntryID: original.ID, Actor: testActor})
	require.ErrorIs(t, err, domain.ErrAlreadyReversed)

	logs, err := h.audit.GetByResourceID(ctx, domain.ResourceTypeEntry, original.ID)
	require.NoError(t, err)
	var reverseLog *domain.AuditLog
	for _, l := range logs {
		if l.Action == domain.AuditActionEntryReverse {
			reverseLog = l
		}
	}
	require.NotNil(t, reverseLog)
	require.Len(t, reverseLog.Diff, 1)
	assert.Equal(t, "reversed_by_entry_id", reverseLog.Diff[0].Field)
	assert.Nil(t, reverseLog.Diff[0].Before)
	assert.Equal(t, reversal.ID, reverseLog.Diff[0].After)
}

func TestLedgerUseCase_Immutability(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.account("cash", domain.AccountKindCash, "", true)
	h.account("revenue", domain.AccountKindRevenue, "", true)

	res, err := h.ledger.CreateEntry(ctx, usecase.CreateEntryInput{
		Description: "original",
		Postings: []domain.PostingInput{
			{AccountID: "cash", Amount: dec("10")},
			{AccountID: "revenue", Amount: dec("-10")},
		},
		Actor: testActor,
	})
	require.NoError(t, err)
	id := res.Entry.ID

	desc := "edited"
	err = h.ledger.UpdateEntry(ctx, id, domain.EntryPatch{Description: &desc}, testActor)
	require.ErrorIs(t, err, domain.ErrImmutabilityViolation)

	var immErr *domain.ImmutabilityError
	require.True(t, errors.As(err, &immErr))
	assert.Equal(t, []string{"description"}, immErr.Fields)

	err = h.ledger.UpdateEntry(ctx, id, domain.EntryPatch{Postings: []domain.PostingInput{}}, testActor)
	require.ErrorIs(t, err, domain.ErrImmutabilityViolation)

	err = h.ledger.DeleteEntry(ctx, id, testActor)
	require.ErrorIs(t, err, domain.ErrImmutabilityViolation)

	stored, err := h.ledger.GetEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "original", stored.Description)

	logs, err := h.audit.GetByResourceID(ctx, domain.ResourceTypeEntry, id)
	require.NoError(t, err)
	var rejected int
	for _, l := range logs {
		if l.Action == domain.AuditActionEntryUpdateAttempt || l.Action == domain.AuditActionEntryDeleteAttempt {
			assert.Equal(t, domain.AuditStatusFailure, l.Status)
			rejected++
		}
	}
	assert.Equal(t, 3, rejected)
}

func TestLedgerUseCase_VoidEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.account("cash", domain.AccountKindCash, "", true)
	h.account("revenue", domain.AccountKindRevenue, "", true)

	res, err := h.ledger.CreateEntry(ctx, usecase.CreateEntryInput{
		Postings: []domain.PostingInput{
			{AccountID: "cash", Amount: dec("40")},
			{AccountID: "revenue", Amount: dec("-40")},
		},
		Actor: testActor,
	})
	require.NoError(t, err)

	voided, err := h.ledger.VoidEntry(ctx, usecase.VoidEntryInput{EntryID: res.Entry.ID, Reason: "duplicate invoice", Actor: testActor})
	require.NoError(t, err)
	assert.True(t, voided.IsVoided)
	require.NotNil(t, voided.Void)
	assert.Equal(t, testActor.ID, voided.Void.By)

	// void is metadata only
	assert.True(t, h.balance("cash").Equal(dec("40")))
	assert.True(t, h.balance("revenue").Equal(dec("-40")))

	_, err = h.ledger.VoidEntry(ctx, usecase.VoidEntryInput{EntryID: res.Entry.ID, Actor: testActor})
	require.ErrorIs(t, err, domain.ErrAlreadyVoided)

	_, err = h.ledger.ReverseEntry(ctx, usecase.ReverseEntryInput{EntryID: res.Entry.ID, Actor: testActor})
	require.ErrorIs(t, err, domain.ErrVoidedEntry)
}

func TestLedgerUseCase_BalanceHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.account("operating", domain.AccountKindOperating, "", true)
	h.fund("operating", "100", domain.Dimensions{})
	h.fund("operating", "-30", domain.Dimensions{})

	points, err := h.ledger.GetBalanceHistory(ctx, "operating", testActor)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.True(t, points[0].Balance.Equal(dec("100")))
	assert.True(t, points[1].Balance.Equal(dec("70")))

	_, err = h.ledger.GetBalanceHistory(ctx, "operating", domain.Actor{})
	require.ErrorIs(t, err, domain.ErrMissingActor)

	logs, err := h.audit.List(ctx, domain.AuditFilter{Action: domain.AuditActionBalanceHistoryView})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "operating", logs[0].ResourceID)
}

// unavailableAudit refuses standalone audit writes.
type unavailableAudit struct {
	*memory.AuditRepository
}

func (unavailableAudit) Create(context.Context, *domain.AuditLog) error {
	return errors.New("audit store unavailable")
}

func TestLedgerUseCase_GetBalanceHistory_AuditFailureIsLogged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.account("operating", domain.AccountKindOperating, "", false)
	h.fund("operating", "100", domain.Dimensions{})

	var buf bytes.Buffer
	uc := usecase.NewLedgerUseCase(memory.NewTxManager(h.store), h.accounts, h.balances, h.journal,
		memory.NewLedgerRepository(h.store), unavailableAudit{h.audit}, h.outbox, mocks.NewMockIDGenerator(), nil, h.metrics)
	uc.WithLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	points, err := uc.GetBalanceHistory(ctx, "operating", testActor)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Contains(t, buf.String(), "failed to audit balance history read")
	assert.Contains(t, buf.String(), "audit store unavailable")
}

func TestLedgerUseCase_ConcurrentPostingsKeepBalanceChain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.account("trust", domain.AccountKindTrust, "", false)
	h.account("cash", domain.AccountKindCash, "", true)

	const workers = 25
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.ledger.CreateEntry(ctx, usecase.CreateEntryInput{
				OrganizationID: "org-1",
				Description:    fmt.Sprintf("deposit %d", i),
				Postings: []domain.PostingInput{
					{AccountID: "trust", Amount: dec("10")},
					{AccountID: "cash", Amount: dec("-10")},
				},
				Actor: testActor,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	balance, err := h.balances.Get(ctx, "trust")
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(dec("250")), "balance %s", balance.Balance)

	postings, err := h.journal.ListPostingsByAccount(ctx, "trust")
	require.NoError(t, err)
	require.Len(t, postings, workers)

	// each posting starts where the previous one ended
	running := decimal.Zero
	for i, p := range postings {
		assert.True(t, p.BalanceBefore.Equal(running), "posting %d before %s, want %s", i, p.BalanceBefore, running)
		running = running.Add(p.Amount)
		assert.True(t, p.BalanceAfter.Equal(running), "posting %d after %s, want %s", i, p.BalanceAfter, running)
	}
	assert.True(t, running.Equal(balance.Balance))

	ok, err := h.ledger.CheckConsistency(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLedgerUseCase_ConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.account("trust", domain.AccountKindTrust, "", false)
	h.account("operating", domain.AccountKindOperating, "", false)
	h.fund("trust", "100", domain.Dimensions{})

	const workers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		refused   int
		unexpected  []error
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.ledger.CreateEntry(ctx, usecase.CreateEntryInput{
				OrganizationID: "org-1",
				Description:    "move",
				Postings: []domain.PostingInput{
					{AccountID: "trust", Amount: dec("-10")},
					{AccountID: "operating", Amount: dec("10")},
				},
				Actor: testActor,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrTrustNegativeViolation), errors.Is(err, domain.ErrInsufficientFunds):
				refused++
			default:
				unexpected = append(unexpected, err)
			}
		}()
	}
	wg.Wait()

	require.Empty(t, unexpected)
	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 10, refused)

	trust, err := h.balances.Get(ctx, "trust")
	require.NoError(t, err)
	assert.True(t, trust.Balance.IsZero(), "trust balance %s", trust.Balance)

	operating, err := h.balances.Get(ctx, "operating")
	require.NoError(t, err)
	assert.True(t, operating.Balance.Equal(dec("100")), "operating balance %s", operating.Balance)
}
