package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iho/sagaledger/internal/adapter/repository/memory"
	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/usecase/mocks"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newAccount(t *testing.T, store *memory.Store, id string) {
	t.Helper()
	require.NoError(t, memory.NewAccountRepository(store).Create(context.Background(), nil, &domain.Account{
		ID:        id,
		Name:      id,
		Kind:      domain.AccountKindOperating,
		CreatedAt: t0,
	}))
}

func TestTx_RollbackUndoesEveryWrite(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	newAccount(t, store, "a")
	newAccount(t, store, "b")

	journal := memory.NewJournalRepository(store)
	balances := memory.NewBalanceRepository(store)
	outbox := memory.NewOutboxRepository(store)
	audit := memory.NewAuditRepository(store)

	tx, err := memory.NewTxManager(store).Begin(ctx)
	require.NoError(t, err)

	require.NoError(t, journal.Create(ctx, tx, &domain.JournalEntry{
		ID:             "e1",
		IdempotencyKey: "k1",
		Postings: []*domain.JournalPosting{
			{ID: "p1", EntryID: "e1", AccountID: "a", Amount: decimal.NewFromInt(5)},
			{ID: "p2", EntryID: "e1", AccountID: "b", Amount: decimal.NewFromInt(-5)},
		},
	}))
	locked, err := balances.GetForUpdate(ctx, tx, []string{"b", "a"})
	require.NoError(t, err)
	locked["a"].Balance = decimal.NewFromInt(5)
	require.NoError(t, balances.Update(ctx, tx, locked["a"]))
	require.NoError(t, balances.ApplyDimensionalDelta(ctx, tx, "a", domain.Dimensions{PropertyID: "p"}, decimal.NewFromInt(5), t0))
	require.NoError(t, outbox.Create(ctx, tx, &domain.OutboxEvent{ID: "ev1", SagaID: "s1", Status: domain.EventStatusPending, AvailableAt: t0}))
	require.NoError(t, audit.CreateTx(ctx, tx, &domain.AuditLog{ID: "log1", ResourceType: "x", ResourceID: "y"}))

	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, tx.Rollback(ctx), "rollback is idempotent")

	_, err = journal.GetByID(ctx, "e1")
	require.ErrorIs(t, err, domain.ErrEntryNotFound)
	_, err = journal.GetByIdempotencyKey(ctx, "k1")
	require.ErrorIs(t, err, domain.ErrEntryNotFound)
	postings, err := journal.ListPostingsByAccount(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, postings)

	b, err := balances.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, b.Balance.IsZero())
	assert.Equal(t, int64(1), b.Version)

	dims, err := balances.ListDimensional(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, dims)

	n, err := outbox.CountActiveBySaga(ctx, nil, "s1")
	require.NoError(t, err)
	assert.Zero(t, n)

	logs, err := audit.GetByResourceID(ctx, "x", "y")
	require.NoError(t, err)
	assert.Empty(t, logs)

	// the key is free again
	require.NoError(t, journal.Create(ctx, nil, &domain.JournalEntry{ID: "e2", IdempotencyKey: "k1"}))
}

func TestTx_CommitAfterCancelRollsBack(t *testing.T) {
	store := memory.NewStore()
	newAccount(t, store, "a")

	ctx, cancel := context.WithCancel(context.Background())
	tx, err := memory.NewTxManager(store).Begin(ctx)
	require.NoError(t, err)

	sagas := memory.NewSagaRepository(store)
	require.NoError(t, sagas.Create(ctx, tx, &domain.SagaState{ID: "s1", Status: domain.SagaStatusRunning, Version: 1}))

	cancel()
	require.ErrorIs(t, tx.Commit(ctx), context.Canceled)

	_, err = sagas.GetByID(context.Background(), "s1")
	require.ErrorIs(t, err, domain.ErrSagaNotFound)

	_, err = memory.NewTxManager(store).Begin(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestStore_RejectsForeignTransaction(t *testing.T) {
	store := memory.NewStore()
	other := memory.NewStore()

	tx, err := memory.NewTxManager(other).Begin(context.Background())
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(context.Background()) }()

	err = memory.NewSagaRepository(store).Create(context.Background(), tx, &domain.SagaState{ID: "s1"})
	require.Error(t, err)

	err = memory.NewSagaRepository(store).Create(context.Background(), &mocks.MockTransaction{}, &domain.SagaState{ID: "s1"})
	require.Error(t, err)
}

func TestBalanceRepository_UpdateChecksVersion(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	newAccount(t, store, "a")
	balances := memory.NewBalanceRepository(store)

	stale, err := balances.Get(ctx, "a")
	require.NoError(t, err)
	fresh, err := balances.Get(ctx, "a")
	require.NoError(t, err)

	fresh.Balance = decimal.NewFromInt(10)
	require.NoError(t, balances.Update(ctx, nil, fresh))
	assert.Equal(t, int64(2), fresh.Version)

	stale.Balance = decimal.NewFromInt(99)
	require.ErrorIs(t, balances.Update(ctx, nil, stale), domain.ErrBalanceConflict)

	got, err := balances.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(10)))

	_, err = balances.GetForUpdate(ctx, nil, []string{"a", "missing"})
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestSagaRepository_UpdateTouchAndListStale(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	sagas := memory.NewSagaRepository(store)

	seed := []*domain.SagaState{
		{ID: "old", Status: domain.SagaStatusRunning, HeartbeatAt: t0.Add(-time.Hour), CreatedAt: t0.Add(-time.Hour)},
		{ID: "older", Status: domain.SagaStatusCompensating, FailedStep: "X", HeartbeatAt: t0.Add(-2 * time.Hour), CreatedAt: t0.Add(-2 * time.Hour)},
		{ID: "done", Status: domain.SagaStatusCompleted, HeartbeatAt: t0.Add(-3 * time.Hour), CreatedAt: t0.Add(-3 * time.Hour)},
		{ID: "live", Status: domain.SagaStatusRunning, HeartbeatAt: t0, CreatedAt: t0},
	}
	for _, s := range seed {
		s.Version = 1
		require.NoError(t, sagas.Create(ctx, nil, s))
	}

	stale, err := sagas.ListStale(ctx, t0.Add(-time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "older", stale[0].ID)
	assert.Equal(t, "old", stale[1].ID)

	require.NoError(t, sagas.Touch(ctx, nil, "older", t0))
	got, err := sagas.GetByID(ctx, "older")
	require.NoError(t, err)
	assert.Equal(t, t0, got.HeartbeatAt)
	assert.Equal(t, int64(1), got.Version)

	got.CurrentStep = "Y"
	require.NoError(t, sagas.Update(ctx, nil, got))
	assert.Equal(t, int64(2), got.Version)

	stale1, err := sagas.GetByID(ctx, "old")
	require.NoError(t, err)
	stale2 := *stale1
	require.NoError(t, sagas.Update(ctx, nil, stale1))
	require.ErrorIs(t, sagas.Update(ctx, nil, &stale2), domain.ErrSagaConflict)

	listed, err := sagas.List(ctx, domain.SagaFilter{Status: domain.SagaStatusRunning})
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "live", listed[0].ID, "newest first")

	page, err := sagas.List(ctx, domain.SagaFilter{Limit: 2, Offset: 3})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "done", page[0].ID)
}

func TestOutboxRepository_ClaimOrderAndLease(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	outbox := memory.NewOutboxRepository(store)

	for _, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, outbox.Create(ctx, nil, &domain.OutboxEvent{
			ID:          id,
			SagaID:      "s1",
			Status:      domain.EventStatusPending,
			AvailableAt: t0,
			Payload:     map[string]any{"n": 1},
		}))
	}
	require.NoError(t, outbox.Create(ctx, nil, &domain.OutboxEvent{ID: "later", Status: domain.EventStatusPending, AvailableAt: t0.Add(time.Hour)}))

	first, err := outbox.Claim(ctx, t0, t0.Add(time.Minute), 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "e1", first[0].ID)
	assert.Equal(t, "e2", first[1].ID)

	// mutating a returned event does not touch the store
	first[0].Payload["n"] = 2
	stored, err := outbox.GetByID(ctx, "e1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, stored.Payload["n"])

	second, err := outbox.Claim(ctx, t0, t0.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "e3", second[0].ID)

	n, err := outbox.CountActiveBySaga(ctx, nil, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	expired, err := outbox.Claim(ctx, t0.Add(2*time.Minute), t0.Add(3*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, expired, 3)
	assert.Equal(t, 2, expired[0].Attempts)
}

func TestOutboxRepository_FencesAndParks(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	outbox := memory.NewOutboxRepository(store)

	require.NoError(t, outbox.Create(ctx, nil, &domain.OutboxEvent{ID: "e1", Status: domain.EventStatusPending, MaxAttempts: 2, AvailableAt: t0}))

	first, err := outbox.Claim(ctx, t0, t0.Add(time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := outbox.Claim(ctx, t0.Add(2*time.Minute), t0.Add(3*time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, 2, second[0].Attempts)

	// the first claim lost its lease
	require.ErrorIs(t, outbox.Reschedule(ctx, "e1", first[0].Attempts, domain.EventStatusPending, "late", t0), domain.ErrStaleLease)
	require.ErrorIs(t, outbox.MarkProcessed(ctx, "e1", first[0].Attempts, t0), domain.ErrStaleLease)
	require.ErrorIs(t, outbox.MarkProcessed(ctx, "missing", 1, t0), domain.ErrEventNotFound)

	// the second lease expires on the last allowed attempt
	later := t0.Add(10 * time.Minute)
	none, err := outbox.Claim(ctx, later, later.Add(time.Minute), 1)
	require.NoError(t, err)
	assert.Empty(t, none)

	parked, err := outbox.ParkExhausted(ctx, later)
	require.NoError(t, err)
	require.Len(t, parked, 1)

	stored, err := outbox.GetByID(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, domain.EventStatusFailed, stored.Status)
	assert.Equal(t, domain.LeaseExpiredError, stored.LastError)
	assert.Nil(t, stored.LeaseUntil)
	require.ErrorIs(t, outbox.MarkProcessed(ctx, "e1", second[0].Attempts, later), domain.ErrStaleLease)
}

func TestComplianceRepository_GetValue(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	rules := memory.NewComplianceRepository(store)

	end := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rules.AddRule(&domain.ComplianceRule{ID: "r1", Jurisdiction: "CA", RuleType: "sweep", RuleKey: "min", Value: "100", EffectiveFrom: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), EffectiveTo: &end})
	rules.AddRule(&domain.ComplianceRule{ID: "r2", Jurisdiction: "CA", RuleType: "sweep", RuleKey: "min", Value: "150", EffectiveFrom: end})
	rules.AddRule(&domain.ComplianceRule{ID: "r3", OrganizationID: "org-vip", Jurisdiction: "CA", RuleType: "sweep", RuleKey: "min", Value: "10", EffectiveFrom: time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)})

	tests := []struct {
		name    string
		q       domain.RuleQuery
		want    string
		wantErr error
	}{
		{name: "earlier interval", q: domain.RuleQuery{Jurisdiction: "CA", RuleType: "sweep", RuleKey: "min", AsOf: time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)}, want: "100"},
		{name: "interval end is exclusive", q: domain.RuleQuery{Jurisdiction: "CA", RuleType: "sweep", RuleKey: "min", AsOf: end}, want: "150"},
		{name: "organization override", q: domain.RuleQuery{OrganizationID: "org-vip", Jurisdiction: "CA", RuleType: "sweep", RuleKey: "min", AsOf: end}, want: "10"},
		{name: "before any rule", q: domain.RuleQuery{Jurisdiction: "CA", RuleType: "sweep", RuleKey: "min", AsOf: time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)}, wantErr: domain.ErrNoRuleFound},
		{name: "other jurisdiction", q: domain.RuleQuery{Jurisdiction: "NY", RuleType: "sweep", RuleKey: "min", AsOf: end}, wantErr: domain.ErrNoRuleFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rules.GetValue(ctx, tt.q)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestComplianceRepository_HasActiveAuthorization(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	repo := memory.NewComplianceRepository(store)

	repo.AddAuthorization(&domain.SweepAuthorization{ID: "a1", OrganizationID: "org-1", Kind: "operating_deficit", PropertyID: "p1", ValidFrom: t0.Add(-time.Hour)})
	repo.AddAuthorization(&domain.SweepAuthorization{ID: "a2", OrganizationID: "org-2", Kind: "operating_deficit", ValidFrom: t0.Add(-time.Hour)})

	ok, err := repo.HasActiveAuthorization(ctx, "org-1", "operating_deficit", "p1", t0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.HasActiveAuthorization(ctx, "org-1", "operating_deficit", "p2", t0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.HasActiveAuthorization(ctx, "org-2", "operating_deficit", "any", t0)
	require.NoError(t, err)
	assert.True(t, ok, "organization-wide authorization covers every property")

	require.NoError(t, repo.RevokeAuthorization("a1", t0))
	ok, err = repo.HasActiveAuthorization(ctx, "org-1", "operating_deficit", "p1", t0)
	require.NoError(t, err)
	assert.False(t, ok)

	require.Error(t, repo.RevokeAuthorization("missing", t0))
}
