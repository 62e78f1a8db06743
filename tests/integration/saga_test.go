package integration

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	postgresRepo "github.com/iho/sagaledger/internal/adapter/repository/postgres"
	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/infrastructure/eventpublisher"
	"github.com/iho/sagaledger/internal/usecase"
	"github.com/iho/sagaledger/tests/testutil"
)

// drain delivers outbox events until none can be claimed.
func drain(t *testing.T, db *testutil.TestDB) {
	t.Helper()
	relay := db.App.Relay(eventpublisher.NewLogPublisher(slog.New(slog.NewTextHandler(io.Discard, nil))))
	for i := 0; i < 100; i++ {
		n, err := relay.ProcessBatch(context.Background())
		if err != nil {
			t.Fatalf("process batch: %v", err)
		}
		if n == 0 {
			return
		}
	}
	t.Fatalf("outbox did not drain")
}

func seedMinimumSweep(t *testing.T, db *testutil.TestDB, value string) {
	t.Helper()
	repo := postgresRepo.NewComplianceRepository(db.Pool)
	err := repo.UpsertRule(context.Background(), &domain.ComplianceRule{
		ID:            "ca-min-sweep",
		Jurisdiction:  "CA",
		RuleType:      domain.RuleTypeSweep,
		RuleKey:       domain.RuleKeyMinSweepAmount,
		Value:         value,
		EffectiveFrom: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("seed rule: %v", err)
	}
}

func startFeeSweep(t *testing.T, db *testutil.TestDB) (string, *domain.Account, *domain.Account) {
	t.Helper()
	ctx := context.Background()

	fees := db.CreateTestAccount(ctx, domain.AccountKindFeeIncome, false)
	operating := db.CreateTestAccount(ctx, domain.AccountKindOperating, false)
	db.Fund(ctx, fees.ID, decimal.NewFromInt(500), domain.Dimensions{})
	seedMinimumSweep(t, db, "100.00")

	payload, err := db.App.Sweep.NewPayload(ctx, usecase.SweepRequest{
		SweepType:            domain.SweepTypeManagementFee,
		OrganizationID:       "org-1",
		Jurisdiction:         "CA",
		SourceAccountID:      fees.ID,
		DestinationAccountID: operating.ID,
		Actor:                testutil.Actor,
	})
	if err != nil {
		t.Fatalf("new payload: %v", err)
	}

	id, err := db.App.Orchestrator.StartSaga(ctx, usecase.StartSagaInput{
		Name:           usecase.SagaNameFundSweep,
		OrganizationID: "org-1",
		Payload:        payload,
		Actor:          testutil.Actor,
	})
	if err != nil {
		t.Fatalf("start saga: %v", err)
	}
	return id, fees, operating
}

func TestSaga_ManagementFeeSweep(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDB(t)
	db.TruncateAll(ctx)

	id, fees, operating := startFeeSweep(t, db)
	drain(t, db)

	saga, err := db.App.Orchestrator.Get(ctx, id)
	if err != nil {
		t.Fatalf("get saga: %v", err)
	}
	if saga.Status != domain.SagaStatusCompleted {
		t.Fatalf("expected completed, got %s: %s", saga.Status, saga.ErrorMessage)
	}

	var p domain.SweepPayload
	if err := json.Unmarshal(saga.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if len(p.Entries) != 1 || p.Reconciliation == nil || !p.Reconciliation.Passed {
		t.Fatalf("expected one entry and a passed reconciliation, got %+v", p)
	}

	src, _ := db.App.Ledger.GetBalance(ctx, fees.ID)
	dst, _ := db.App.Ledger.GetBalance(ctx, operating.ID)
	if !src.Balance.IsZero() || !dst.Balance.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("unexpected balances: source %s destination %s", src.Balance, dst.Balance)
	}

	events, err := db.App.Outbox.ListBySaga(ctx, id, 0, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var completed int
	for _, e := range events {
		if e.EventType == domain.EventTypeSweepCompleted {
			completed++
		}
	}
	if completed != 1 {
		t.Fatalf("expected one sweep.completed event, got %d", completed)
	}

	ok, err := db.App.Ledger.CheckConsistency(ctx)
	if err != nil || !ok {
		t.Fatalf("expected consistent ledger, got %v %v", ok, err)
	}
}

func TestSaga_ZombieResurrection(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDB(t)
	db.TruncateAll(ctx)

	id, _, _ := startFeeSweep(t, db)

	// the worker died: its event is gone and the heartbeat went stale
	if _, err := db.Pool.Exec(ctx, `UPDATE event_outbox SET status = 'processed', processed_at = now() WHERE saga_id = $1`, id); err != nil {
		t.Fatalf("drop events: %v", err)
	}
	if _, err := db.Pool.Exec(ctx, `UPDATE saga_state SET heartbeat_at = now() - interval '10 minutes' WHERE id = $1`, id); err != nil {
		t.Fatalf("age heartbeat: %v", err)
	}

	result, err := db.App.Monitor.Scan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if result.Resurrected != 1 {
		t.Fatalf("expected one resurrection, got %+v", result)
	}

	again, err := db.App.Monitor.Scan(ctx)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if again.Resurrected != 0 {
		t.Fatalf("expected the second scan to change nothing, got %+v", again)
	}

	drain(t, db)

	saga, err := db.App.Orchestrator.Get(ctx, id)
	if err != nil {
		t.Fatalf("get saga: %v", err)
	}
	if saga.Status != domain.SagaStatusCompleted {
		t.Fatalf("expected completed after resurrection, got %s: %s", saga.Status, saga.ErrorMessage)
	}

	logs, err := db.App.Repos.Audit.GetByResourceID(ctx, domain.ResourceTypeSaga, id)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	var resurrected int
	for _, l := range logs {
		if l.Action == domain.AuditActionSagaResurrected {
			resurrected++
		}
	}
	if resurrected != 1 {
		t.Fatalf("expected one resurrection audit record, got %d", resurrected)
	}
}
