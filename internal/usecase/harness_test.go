package usecase_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/iho/sagaledger/internal/adapter/repository/memory"
	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/infrastructure/metrics"
	"github.com/iho/sagaledger/internal/usecase"
	"github.com/iho/sagaledger/internal/usecase/mocks"
)

var testActor = domain.Actor{ID: "user-1", IP: "10.0.0.1"}

// testClock is a settable clock shared by every use case of a harness.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// harness wires every use case on one memory store.
type harness struct {
	t *testing.T

	store      *memory.Store
	accounts   *memory.AccountRepository
	balances   *memory.BalanceRepository
	journal    *memory.JournalRepository
	sagas      *memory.SagaRepository
	events     *memory.OutboxRepository
	audit      *memory.AuditRepository
	compliance *memory.ComplianceRepository

	clock   *testClock
	metrics *metrics.Metrics

	accountUC    *usecase.AccountUseCase
	ledger       *usecase.LedgerUseCase
	reconciler   *usecase.ReconciliationUseCase
	outbox       *usecase.OutboxUseCase
	registry     *usecase.SagaRegistry
	orchestrator *usecase.SagaOrchestrator
	sweep        *usecase.SweepWorkflow
	monitor      *usecase.ZombieMonitor
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store := memory.NewStore()
	h := &harness{
		t:          t,
		store:      store,
		accounts:   memory.NewAccountRepository(store),
		balances:   memory.NewBalanceRepository(store),
		journal:    memory.NewJournalRepository(store),
		sagas:      memory.NewSagaRepository(store),
		events:     memory.NewOutboxRepository(store),
		audit:      memory.NewAuditRepository(store),
		compliance: memory.NewComplianceRepository(store),
		clock:      &testClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
		metrics:    metrics.New(prometheus.NewRegistry()),
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	txManager := memory.NewTxManager(store)
	idGen := mocks.NewMockIDGenerator()

	h.accountUC = usecase.NewAccountUseCase(txManager, h.accounts, idGen)

	h.outbox = usecase.NewOutboxUseCase(h.events, idGen, usecase.DefaultOutboxConfig(), h.metrics)
	h.outbox.WithNow(h.clock.Now)
	h.outbox.WithLogger(logger)

	h.ledger = usecase.NewLedgerUseCase(txManager, h.accounts, h.balances, h.journal, memory.NewLedgerRepository(store), h.audit, h.outbox, idGen, nil, h.metrics)
	h.ledger.WithNow(h.clock.Now)
	h.ledger.WithLogger(logger)

	h.reconciler = usecase.NewReconciliationUseCase(h.accounts, h.balances, h.journal, memory.NewLedgerRepository(store))
	h.reconciler.WithNow(h.clock.Now)

	h.sweep = usecase.NewSweepWorkflow(h.ledger, h.reconciler, h.accounts, h.balances, h.compliance, h.compliance, idGen)
	h.sweep.WithNow(h.clock.Now)
	h.sweep.WithLogger(logger)

	h.registry = usecase.NewSagaRegistry()

	h.orchestrator = usecase.NewSagaOrchestrator(txManager, h.sagas, h.audit, h.outbox, h.registry, idGen, h.metrics)
	h.orchestrator.WithNow(h.clock.Now)
	h.orchestrator.WithLogger(logger)

	h.monitor = usecase.NewZombieMonitor(txManager, h.sagas, h.audit, h.outbox, h.orchestrator, idGen, usecase.MonitorConfig{StaleAfter: 5 * time.Minute}, h.metrics)
	h.monitor.WithNow(h.clock.Now)
	h.monitor.WithLogger(logger)

	return h
}

// registerSweep registers the fund sweep definition, letting mutate adjust it first.
func (h *harness) registerSweep(mutate func(def *usecase.Definition[domain.SweepPayload])) {
	h.t.Helper()
	def := h.sweep.Definition()
	if mutate != nil {
		mutate(def)
	}
	require.NoError(h.t, h.registry.Register(def))
}

func (h *harness) account(id string, kind domain.AccountKind, bankAccountID string, allowNegative bool) *domain.Account {
	h.t.Helper()
	a, err := h.accountUC.CreateAccount(context.Background(), usecase.CreateAccountInput{
		ID:                   id,
		OrganizationID:       "org-1",
		Name:                 id,
		Kind:                 kind,
		Currency:             "USD",
		BankAccountID:        bankAccountID,
		AllowNegativeBalance: allowNegative,
	})
	require.NoError(h.t, err)
	return a
}

// fund moves amount into accountID from a cash account that may go negative.
func (h *harness) fund(accountID string, amount string, dims domain.Dimensions) *domain.JournalEntry {
	h.t.Helper()
	if _, err := h.accounts.GetByID(context.Background(), "cash"); err != nil {
		h.account("cash", domain.AccountKindCash, "", true)
	}
	res, err := h.ledger.CreateEntry(context.Background(), usecase.CreateEntryInput{
		OrganizationID: "org-1",
		Description:    "funding",
		Postings: []domain.PostingInput{
			{AccountID: accountID, Amount: dec(amount), Dimensions: dims},
			{AccountID: "cash", Amount: dec(amount).Neg()},
		},
		Actor: testActor,
	})
	require.NoError(h.t, err)
	return res.Entry
}

func (h *harness) rule(ruleType, key, value string) {
	h.compliance.AddRule(&domain.ComplianceRule{
		ID:            ruleType + "/" + key,
		Jurisdiction:  "CA",
		RuleType:      ruleType,
		RuleKey:       key,
		Value:         value,
		EffectiveFrom: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	})
}

func (h *harness) balance(accountID string) decimal.Decimal {
	h.t.Helper()
	b, err := h.balances.Get(context.Background(), accountID)
	require.NoError(h.t, err)
	return b.Balance
}

// drain delivers saga events to the orchestrator and acks every other event
// until no claimable event remains.
func (h *harness) drain() {
	h.t.Helper()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		events, err := h.outbox.Claim(ctx, 10)
		require.NoError(h.t, err)
		if len(events) == 0 {
			return
		}
		for _, ev := range events {
			switch ev.EventType {
			case domain.EventTypeSagaStepReady, domain.EventTypeSagaCompensateRequested:
				require.NoError(h.t, h.orchestrator.HandleEvent(ctx, ev))
			}
			require.NoError(h.t, h.outbox.Ack(ctx, ev))
		}
	}
	h.t.Fatal("outbox did not drain")
}

// eventsOfType returns the saga's events of eventType.
func (h *harness) eventsOfType(sagaID, eventType string) []*domain.OutboxEvent {
	h.t.Helper()
	all, err := h.events.ListBySaga(context.Background(), sagaID, 0, 0)
	require.NoError(h.t, err)
	var out []*domain.OutboxEvent
	for _, e := range all {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
