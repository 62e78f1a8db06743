package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/iho/sagaledger/internal/adapter/http/handler"
	apimiddleware "github.com/iho/sagaledger/internal/adapter/http/middleware"
	"github.com/iho/sagaledger/internal/adapter/repository/memory"
	"github.com/iho/sagaledger/internal/infrastructure/metrics"
	"github.com/iho/sagaledger/internal/usecase"
	"github.com/iho/sagaledger/internal/usecase/mocks"
)

func TestNewRouter_HealthEndpointAvailable(t *testing.T) {
	router := NewRouter(newRouterConfig())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected /health to return 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected X-Frame-Options DENY, got %q", got)
	}
}

func TestNewRouter_RateLimiterBlocksExcessRequests(t *testing.T) {
	rl := apimiddleware.NewRateLimiter(1, 1)
	router := NewRouter(newRouterConfig(func(cfg *RouterConfig) {
		cfg.RateLimiter = rl
	}))

	req1 := httptest.NewRequest(http.MethodGet, "/health", nil)
	req1.RemoteAddr = "1.2.3.4:1234"
	rec1 := httptest.NewRecorder()
	router.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", rec1.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/health", nil)
	req2.RemoteAddr = "1.2.3.4:1234"
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be throttled, got %d", rec2.Code)
	}
}

func TestNewRouter_IdempotencyMiddlewareReplays(t *testing.T) {
	store := newStubIdempotencyStore()
	router := NewRouter(newRouterConfig(func(cfg *RouterConfig) {
		cfg.IdempotencyStore = store
	}))

	body := `{"id":"trust-1","name":"Trust","kind":"trust","currency":"USD"}`
	first := serve(router, http.MethodPost, "/api/v1/accounts", body, "key-123")
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", first.Code, first.Body.String())
	}

	second := serve(router, http.MethodPost, "/api/v1/accounts", body, "key-123")
	if second.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201, got %d: %s", second.Code, second.Body.String())
	}
	if second.Header().Get(apimiddleware.IdempotencyReplayHeader) != "true" {
		t.Fatalf("expected replay header on second response")
	}
	if store.checks != 2 {
		t.Fatalf("expected 2 store checks, got %d", store.checks)
	}
}

func TestNewRouter_EntriesAreImmutable(t *testing.T) {
	router := NewRouter(newRouterConfig())

	for _, body := range []string{
		`{"id":"trust-1","name":"Trust","kind":"trust"}`,
		`{"id":"cash-1","name":"Cash","kind":"cash","allow_negative_balance":true}`,
	} {
		rec := serve(router, http.MethodPost, "/api/v1/accounts", body, "")
		if rec.Code != http.StatusCreated {
			t.Fatalf("create account: expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
	}

	rec := serve(router, http.MethodPost, "/api/v1/entries", `{
		"description":"deposit",
		"postings":[
			{"account_id":"trust-1","amount":"100.00"},
			{"account_id":"cash-1","amount":"-100.00"}
		]}`, "entry-1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create entry: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var entry struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &entry); err != nil || entry.ID == "" {
		t.Fatalf("entry id missing: %v %s", err, rec.Body.String())
	}

	patch := serve(router, http.MethodPatch, "/api/v1/entries/"+entry.ID, `{"description":"edited"}`, "")
	if patch.Code != http.StatusConflict {
		t.Fatalf("PATCH: expected 409, got %d: %s", patch.Code, patch.Body.String())
	}

	del := serve(router, http.MethodDelete, "/api/v1/entries/"+entry.ID, "", "")
	if del.Code != http.StatusConflict {
		t.Fatalf("DELETE: expected 409, got %d: %s", del.Code, del.Body.String())
	}

	consistency := serve(router, http.MethodGet, "/api/v1/ledger/consistency", "", "")
	if consistency.Code != http.StatusOK {
		t.Fatalf("consistency: expected 200, got %d: %s", consistency.Code, consistency.Body.String())
	}
}

func TestNewRouter_MetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	router := NewRouter(newRouterConfig(func(cfg *RouterConfig) {
		cfg.Metrics = metrics.New(reg)
		cfg.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}))

	serve(router, http.MethodGet, "/health", "", "")
	rec := serve(router, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected /metrics to return 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "/health") {
		t.Fatalf("expected request metrics for /health in output")
	}
}

func TestNewRouter_RegistersKeyRoutes(t *testing.T) {
	router := NewRouter(newRouterConfig())

	chiRoutes, ok := router.(chi.Routes)
	if !ok {
		t.Fatal("router does not implement chi.Routes")
	}

	want := map[string]bool{
		"POST /api/v1/entries/":                        false,
		"PATCH /api/v1/entries/{id}":                   false,
		"DELETE /api/v1/entries/{id}":                  false,
		"POST /api/v1/entries/{id}/reverse":            false,
		"POST /api/v1/entries/{id}/void":               false,
		"GET /api/v1/accounts/{id}/balance/dimensions": false,
		"POST /api/v1/sweeps":                          false,
		"GET /api/v1/sagas/{id}/audit":                 false,
		"GET /api/v1/ledger/consistency":               false,
	}
	err := chi.Walk(chiRoutes, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		key := method + " " + route
		if _, ok := want[key]; ok {
			want[key] = true
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk routes: %v", err)
	}
	for route, found := range want {
		if !found {
			t.Errorf("route %s not registered", route)
		}
	}
}

func serve(router http.Handler, method, path, body, idempotencyKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apimiddleware.ActorIDHeader, "operator-1")
	if idempotencyKey != "" {
		req.Header.Set(apimiddleware.IdempotencyKeyHeader, idempotencyKey)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// newRouterConfig wires the handlers over a fresh memory store.
func newRouterConfig(opts ...func(*RouterConfig)) RouterConfig {
	store := memory.NewStore()
	txManager := memory.NewTxManager(store)
	idGen := mocks.NewMockIDGenerator()

	accounts := memory.NewAccountRepository(store)
	balances := memory.NewBalanceRepository(store)
	journal := memory.NewJournalRepository(store)
	ledgerRepo := memory.NewLedgerRepository(store)
	sagaRepo := memory.NewSagaRepository(store)
	audit := memory.NewAuditRepository(store)
	compliance := memory.NewComplianceRepository(store)
	m := metrics.New(prometheus.NewRegistry())

	outbox := usecase.NewOutboxUseCase(memory.NewOutboxRepository(store), idGen, usecase.DefaultOutboxConfig(), m)
	ledger := usecase.NewLedgerUseCase(txManager, accounts, balances, journal, ledgerRepo, audit, outbox, idGen, nil, m)
	reconciler := usecase.NewReconciliationUseCase(accounts, balances, journal, ledgerRepo)
	sweep := usecase.NewSweepWorkflow(ledger, reconciler, accounts, balances, compliance, compliance, idGen)
	registry := usecase.NewSagaRegistry()
	if err := registry.Register(sweep.Definition()); err != nil {
		panic(err)
	}
	orchestrator := usecase.NewSagaOrchestrator(txManager, sagaRepo, audit, outbox, registry, idGen, m)

	cfg := RouterConfig{
		AccountHandler: handler.NewAccountHandler(usecase.NewAccountUseCase(txManager, accounts, idGen), ledger),
		EntryHandler:   handler.NewEntryHandler(ledger),
		SagaHandler:    handler.NewSagaHandler(sweep, orchestrator, outbox, audit),
		LedgerHandler:  handler.NewLedgerHandler(ledger),
		HealthHandler:  handler.NewHealthHandler(nil),
		Logger:         zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

type stubIdempotencyStore struct {
	mu     sync.Mutex
	values map[string][]byte
	checks int
}

func newStubIdempotencyStore() *stubIdempotencyStore {
	return &stubIdempotencyStore{values: make(map[string][]byte)}
}

func (s *stubIdempotencyStore) CheckAndSet(_ context.Context, key string, response []byte, _ time.Duration) (bool, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks++
	if v, ok := s.values[key]; ok {
		return true, v, nil
	}
	s.values[key] = response
	return false, nil, nil
}

func (s *stubIdempotencyStore) Update(_ context.Context, key string, response []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = response
	return nil
}

func (s *stubIdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}
