package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/usecase"
)

// withURLParam attaches a chi route parameter to r.
func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func withActor(r *http.Request, id string) *http.Request {
	return r.WithContext(domain.WithActor(r.Context(), domain.Actor{ID: id, IP: "10.0.0.1"}))
}

type accountServiceStub struct {
	createFn func(ctx context.Context, input usecase.CreateAccountInput) (*domain.Account, error)
	getFn    func(ctx context.Context, id string) (*domain.Account, error)
}

func (s *accountServiceStub) CreateAccount(ctx context.Context, input usecase.CreateAccountInput) (*domain.Account, error) {
	return s.createFn(ctx, input)
}

func (s *accountServiceStub) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	return s.getFn(ctx, id)
}

type ledgerServiceStub struct {
	createFn      func(ctx context.Context, input usecase.CreateEntryInput) (*usecase.CreateEntryResult, error)
	getFn         func(ctx context.Context, id string) (*domain.JournalEntry, error)
	verifyFn      func(ctx context.Context, id string) (*domain.ChainVerification, error)
	reverseFn     func(ctx context.Context, input usecase.ReverseEntryInput) (*domain.JournalEntry, error)
	voidFn        func(ctx context.Context, input usecase.VoidEntryInput) (*domain.JournalEntry, error)
	updateFn      func(ctx context.Context, id string, patch domain.EntryPatch, actor domain.Actor) error
	deleteFn      func(ctx context.Context, id string, actor domain.Actor) error
	balanceFn     func(ctx context.Context, accountID string) (*domain.AccountBalance, error)
	dimensionsFn  func(ctx context.Context, accountID string) ([]*domain.DimensionalBalance, error)
	historyFn     func(ctx context.Context, accountID string, actor domain.Actor) ([]domain.BalancePoint, error)
	consistencyFn func(ctx context.Context) (bool, error)
}

func (s *ledgerServiceStub) CreateEntry(ctx context.Context, input usecase.CreateEntryInput) (*usecase.CreateEntryResult, error) {
	return s.createFn(ctx, input)
}

func (s *ledgerServiceStub) GetEntry(ctx context.Context, id string) (*domain.JournalEntry, error) {
	return s.getFn(ctx, id)
}

func (s *ledgerServiceStub) VerifyChain(ctx context.Context, id string) (*domain.ChainVerification, error) {
	return s.verifyFn(ctx, id)
}

func (s *ledgerServiceStub) ReverseEntry(ctx context.Context, input usecase.ReverseEntryInput) (*domain.JournalEntry, error) {
	return s.reverseFn(ctx, input)
}

func (s *ledgerServiceStub) VoidEntry(ctx context.Context, input usecase.VoidEntryInput) (*domain.JournalEntry, error) {
	return s.voidFn(ctx, input)
}

func (s *ledgerServiceStub) UpdateEntry(ctx context.Context, id string, patch domain.EntryPatch, actor domain.Actor) error {
	return s.updateFn(ctx, id, patch, actor)
}

func (s *ledgerServiceStub) DeleteEntry(ctx context.Context, id string, actor domain.Actor) error {
	return s.deleteFn(ctx, id, actor)
}

func (s *ledgerServiceStub) GetBalance(ctx context.Context, accountID string) (*domain.AccountBalance, error) {
	return s.balanceFn(ctx, accountID)
}

func (s *ledgerServiceStub) GetDimensionalBalances(ctx context.Context, accountID string) ([]*domain.DimensionalBalance, error) {
	return s.dimensionsFn(ctx, accountID)
}

func (s *ledgerServiceStub) GetBalanceHistory(ctx context.Context, accountID string, actor domain.Actor) ([]domain.BalancePoint, error) {
	return s.historyFn(ctx, accountID, actor)
}

func (s *ledgerServiceStub) CheckConsistency(ctx context.Context) (bool, error) {
	return s.consistencyFn(ctx)
}
