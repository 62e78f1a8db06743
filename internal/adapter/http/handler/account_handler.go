package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/iho/sagaledger/internal/adapter/http/dto"
	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/usecase"
)

// AccountService defines the chart of accounts behavior needed by AccountHandler.
type AccountService interface {
	CreateAccount(ctx context.Context, input usecase.CreateAccountInput) (*domain.Account, error)
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
}

// BalanceService defines the balance reads needed by AccountHandler.
type BalanceService interface {
	GetBalance(ctx context.Context, accountID string) (*domain.AccountBalance, error)
	GetDimensionalBalances(ctx context.Context, accountID string) ([]*domain.DimensionalBalance, error)
	GetBalanceHistory(ctx context.Context, accountID string, actor domain.Actor) ([]domain.BalancePoint, error)
}

// AccountHandler handles account and balance requests.
type AccountHandler struct {
	accountUC AccountService
	balances  BalanceService
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(accountUC AccountService, balances BalanceService) *AccountHandler {
	return &AccountHandler{accountUC: accountUC, balances: balances}
}

// Create creates a new account.
func (h *AccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req dto.CreateAccountRequest
	if !decode(w, r, &req) {
		return
	}

	account, err := h.accountUC.CreateAccount(r.Context(), req.ToUseCaseInput())
	if err != nil {
		writeDomainError(w, "failed to create account", err)
		return
	}

	writeJSON(w, http.StatusCreated, dto.AccountFromDomain(account))
}

// Get retrieves an account by ID.
func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	account, err := h.accountUC.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "failed to get account", err)
		return
	}

	writeJSON(w, http.StatusOK, dto.AccountFromDomain(account))
}

// Balance returns the cached running balance.
func (h *AccountHandler) Balance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.balances.GetBalance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "failed to get balance", err)
		return
	}

	writeJSON(w, http.StatusOK, dto.BalanceFromDomain(balance))
}

// Dimensions returns the dimensional balance buckets.
func (h *AccountHandler) Dimensions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rows, err := h.balances.GetDimensionalBalances(r.Context(), id)
	if err != nil {
		writeDomainError(w, "failed to get dimensional balances", err)
		return
	}

	writeJSON(w, http.StatusOK, dto.DimensionalBalancesFromDomain(id, rows))
}

// History returns the balance after every posting. The read is audited
// under the calling actor.
func (h *AccountHandler) History(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	points, err := h.balances.GetBalanceHistory(r.Context(), id, actorFrom(r))
	if err != nil {
		writeDomainError(w, "failed to get balance history", err)
		return
	}

	writeJSON(w, http.StatusOK, dto.BalanceHistoryResponse{AccountID: id, Points: points})
}
