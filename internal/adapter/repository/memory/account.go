package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/usecase"
)

// AccountRepository implements usecase.AccountRepository.
type AccountRepository struct {
	store *Store
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(store *Store) *AccountRepository {
	return &AccountRepository{store: store}
}

// Create inserts the account and its zero balance.
func (r *AccountRepository) Create(ctx context.Context, tx usecase.Transaction, account *domain.Account) error {
	return r.store.write(ctx, tx, func(t *Tx) error {
		if _, exists := r.store.accounts[account.ID]; exists {
			return fmt.Errorf("account %s already exists", account.ID)
		}

		r.store.accounts[account.ID] = cloneAccount(account)
		r.store.balances[account.ID] = &domain.AccountBalance{
			AccountID: account.ID,
			Balance:   decimal.Zero,
			Version:   1,
			UpdatedAt: account.CreatedAt,
		}
		t.onRollback(func() {
			delete(r.store.accounts, account.ID)
			delete(r.store.balances, account.ID)
		})
		return nil
	})
}

// GetByID retrieves an account by ID.
func (r *AccountRepository) GetByID(_ context.Context, id string) (*domain.Account, error) {
	var out *domain.Account
	r.store.read(func() {
		if a, ok := r.store.accounts[id]; ok {
			out = cloneAccount(a)
		}
	})
	if out == nil {
		return nil, domain.ErrAccountNotFound
	}
	return out, nil
}

// GetByIDs retrieves the accounts that exist among ids.
func (r *AccountRepository) GetByIDs(_ context.Context, ids []string) ([]*domain.Account, error) {
	var out []*domain.Account
	r.store.read(func() {
		for _, id := range ids {
			if a, ok := r.store.accounts[id]; ok {
				out = append(out, cloneAccount(a))
			}
		}
	})
	return out, nil
}

// BalanceRepository implements usecase.BalanceRepository.
type BalanceRepository struct {
	store *Store
}

// NewBalanceRepository creates a new BalanceRepository.
func NewBalanceRepository(store *Store) *BalanceRepository {
	return &BalanceRepository{store: store}
}

// GetForUpdate returns the balances of ids. The store lock held by tx already
// excludes other writers.
func (r *BalanceRepository) GetForUpdate(ctx context.Context, tx usecase.Transaction, ids []string) (map[string]*domain.AccountBalance, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	out := make(map[string]*domain.AccountBalance, len(sorted))
	err := r.store.write(ctx, tx, func(*Tx) error {
		for _, id := range sorted {
			b, ok := r.store.balances[id]
			if !ok {
				return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
			}
			out[id] = cloneBalance(b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update writes the balance if the stored version matches.
func (r *BalanceRepository) Update(ctx context.Context, tx usecase.Transaction, balance *domain.AccountBalance) error {
	return r.store.write(ctx, tx, func(t *Tx) error {
		current, ok := r.store.balances[balance.AccountID]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, balance.AccountID)
		}
		if current.Version != balance.Version {
			return domain.ErrBalanceConflict
		}

		prev := cloneBalance(current)
		next := cloneBalance(balance)
		next.Version++
		r.store.balances[balance.AccountID] = next
		balance.Version = next.Version
		t.onRollback(func() { r.store.balances[prev.AccountID] = prev })
		return nil
	})
}

// ApplyDimensionalDelta adds delta to the dimensional balance, creating it.
func (r *BalanceRepository) ApplyDimensionalDelta(
	ctx context.Context,
	tx usecase.Transaction,
	accountID string,
	dims domain.Dimensions,
	delta decimal.Decimal,
	at time.Time,
) error {
	key := dims.Key()
	return r.store.write(ctx, tx, func(t *Tx) error {
		rows := r.store.dimensions[accountID]
		if rows == nil {
			rows = make(map[string]*domain.DimensionalBalance)
			r.store.dimensions[accountID] = rows
		}

		prev, existed := rows[key]
		next := &domain.DimensionalBalance{
			AccountID:    accountID,
			Dimensions:   dims,
			DimensionKey: key,
			Balance:      delta,
			Version:      1,
			UpdatedAt:    at,
		}
		if existed {
			next.Balance = prev.Balance.Add(delta)
			next.Version = prev.Version + 1
		}
		rows[key] = next

		t.onRollback(func() {
			if existed {
				rows[key] = prev
			} else {
				delete(rows, key)
			}
		})
		return nil
	})
}

// Get returns the balance of an account.
func (r *BalanceRepository) Get(_ context.Context, accountID string) (*domain.AccountBalance, error) {
	var out *domain.AccountBalance
	r.store.read(func() {
		if b, ok := r.store.balances[accountID]; ok {
			out = cloneBalance(b)
		}
	})
	if out == nil {
		return nil, domain.ErrAccountNotFound
	}
	return out, nil
}

// ListDimensional returns the dimensional balances of an account ordered by key.
func (r *BalanceRepository) ListDimensional(_ context.Context, accountID string) ([]*domain.DimensionalBalance, error) {
	var out []*domain.DimensionalBalance
	r.store.read(func() {
		for _, b := range r.store.dimensions[accountID] {
			out = append(out, cloneDimensional(b))
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].DimensionKey < out[j].DimensionKey })
	return out, nil
}
