package memory

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/usecase"
)

// JournalRepository implements usecase.JournalRepository.
type JournalRepository struct {
	store *Store
}

// NewJournalRepository creates a new JournalRepository.
func NewJournalRepository(store *Store) *JournalRepository {
	return &JournalRepository{store: store}
}

// Create inserts the entry and its postings.
func (r *JournalRepository) Create(ctx context.Context, tx usecase.Transaction, entry *domain.JournalEntry) error {
	return r.store.write(ctx, tx, func(t *Tx) error {
		if _, exists := r.store.entries[entry.ID]; exists {
			return fmt.Errorf("entry %s already exists", entry.ID)
		}
		if entry.IdempotencyKey != "" {
			if _, taken := r.store.entryKeys[entry.IdempotencyKey]; taken {
				return domain.ErrDuplicateEntry
			}
			r.store.entryKeys[entry.IdempotencyKey] = entry.ID
		}

		stored := cloneEntry(entry)
		r.store.entries[entry.ID] = stored

		postingsLen := len(r.store.postings)
		touched := make(map[string]int)
		for _, p := range stored.Postings {
			if _, ok := touched[p.AccountID]; !ok {
				touched[p.AccountID] = len(r.store.postingsIdx[p.AccountID])
			}
			r.store.postingsIdx[p.AccountID] = append(r.store.postingsIdx[p.AccountID], len(r.store.postings))
			r.store.postings = append(r.store.postings, p)
		}

		t.onRollback(func() {
			delete(r.store.entries, entry.ID)
			if entry.IdempotencyKey != "" {
				delete(r.store.entryKeys, entry.IdempotencyKey)
			}
			r.store.postings = r.store.postings[:postingsLen]
			for accountID, n := range touched {
				r.store.postingsIdx[accountID] = r.store.postingsIdx[accountID][:n]
			}
		})
		return nil
	})
}

// GetByID retrieves an entry with its postings.
func (r *JournalRepository) GetByID(_ context.Context, id string) (*domain.JournalEntry, error) {
	var out *domain.JournalEntry
	r.store.read(func() {
		if e, ok := r.store.entries[id]; ok {
			out = cloneEntry(e)
		}
	})
	if out == nil {
		return nil, domain.ErrEntryNotFound
	}
	return out, nil
}

// GetByIDForUpdate retrieves an entry inside tx.
func (r *JournalRepository) GetByIDForUpdate(ctx context.Context, tx usecase.Transaction, id string) (*domain.JournalEntry, error) {
	var out *domain.JournalEntry
	err := r.store.write(ctx, tx, func(*Tx) error {
		e, ok := r.store.entries[id]
		if !ok {
			return domain.ErrEntryNotFound
		}
		out = cloneEntry(e)
		return nil
	})
	return out, err
}

// GetByIdempotencyKey retrieves the entry written under key.
func (r *JournalRepository) GetByIdempotencyKey(_ context.Context, key string) (*domain.JournalEntry, error) {
	var out *domain.JournalEntry
	r.store.read(func() {
		if id, ok := r.store.entryKeys[key]; ok {
			out = cloneEntry(r.store.entries[id])
		}
	})
	if out == nil {
		return nil, domain.ErrEntryNotFound
	}
	return out, nil
}

// SetReversedBy links an entry to its reversal once.
func (r *JournalRepository) SetReversedBy(ctx context.Context, tx usecase.Transaction, id, reversalID string) error {
	return r.store.write(ctx, tx, func(t *Tx) error {
		e, ok := r.store.entries[id]
		if !ok {
			return domain.ErrEntryNotFound
		}
		if e.ReversedByEntryID != nil {
			return fmt.Errorf("%w: %s", domain.ErrAlreadyReversed, id)
		}

		link := reversalID
		e.ReversedByEntryID = &link
		e.Version++
		t.onRollback(func() {
			e.ReversedByEntryID = nil
			e.Version--
		})
		return nil
	})
}

// MarkVoided sets the void fields once.
func (r *JournalRepository) MarkVoided(ctx context.Context, tx usecase.Transaction, id string, void domain.VoidInfo) error {
	return r.store.write(ctx, tx, func(t *Tx) error {
		e, ok := r.store.entries[id]
		if !ok {
			return domain.ErrEntryNotFound
		}
		if e.IsVoided {
			return fmt.Errorf("%w: %s", domain.ErrAlreadyVoided, id)
		}

		v := void
		e.IsVoided = true
		e.Void = &v
		e.Version++
		t.onRollback(func() {
			e.IsVoided = false
			e.Void = nil
			e.Version--
		})
		return nil
	})
}

// ListPostingsByAccount returns the postings of an account in write order.
func (r *JournalRepository) ListPostingsByAccount(_ context.Context, accountID string) ([]*domain.JournalPosting, error) {
	var out []*domain.JournalPosting
	r.store.read(func() {
		for _, i := range r.store.postingsIdx[accountID] {
			out = append(out, clonePosting(r.store.postings[i]))
		}
	})
	return out, nil
}

// LedgerRepository implements usecase.LedgerRepository.
type LedgerRepository struct {
	store *Store
}

// NewLedgerRepository creates a new LedgerRepository.
func NewLedgerRepository(store *Store) *LedgerRepository {
	return &LedgerRepository{store: store}
}

// CheckConsistency sums every cached balance and every posting amount.
func (r *LedgerRepository) CheckConsistency(_ context.Context) (decimal.Decimal, decimal.Decimal, error) {
	totalBalance, totalAmount := decimal.Zero, decimal.Zero
	r.store.read(func() {
		for _, b := range r.store.balances {
			totalBalance = totalBalance.Add(b.Balance)
		}
		for _, p := range r.store.postings {
			totalAmount = totalAmount.Add(p.Amount)
		}
	})
	return totalBalance, totalAmount, nil
}
