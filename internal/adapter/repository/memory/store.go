// Package memory implements the repositories on process memory. A
// transaction holds the store lock until it ends, so transactions are fully
// serialized; rollback replays an undo log.
//
// Non-transactional reads take the lock themselves, so they must not be
// called while the same goroutine holds an open transaction.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/tidwall/btree"

	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/usecase"
)

var errForeignTx = errors.New("memory: transaction belongs to another store")

// Store holds every table of the memory backend.
type Store struct {
	mu sync.Mutex

	accounts   map[string]*domain.Account
	balances   map[string]*domain.AccountBalance
	dimensions map[string]map[string]*domain.DimensionalBalance

	entries     map[string]*domain.JournalEntry
	entryKeys   map[string]string
	postings    []*domain.JournalPosting
	postingsIdx map[string][]int

	sagas map[string]*domain.SagaState

	outbox    btree.Map[uint64, *domain.OutboxEvent]
	outboxSeq uint64
	outboxIdx map[string]uint64

	audit []*domain.AuditLog

	rules          []*domain.ComplianceRule
	authorizations []*domain.SweepAuthorization
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		accounts:    make(map[string]*domain.Account),
		balances:    make(map[string]*domain.AccountBalance),
		dimensions:  make(map[string]map[string]*domain.DimensionalBalance),
		entries:     make(map[string]*domain.JournalEntry),
		entryKeys:   make(map[string]string),
		postingsIdx: make(map[string][]int),
		sagas:       make(map[string]*domain.SagaState),
		outboxIdx:   make(map[string]uint64),
	}
}

// TxManager implements usecase.TransactionManager.
type TxManager struct {
	store *Store
}

// NewTxManager creates a new TxManager.
func NewTxManager(store *Store) *TxManager {
	return &TxManager{store: store}
}

// Begin locks the store until the transaction ends.
func (m *TxManager) Begin(ctx context.Context) (usecase.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.store.begin(), nil
}

// Tx is a memory transaction.
type Tx struct {
	store *Store
	undo  []func()
	done  bool
}

func (s *Store) begin() *Tx {
	s.mu.Lock()
	return &Tx{store: s}
}

// Commit keeps the changes and releases the store.
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return errors.New("memory: transaction already finished")
	}
	if err := ctx.Err(); err != nil {
		t.rollback()
		return err
	}
	t.done = true
	t.undo = nil
	t.store.mu.Unlock()
	return nil
}

// Rollback undoes the changes. It is a no-op after Commit.
func (t *Tx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.rollback()
	return nil
}

func (t *Tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.done = true
	t.store.mu.Unlock()
}

func (t *Tx) onRollback(fn func()) {
	t.undo = append(t.undo, fn)
}

// write runs fn inside tx, or inside a transaction of its own when tx is nil.
func (s *Store) write(ctx context.Context, tx usecase.Transaction, fn func(t *Tx) error) error {
	if tx != nil {
		t, ok := tx.(*Tx)
		if !ok || t.store != s {
			return errForeignTx
		}
		return fn(t)
	}

	t := s.begin()
	if err := fn(t); err != nil {
		t.rollback()
		return err
	}
	return t.Commit(ctx)
}

// read runs fn under the store lock.
func (s *Store) read(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}
