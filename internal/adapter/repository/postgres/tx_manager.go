package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/iho/sagaledger/internal/usecase"
)

var errForeignTx = errors.New("postgres: transaction was not started by this package")

// Querier is the query surface shared by *pgxpool.Pool, pgx.Tx and pgxmock.
type Querier interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgxPool interface {
	Begin(context.Context) (pgx.Tx, error)
}

// TxManager implements usecase.TransactionManager.
type TxManager struct {
	pool pgxPool
}

// NewTxManager creates a new TxManager.
func NewTxManager(pool pgxPool) *TxManager {
	return &TxManager{pool: pool}
}

// Begin starts a new transaction.
func (m *TxManager) Begin(ctx context.Context) (usecase.Transaction, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}

	return &Tx{tx: tx}, nil
}

// Tx wraps a pgx transaction.
type Tx struct {
	tx pgx.Tx
}

// Commit commits the transaction.
func (t *Tx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

// Rollback rolls back the transaction. Rolling back a finished transaction is a no-op.
func (t *Tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// PgxTx returns the underlying pgx.Tx.
func (t *Tx) PgxTx() pgx.Tx {
	return t.tx
}

// conn returns the querier for tx, falling back to db when tx is nil.
func conn(db Querier, tx usecase.Transaction) (Querier, error) {
	if tx == nil {
		return db, nil
	}
	t, ok := tx.(*Tx)
	if !ok {
		return nil, errForeignTx
	}
	return t.tx, nil
}

// inTx runs fn inside tx, or inside a transaction of its own when tx is nil.
func inTx(ctx context.Context, db Querier, tx usecase.Transaction, fn func(q Querier) error) error {
	if tx != nil {
		q, err := conn(db, tx)
		if err != nil {
			return err
		}
		return fn(q)
	}

	own, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(own); err != nil {
		_ = own.Rollback(ctx)
		return err
	}
	return own.Commit(ctx)
}
