package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/usecase"
)

const accountColumns = `id, organization_id, name, kind, currency, bank_account_id,
	allow_negative_balance, created_at, updated_at`

// AccountRepository implements usecase.AccountRepository.
type AccountRepository struct {
	db Querier
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(db Querier) *AccountRepository {
	return &AccountRepository{db: db}
}

// Create inserts the account and its zero balance row.
func (r *AccountRepository) Create(ctx context.Context, tx usecase.Transaction, account *domain.Account) error {
	return inTx(ctx, r.db, tx, func(q Querier) error {
		_, err := q.Exec(ctx, `
			INSERT INTO accounts (`+accountColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			account.ID,
			account.OrganizationID,
			account.Name,
			string(account.Kind),
			account.Currency,
			account.BankAccountID,
			account.AllowNegativeBalance,
			account.CreatedAt,
			account.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err, "") {
				return fmt.Errorf("account %s already exists", account.ID)
			}
			return err
		}

		_, err = q.Exec(ctx, `
			INSERT INTO account_balances (account_id, balance, version, updated_at)
			VALUES ($1, 0, 1, $2)`,
			account.ID, account.CreatedAt,
		)
		return err
	})
}

// GetByID retrieves an account by ID.
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	row := r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)

	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}

	return account, nil
}

// GetByIDs retrieves the accounts that exist among ids.
func (r *AccountRepository) GetByIDs(ctx context.Context, ids []string) ([]*domain.Account, error) {
	rows, err := r.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make([]*domain.Account, 0, len(ids))
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}

	return accounts, rows.Err()
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var (
		a    domain.Account
		kind string
	)
	err := row.Scan(
		&a.ID,
		&a.OrganizationID,
		&a.Name,
		&kind,
		&a.Currency,
		&a.BankAccountID,
		&a.AllowNegativeBalance,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Kind = domain.AccountKind(kind)
	return &a, nil
}

// BalanceRepository implements usecase.BalanceRepository.
type BalanceRepository struct {
	db Querier
}

// NewBalanceRepository creates a new BalanceRepository.
func NewBalanceRepository(db Querier) *BalanceRepository {
	return &BalanceRepository{db: db}
}

// GetForUpdate locks the balance rows of ids. Rows are locked in ascending id
// order so concurrent postings cannot deadlock on each other.
func (r *BalanceRepository) GetForUpdate(ctx context.Context, tx usecase.Transaction, ids []string) (map[string]*domain.AccountBalance, error) {
	q, err := conn(r.db, tx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT account_id, balance::text, version, updated_at
		FROM account_balances
		WHERE account_id = ANY($1)
		ORDER BY account_id
		FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*domain.AccountBalance, len(ids))
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out[b.AccountID] = b
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, ok := out[id]; !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
		}
	}
	return out, nil
}

// Update writes the balance if the stored version matches and bumps the version.
func (r *BalanceRepository) Update(ctx context.Context, tx usecase.Transaction, balance *domain.AccountBalance) error {
	q, err := conn(r.db, tx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `
		UPDATE account_balances
		SET balance = $2, version = version + 1, updated_at = $3
		WHERE account_id = $1 AND version = $4`,
		balance.AccountID, balance.Balance.String(), balance.UpdatedAt, balance.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrBalanceConflict, balance.AccountID)
	}

	balance.Version++
	return nil
}

// ApplyDimensionalDelta adds delta to the dimensional row, creating it at zero.
func (r *BalanceRepository) ApplyDimensionalDelta(
	ctx context.Context,
	tx usecase.Transaction,
	accountID string,
	dims domain.Dimensions,
	delta decimal.Decimal,
	at time.Time,
) error {
	q, err := conn(r.db, tx)
	if err != nil {
		return err
	}

	_, err = q.Exec(ctx, `
		INSERT INTO dimensional_balances (
			account_id, dimension_key, property_id, unit_id, tenant_id, vendor_id, owner_id,
			balance, version, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9)
		ON CONFLICT (account_id, dimension_key) DO UPDATE
		SET balance = dimensional_balances.balance + EXCLUDED.balance,
		    version = dimensional_balances.version + 1,
		    updated_at = EXCLUDED.updated_at`,
		accountID, dims.Key(),
		dims.PropertyID, dims.UnitID, dims.TenantID, dims.VendorID, dims.OwnerID,
		delta.String(), at,
	)
	return err
}

// Get returns the balance of an account.
func (r *BalanceRepository) Get(ctx context.Context, accountID string) (*domain.AccountBalance, error) {
	row := r.db.QueryRow(ctx, `
		SELECT account_id, balance::text, version, updated_at
		FROM account_balances WHERE account_id = $1`, accountID)

	b, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return b, nil
}

// ListDimensional returns the dimensional balances of an account ordered by key.
func (r *BalanceRepository) ListDimensional(ctx context.Context, accountID string) ([]*domain.DimensionalBalance, error) {
	rows, err := r.db.Query(ctx, `
		SELECT account_id, dimension_key, property_id, unit_id, tenant_id, vendor_id, owner_id,
		       balance::text, version, updated_at
		FROM dimensional_balances
		WHERE account_id = $1
		ORDER BY dimension_key`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.DimensionalBalance
	for rows.Next() {
		var (
			b       domain.DimensionalBalance
			balance string
		)
		if err := rows.Scan(
			&b.AccountID,
			&b.DimensionKey,
			&b.Dimensions.PropertyID,
			&b.Dimensions.UnitID,
			&b.Dimensions.TenantID,
			&b.Dimensions.VendorID,
			&b.Dimensions.OwnerID,
			&balance,
			&b.Version,
			&b.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if b.Balance, err = decimal.NewFromString(balance); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}

	return out, rows.Err()
}

func scanBalance(row pgx.Row) (*domain.AccountBalance, error) {
	var (
		b       domain.AccountBalance
		balance string
	)
	if err := row.Scan(&b.AccountID, &balance, &b.Version, &b.UpdatedAt); err != nil {
		return nil, err
	}

	d, err := decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w", b.AccountID, err)
	}
	b.Balance = d
	return &b, nil
}
