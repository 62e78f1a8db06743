package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/usecase"
)

const entryColumns = `id, organization_id, period_id, entry_date, effective_date, description,
	source_type, source_id, COALESCE(idempotency_key, ''), trace_id, is_reversal,
	reverses_entry_id, reversed_by_entry_id, is_voided, voided_at, voided_by, void_reason,
	created_by, created_ip, created_at, version`

const postingColumns = `id, entry_id, seq, account_id, amount::text, balance_before::text,
	balance_after::text, property_id, unit_id, tenant_id, vendor_id, owner_id, created_at`

const idempotencyConstraint = "journal_entries_idempotency_key_key"

// JournalRepository implements usecase.JournalRepository.
type JournalRepository struct {
	db Querier
}

// NewJournalRepository creates a new JournalRepository.
func NewJournalRepository(db Querier) *JournalRepository {
	return &JournalRepository{db: db}
}

// Create inserts the entry and its postings.
func (r *JournalRepository) Create(ctx context.Context, tx usecase.Transaction, entry *domain.JournalEntry) error {
	return inTx(ctx, r.db, tx, func(q Querier) error {
		var key *string
		if entry.IdempotencyKey != "" {
			key = &entry.IdempotencyKey
		}

		_, err := q.Exec(ctx, `
			INSERT INTO journal_entries (
				id, organization_id, period_id, entry_date, effective_date, description,
				source_type, source_id, idempotency_key, trace_id, is_reversal,
				reverses_entry_id, created_by, created_ip, created_at, version
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			entry.ID,
			entry.OrganizationID,
			entry.PeriodID,
			entry.EntryDate,
			entry.EffectiveDate,
			entry.Description,
			entry.Source.Type,
			entry.Source.ID,
			key,
			entry.TraceID,
			entry.IsReversal,
			entry.ReversesEntryID,
			entry.CreatedBy,
			entry.CreatedIP,
			entry.CreatedAt,
			entry.Version,
		)
		if err != nil {
			if isUniqueViolation(err, idempotencyConstraint) {
				return domain.ErrDuplicateEntry
			}
			return err
		}

		for _, p := range entry.Postings {
			_, err := q.Exec(ctx, `
				INSERT INTO journal_postings (
					id, entry_id, seq, account_id, amount, balance_before, balance_after,
					property_id, unit_id, tenant_id, vendor_id, owner_id, created_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
				p.ID, entry.ID, p.Seq, p.AccountID,
				p.Amount.String(), p.BalanceBefore.String(), p.BalanceAfter.String(),
				p.Dimensions.PropertyID, p.Dimensions.UnitID, p.Dimensions.TenantID,
				p.Dimensions.VendorID, p.Dimensions.OwnerID,
				p.CreatedAt,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// GetByID retrieves an entry with its postings.
func (r *JournalRepository) GetByID(ctx context.Context, id string) (*domain.JournalEntry, error) {
	return r.get(ctx, r.db, `SELECT `+entryColumns+` FROM journal_entries WHERE id = $1`, id)
}

// GetByIDForUpdate retrieves an entry and locks its row.
func (r *JournalRepository) GetByIDForUpdate(ctx context.Context, tx usecase.Transaction, id string) (*domain.JournalEntry, error) {
	q, err := conn(r.db, tx)
	if err != nil {
		return nil, err
	}
	return r.get(ctx, q, `SELECT `+entryColumns+` FROM journal_entries WHERE id = $1 FOR UPDATE`, id)
}

// GetByIdempotencyKey retrieves the entry created under key.
func (r *JournalRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.JournalEntry, error) {
	return r.get(ctx, r.db, `SELECT `+entryColumns+` FROM journal_entries WHERE idempotency_key = $1`, key)
}

func (r *JournalRepository) get(ctx context.Context, q Querier, sql string, arg string) (*domain.JournalEntry, error) {
	entry, err := scanEntry(q.QueryRow(ctx, sql, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEntryNotFound
		}
		return nil, err
	}

	rows, err := q.Query(ctx, `SELECT `+postingColumns+` FROM journal_postings WHERE entry_id = $1 ORDER BY seq`, entry.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPosting(rows)
		if err != nil {
			return nil, err
		}
		entry.Postings = append(entry.Postings, p)
	}
	return entry, rows.Err()
}

// SetReversedBy links the entry to its reversal once.
func (r *JournalRepository) SetReversedBy(ctx context.Context, tx usecase.Transaction, id, reversalID string) error {
	q, err := conn(r.db, tx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `
		UPDATE journal_entries
		SET reversed_by_entry_id = $2, version = version + 1
		WHERE id = $1 AND reversed_by_entry_id IS NULL`, id, reversalID)
	if err != nil {
		return immutabilityFromPg(err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOr(ctx, q, id, domain.ErrAlreadyReversed)
	}
	return nil
}

// MarkVoided sets the void fields once.
func (r *JournalRepository) MarkVoided(ctx context.Context, tx usecase.Transaction, id string, void domain.VoidInfo) error {
	q, err := conn(r.db, tx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `
		UPDATE journal_entries
		SET is_voided = TRUE, voided_at = $2, voided_by = $3, void_reason = $4, version = version + 1
		WHERE id = $1 AND NOT is_voided`, id, void.At, void.By, void.Reason)
	if err != nil {
		return immutabilityFromPg(err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOr(ctx, q, id, domain.ErrAlreadyVoided)
	}
	return nil
}

// missingOr tells a missing entry apart from one whose guard failed.
func (r *JournalRepository) missingOr(ctx context.Context, q Querier, id string, guard error) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM journal_entries WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return domain.ErrEntryNotFound
	}
	return fmt.Errorf("%w: %s", guard, id)
}

// ListPostingsByAccount returns the postings of an account in write order.
func (r *JournalRepository) ListPostingsByAccount(ctx context.Context, accountID string) ([]*domain.JournalPosting, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+postingColumns+`
		FROM journal_postings
		WHERE account_id = $1
		ORDER BY write_seq`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.JournalPosting
	for rows.Next() {
		p, err := scanPosting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanEntry(row pgx.Row) (*domain.JournalEntry, error) {
	var (
		e        domain.JournalEntry
		voidedAt *time.Time
		voidedBy string
		reason   string
	)
	err := row.Scan(
		&e.ID,
		&e.OrganizationID,
		&e.PeriodID,
		&e.EntryDate,
		&e.EffectiveDate,
		&e.Description,
		&e.Source.Type,
		&e.Source.ID,
		&e.IdempotencyKey,
		&e.TraceID,
		&e.IsReversal,
		&e.ReversesEntryID,
		&e.ReversedByEntryID,
		&e.IsVoided,
		&voidedAt,
		&voidedBy,
		&reason,
		&e.CreatedBy,
		&e.CreatedIP,
		&e.CreatedAt,
		&e.Version,
	)
	if err != nil {
		return nil, err
	}

	if e.IsVoided && voidedAt != nil {
		e.Void = &domain.VoidInfo{At: *voidedAt, By: voidedBy, Reason: reason}
	}
	return &e, nil
}

func scanPosting(row pgx.Row) (*domain.JournalPosting, error) {
	var (
		p                      domain.JournalPosting
		amount, before, after string
	)
	err := row.Scan(
		&p.ID,
		&p.EntryID,
		&p.Seq,
		&p.AccountID,
		&amount,
		&before,
		&after,
		&p.Dimensions.PropertyID,
		&p.Dimensions.UnitID,
		&p.Dimensions.TenantID,
		&p.Dimensions.VendorID,
		&p.Dimensions.OwnerID,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&p.Amount, amount}, {&p.BalanceBefore, before}, {&p.BalanceAfter, after}} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return nil, fmt.Errorf("posting %s: %w", p.ID, err)
		}
		*f.dst = d
	}
	return &p, nil
}

// immutabilityFromPg maps a trigger rejection to ErrImmutabilityViolation.
func immutabilityFromPg(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgErrRaiseException {
		return fmt.Errorf("%w: %s", domain.ErrImmutabilityViolation, pgErr.Message)
	}
	return err
}
