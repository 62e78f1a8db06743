package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/usecase"
)

const outboxColumns = `id, event_type, aggregate_type, aggregate_id, payload, status, saga_id,
	trace_id, attempts, max_attempts, last_error, lease_until, available_at, created_at, processed_at`

// OutboxRepository implements usecase.OutboxRepository.
type OutboxRepository struct {
	db Querier
}

// NewOutboxRepository creates a new OutboxRepository.
func NewOutboxRepository(db Querier) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Create inserts an event within the caller's transaction.
func (r *OutboxRepository) Create(ctx context.Context, tx usecase.Transaction, event *domain.OutboxEvent) error {
	q, err := conn(r.db, tx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}

	_, err = q.Exec(ctx, `
		INSERT INTO event_outbox (`+outboxColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		event.ID,
		event.EventType,
		event.AggregateType,
		event.AggregateID,
		payload,
		string(event.Status),
		event.SagaID,
		event.TraceID,
		event.Attempts,
		event.MaxAttempts,
		event.LastError,
		event.LeaseUntil,
		event.AvailableAt,
		event.CreatedAt,
		event.ProcessedAt,
	)
	return err
}

// Claim leases up to limit claimable events, oldest first. Rows locked by
// another consumer are skipped.
func (r *OutboxRepository) Claim(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*domain.OutboxEvent, error) {
	rows, err := r.db.Query(ctx, `
		WITH due AS (
			SELECT id FROM event_outbox
			WHERE (status = 'pending' AND available_at <= $1)
			   OR (status = 'processing' AND lease_until < $1
			       AND (max_attempts <= 0 OR attempts < max_attempts))
			ORDER BY seq
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE event_outbox o
		SET status = 'processing', lease_until = $2, attempts = o.attempts + 1
		FROM due
		WHERE o.id = due.id
		RETURNING o.seq, `+prefixed("o.", outboxColumns), now, leaseUntil, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type claimed struct {
		seq   int64
		event *domain.OutboxEvent
	}
	var batch []claimed
	for rows.Next() {
		var seq int64
		e, err := scanOutboxEvent(rows, &seq)
		if err != nil {
			return nil, err
		}
		batch = append(batch, claimed{seq: seq, event: e})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not preserve the CTE order
	sort.Slice(batch, func(i, j int) bool { return batch[i].seq < batch[j].seq })
	out := make([]*domain.OutboxEvent, len(batch))
	for i, c := range batch {
		out[i] = c.event
	}
	return out, nil
}

// ParkExhausted fails processing events whose final lease expired.
func (r *OutboxRepository) ParkExhausted(ctx context.Context, now time.Time) ([]*domain.OutboxEvent, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE event_outbox
		SET status = 'failed', last_error = $2, lease_until = NULL
		WHERE status = 'processing' AND lease_until < $1
		  AND max_attempts > 0 AND attempts >= max_attempts
		RETURNING `+outboxColumns, now, domain.LeaseExpiredError)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.OutboxEvent
	for rows.Next() {
		e, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetByID retrieves an event.
func (r *OutboxRepository) GetByID(ctx context.Context, id string) (*domain.OutboxEvent, error) {
	e, err := scanOutboxEvent(r.db.QueryRow(ctx, `SELECT `+outboxColumns+` FROM event_outbox WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEventNotFound
		}
		return nil, err
	}
	return e, nil
}

// MarkProcessed marks an event processed.
func (r *OutboxRepository) MarkProcessed(ctx context.Context, id string, attempt int, at time.Time) error {
	return r.fenced(ctx, `
		UPDATE event_outbox
		SET status = 'processed', processed_at = $3, lease_until = NULL
		WHERE id = $1 AND status = 'processing' AND attempts = $2`, id, attempt, at)
}

// Reschedule records a failed attempt.
func (r *OutboxRepository) Reschedule(ctx context.Context, id string, attempt int, status domain.EventStatus, lastError string, availableAt time.Time) error {
	return r.fenced(ctx, `
		UPDATE event_outbox
		SET status = $3, last_error = $4, available_at = $5, lease_until = NULL
		WHERE id = $1 AND status = 'processing' AND attempts = $2`, id, attempt, string(status), lastError, availableAt)
}

// fenced runs an update whose $1 is id and $2 the claim attempt.
func (r *OutboxRepository) fenced(ctx context.Context, sql string, id string, args ...any) error {
	tag, err := r.db.Exec(ctx, sql, append([]any{id}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM event_outbox WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return domain.ErrEventNotFound
	}
	return domain.ErrStaleLease
}

// CountActiveBySaga counts pending and processing events of a saga.
func (r *OutboxRepository) CountActiveBySaga(ctx context.Context, tx usecase.Transaction, sagaID string) (int, error) {
	q, err := conn(r.db, tx)
	if err != nil {
		return 0, err
	}

	var n int
	err = q.QueryRow(ctx, `
		SELECT COUNT(*) FROM event_outbox
		WHERE saga_id = $1 AND status IN ('pending', 'processing')`, sagaID).Scan(&n)
	return n, err
}

// ListBySaga returns the events of a saga, oldest first.
func (r *OutboxRepository) ListBySaga(ctx context.Context, sagaID string, limit, offset int) ([]*domain.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+outboxColumns+` FROM event_outbox
		WHERE saga_id = $1
		ORDER BY seq
		LIMIT $2 OFFSET $3`, sagaID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.OutboxEvent
	for rows.Next() {
		e, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteProcessed removes processed events older than before.
func (r *OutboxRepository) DeleteProcessed(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM event_outbox
		WHERE status = 'processed' AND processed_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// scanOutboxEvent scans outboxColumns, preceded by the extra destinations.
func scanOutboxEvent(row pgx.Row, extra ...any) (*domain.OutboxEvent, error) {
	var (
		e       domain.OutboxEvent
		payload []byte
		status  string
	)
	dest := append(extra,
		&e.ID,
		&e.EventType,
		&e.AggregateType,
		&e.AggregateID,
		&payload,
		&status,
		&e.SagaID,
		&e.TraceID,
		&e.Attempts,
		&e.MaxAttempts,
		&e.LastError,
		&e.LeaseUntil,
		&e.AvailableAt,
		&e.CreatedAt,
		&e.ProcessedAt,
	)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	e.Status = domain.EventStatus(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

// prefixed qualifies every column of a column list with prefix.
func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = prefix + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
