package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/usecase"
)

const sagaColumns = `id, name, organization_id, steps, current_step, payload_type, payload,
	status, error_message, failed_step, compensations, heartbeat_at, timeout_at, trace_id,
	version, created_at, updated_at`

// A failed saga with a failed step still owes compensation.
const sagaNotTerminal = `(status IN ('pending', 'running', 'compensating')
	OR (status = 'failed' AND failed_step <> ''))`

// SagaRepository implements usecase.SagaRepository.
type SagaRepository struct {
	db Querier
}

// NewSagaRepository creates a new SagaRepository.
func NewSagaRepository(db Querier) *SagaRepository {
	return &SagaRepository{db: db}
}

// Create inserts a saga.
func (r *SagaRepository) Create(ctx context.Context, tx usecase.Transaction, saga *domain.SagaState) error {
	q, err := conn(r.db, tx)
	if err != nil {
		return err
	}

	compensations, err := marshalCompensations(saga.Compensations)
	if err != nil {
		return err
	}

	_, err = q.Exec(ctx, `
		INSERT INTO saga_state (`+sagaColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		saga.ID,
		saga.Name,
		saga.OrganizationID,
		saga.Steps,
		saga.CurrentStep,
		saga.PayloadType,
		[]byte(saga.Payload),
		string(saga.Status),
		saga.ErrorMessage,
		saga.FailedStep,
		compensations,
		saga.HeartbeatAt,
		saga.TimeoutAt,
		saga.TraceID,
		saga.Version,
		saga.CreatedAt,
		saga.UpdatedAt,
	)
	return err
}

// GetByID retrieves a saga.
func (r *SagaRepository) GetByID(ctx context.Context, id string) (*domain.SagaState, error) {
	return getSaga(ctx, r.db, `SELECT `+sagaColumns+` FROM saga_state WHERE id = $1`, id)
}

// GetByIDForUpdate retrieves a saga and locks its row.
func (r *SagaRepository) GetByIDForUpdate(ctx context.Context, tx usecase.Transaction, id string) (*domain.SagaState, error) {
	q, err := conn(r.db, tx)
	if err != nil {
		return nil, err
	}
	return getSaga(ctx, q, `SELECT `+sagaColumns+` FROM saga_state WHERE id = $1 FOR UPDATE`, id)
}

func getSaga(ctx context.Context, q Querier, sql, id string) (*domain.SagaState, error) {
	saga, err := scanSaga(q.QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSagaNotFound
		}
		return nil, err
	}
	return saga, nil
}

// Update writes the saga when the stored version matches and bumps the version.
func (r *SagaRepository) Update(ctx context.Context, tx usecase.Transaction, saga *domain.SagaState) error {
	q, err := conn(r.db, tx)
	if err != nil {
		return err
	}

	compensations, err := marshalCompensations(saga.Compensations)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `
		UPDATE saga_state
		SET current_step = $2, payload = $3, status = $4, error_message = $5, failed_step = $6,
		    compensations = $7, heartbeat_at = $8, timeout_at = $9, updated_at = $10,
		    version = version + 1
		WHERE id = $1 AND version = $11`,
		saga.ID,
		saga.CurrentStep,
		[]byte(saga.Payload),
		string(saga.Status),
		saga.ErrorMessage,
		saga.FailedStep,
		compensations,
		saga.HeartbeatAt,
		saga.TimeoutAt,
		saga.UpdatedAt,
		saga.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var current int64
		err := q.QueryRow(ctx, `SELECT version FROM saga_state WHERE id = $1`, saga.ID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrSagaNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s at version %d, have %d", domain.ErrSagaConflict, saga.ID, current, saga.Version)
	}

	saga.Version++
	return nil
}

// Touch refreshes the heartbeat without changing the version.
func (r *SagaRepository) Touch(ctx context.Context, tx usecase.Transaction, id string, at time.Time) error {
	q, err := conn(r.db, tx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `UPDATE saga_state SET heartbeat_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSagaNotFound
	}
	return nil
}

// ListStale returns non-terminal sagas with a heartbeat before the cutoff,
// oldest heartbeat first.
func (r *SagaRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]*domain.SagaState, error) {
	sql := `SELECT ` + sagaColumns + ` FROM saga_state
		WHERE ` + sagaNotTerminal + ` AND heartbeat_at < $1
		ORDER BY heartbeat_at, id`
	args := []any{before}
	if limit > 0 {
		sql += ` LIMIT $2`
		args = append(args, limit)
	}
	return querySagas(ctx, r.db, sql, args...)
}

// List returns sagas matching filter, newest first.
func (r *SagaRepository) List(ctx context.Context, filter domain.SagaFilter) ([]*domain.SagaState, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.Status != "" {
		where = append(where, "status = "+arg(string(filter.Status)))
	}
	if filter.Name != "" {
		where = append(where, "name = "+arg(filter.Name))
	}

	sql := `SELECT ` + sagaColumns + ` FROM saga_state`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		sql += ` LIMIT ` + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		sql += ` OFFSET ` + arg(filter.Offset)
	}

	return querySagas(ctx, r.db, sql, args...)
}

func querySagas(ctx context.Context, q Querier, sql string, args ...any) ([]*domain.SagaState, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.SagaState
	for rows.Next() {
		s, err := scanSaga(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSaga(row pgx.Row) (*domain.SagaState, error) {
	var (
		s             domain.SagaState
		status        string
		payload       []byte
		compensations []byte
	)
	err := row.Scan(
		&s.ID,
		&s.Name,
		&s.OrganizationID,
		&s.Steps,
		&s.CurrentStep,
		&s.PayloadType,
		&payload,
		&status,
		&s.ErrorMessage,
		&s.FailedStep,
		&compensations,
		&s.HeartbeatAt,
		&s.TimeoutAt,
		&s.TraceID,
		&s.Version,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Status = domain.SagaStatus(status)
	s.Payload = json.RawMessage(payload)
	if len(compensations) > 0 {
		if err := json.Unmarshal(compensations, &s.Compensations); err != nil {
			return nil, fmt.Errorf("saga %s compensations: %w", s.ID, err)
		}
	}
	return &s, nil
}

func marshalCompensations(records []domain.CompensationRecord) ([]byte, error) {
	if records == nil {
		records = []domain.CompensationRecord{}
	}
	return json.Marshal(records)
}
