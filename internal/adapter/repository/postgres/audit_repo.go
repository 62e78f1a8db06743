package postgres

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/usecase"
)

const auditColumns = `id, actor_id, actor_ip, action, resource_type, resource_id, trace_id,
	before_state, after_state, diff, status, error_message, created_at`

// AuditRepository implements audit log persistence
type AuditRepository struct {
	db Querier
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db Querier) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create inserts a new audit log entry outside any transaction
func (r *AuditRepository) Create(ctx context.Context, log *domain.AuditLog) error {
	return r.insert(ctx, r.db, log)
}

// CreateTx inserts a new audit log entry inside tx
func (r *AuditRepository) CreateTx(ctx context.Context, tx usecase.Transaction, log *domain.AuditLog) error {
	q, err := conn(r.db, tx)
	if err != nil {
		return err
	}
	return r.insert(ctx, q, log)
}

func (r *AuditRepository) insert(ctx context.Context, q Querier, log *domain.AuditLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}

	before, err := marshalNullable(log.BeforeState)
	if err != nil {
		return err
	}
	after, err := marshalNullable(log.AfterState)
	if err != nil {
		return err
	}
	var diff []byte
	if len(log.Diff) > 0 {
		if diff, err = json.Marshal(log.Diff); err != nil {
			return err
		}
	}

	_, err = q.Exec(ctx, `
		INSERT INTO audit_logs (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		log.ID,
		log.ActorID,
		log.ActorIP,
		string(log.Action),
		log.ResourceType,
		log.ResourceID,
		log.TraceID,
		before,
		after,
		diff,
		string(log.Status),
		log.ErrorMessage,
		log.CreatedAt,
	)
	return err
}

// List retrieves audit logs with filtering, newest first
func (r *AuditRepository) List(ctx context.Context, filter domain.AuditFilter) ([]*domain.AuditLog, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.ActorID != "" {
		where = append(where, "actor_id = "+arg(filter.ActorID))
	}
	if filter.Action != "" {
		where = append(where, "action = "+arg(string(filter.Action)))
	}
	if filter.ResourceType != "" {
		where = append(where, "resource_type = "+arg(filter.ResourceType))
	}
	if filter.ResourceID != "" {
		where = append(where, "resource_id = "+arg(filter.ResourceID))
	}
	if filter.StartDate != nil {
		where = append(where, "created_at >= "+arg(*filter.StartDate))
	}
	if filter.EndDate != nil {
		where = append(where, "created_at <= "+arg(*filter.EndDate))
	}

	query := `SELECT ` + auditColumns + ` FROM audit_logs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	return r.query(ctx, query, args...)
}

// GetByResourceID retrieves the audit trail of a resource, oldest first
func (r *AuditRepository) GetByResourceID(ctx context.Context, resourceType, resourceID string) ([]*domain.AuditLog, error) {
	return r.query(ctx, `
		SELECT `+auditColumns+` FROM audit_logs
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY created_at, id`, resourceType, resourceID)
}

func (r *AuditRepository) query(ctx context.Context, query string, args ...any) ([]*domain.AuditLog, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*domain.AuditLog
	for rows.Next() {
		var (
			log                 domain.AuditLog
			action, status      string
			before, after, diff []byte
		)

		err := rows.Scan(
			&log.ID,
			&log.ActorID,
			&log.ActorIP,
			&action,
			&log.ResourceType,
			&log.ResourceID,
			&log.TraceID,
			&before,
			&after,
			&diff,
			&status,
			&log.ErrorMessage,
			&log.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		log.Action = domain.AuditAction(action)
		log.Status = domain.AuditStatus(status)
		if before != nil {
			_ = json.Unmarshal(before, &log.BeforeState)
		}
		if after != nil {
			_ = json.Unmarshal(after, &log.AfterState)
		}
		if diff != nil {
			_ = json.Unmarshal(diff, &log.Diff)
		}

		logs = append(logs, &log)
	}

	return logs, rows.Err()
}

func marshalNullable(state domain.JSON) ([]byte, error) {
	if state == nil {
		return nil, nil
	}
	return json.Marshal(state)
}
