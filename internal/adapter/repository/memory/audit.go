package memory

import (
	"context"

	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/usecase"
)

// AuditRepository implements usecase.AuditRepository.
type AuditRepository struct {
	store *Store
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(store *Store) *AuditRepository {
	return &AuditRepository{store: store}
}

// Create appends an audit log in its own transaction.
func (r *AuditRepository) Create(ctx context.Context, log *domain.AuditLog) error {
	return r.CreateTx(ctx, nil, log)
}

// CreateTx appends an audit log inside tx.
func (r *AuditRepository) CreateTx(ctx context.Context, tx usecase.Transaction, log *domain.AuditLog) error {
	return r.store.write(ctx, tx, func(t *Tx) error {
		n := len(r.store.audit)
		r.store.audit = append(r.store.audit, cloneAudit(log))
		t.onRollback(func() { r.store.audit = r.store.audit[:n] })
		return nil
	})
}

// List returns audit logs matching filter, newest first.
func (r *AuditRepository) List(_ context.Context, filter domain.AuditFilter) ([]*domain.AuditLog, error) {
	var out []*domain.AuditLog
	r.store.read(func() {
		for i := len(r.store.audit) - 1; i >= 0; i-- {
			l := r.store.audit[i]
			if filter.ActorID != "" && l.ActorID != filter.ActorID {
				continue
			}
			if filter.Action != "" && l.Action != filter.Action {
				continue
			}
			if filter.ResourceType != "" && l.ResourceType != filter.ResourceType {
				continue
			}
			if filter.ResourceID != "" && l.ResourceID != filter.ResourceID {
				continue
			}
			if filter.StartDate != nil && l.CreatedAt.Before(*filter.StartDate) {
				continue
			}
			if filter.EndDate != nil && l.CreatedAt.After(*filter.EndDate) {
				continue
			}
			out = append(out, cloneAudit(l))
		}
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

// GetByResourceID returns the audit trail of a resource, oldest first.
func (r *AuditRepository) GetByResourceID(_ context.Context, resourceType, resourceID string) ([]*domain.AuditLog, error) {
	var out []*domain.AuditLog
	r.store.read(func() {
		for _, l := range r.store.audit {
			if l.ResourceType == resourceType && l.ResourceID == resourceID {
				out = append(out, cloneAudit(l))
			}
		}
	})
	return out, nil
}
