package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/usecase"
)

// OutboxRepository implements usecase.OutboxRepository. Events are kept in
// insertion order in a B-tree so claims are oldest first.
type OutboxRepository struct {
	store *Store
}

// NewOutboxRepository creates a new OutboxRepository.
func NewOutboxRepository(store *Store) *OutboxRepository {
	return &OutboxRepository{store: store}
}

// Create inserts an event.
func (r *OutboxRepository) Create(ctx context.Context, tx usecase.Transaction, event *domain.OutboxEvent) error {
	return r.store.write(ctx, tx, func(t *Tx) error {
		if _, exists := r.store.outboxIdx[event.ID]; exists {
			return fmt.Errorf("event %s already exists", event.ID)
		}

		r.store.outboxSeq++
		seq := r.store.outboxSeq
		r.store.outbox.Set(seq, cloneEvent(event))
		r.store.outboxIdx[event.ID] = seq

		t.onRollback(func() {
			r.store.outbox.Delete(seq)
			delete(r.store.outboxIdx, event.ID)
		})
		return nil
	})
}

// Claim leases up to limit claimable events, oldest first.
func (r *OutboxRepository) Claim(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*domain.OutboxEvent, error) {
	var out []*domain.OutboxEvent
	err := r.store.write(ctx, nil, func(t *Tx) error {
		r.store.outbox.Scan(func(_ uint64, e *domain.OutboxEvent) bool {
			if len(out) >= limit {
				return false
			}
			if !e.Claimable(now) {
				return true
			}

			prev := cloneEvent(e)
			lease := leaseUntil
			e.Status = domain.EventStatusProcessing
			e.LeaseUntil = &lease
			e.Attempts++
			t.onRollback(func() { *e = *prev })

			out = append(out, cloneEvent(e))
			return true
		})
		return nil
	})
	return out, err
}

// ParkExhausted fails processing events whose final lease expired.
func (r *OutboxRepository) ParkExhausted(ctx context.Context, now time.Time) ([]*domain.OutboxEvent, error) {
	var out []*domain.OutboxEvent
	err := r.store.write(ctx, nil, func(t *Tx) error {
		r.store.outbox.Scan(func(_ uint64, e *domain.OutboxEvent) bool {
			if !e.LeaseExhausted(now) {
				return true
			}

			prev := cloneEvent(e)
			e.Status = domain.EventStatusFailed
			e.LastError = domain.LeaseExpiredError
			e.LeaseUntil = nil
			t.onRollback(func() { *e = *prev })

			out = append(out, cloneEvent(e))
			return true
		})
		return nil
	})
	return out, err
}

// GetByID retrieves an event.
func (r *OutboxRepository) GetByID(_ context.Context, id string) (*domain.OutboxEvent, error) {
	var out *domain.OutboxEvent
	r.store.read(func() {
		if seq, ok := r.store.outboxIdx[id]; ok {
			if e, ok := r.store.outbox.Get(seq); ok {
				out = cloneEvent(e)
			}
		}
	})
	if out == nil {
		return nil, domain.ErrEventNotFound
	}
	return out, nil
}

// MarkProcessed marks an event processed.
func (r *OutboxRepository) MarkProcessed(ctx context.Context, id string, attempt int, at time.Time) error {
	return r.update(ctx, id, attempt, func(e *domain.OutboxEvent) {
		processed := at
		e.Status = domain.EventStatusProcessed
		e.ProcessedAt = &processed
		e.LeaseUntil = nil
	})
}

// Reschedule records a failed attempt.
func (r *OutboxRepository) Reschedule(ctx context.Context, id string, attempt int, status domain.EventStatus, lastError string, availableAt time.Time) error {
	return r.update(ctx, id, attempt, func(e *domain.OutboxEvent) {
		e.Status = status
		e.LastError = lastError
		e.AvailableAt = availableAt
		e.LeaseUntil = nil
	})
}

// update applies fn if the claim numbered attempt still holds the event.
func (r *OutboxRepository) update(ctx context.Context, id string, attempt int, fn func(e *domain.OutboxEvent)) error {
	return r.store.write(ctx, nil, func(t *Tx) error {
		seq, ok := r.store.outboxIdx[id]
		if !ok {
			return domain.ErrEventNotFound
		}
		e, _ := r.store.outbox.Get(seq)
		if e.Status != domain.EventStatusProcessing || e.Attempts != attempt {
			return domain.ErrStaleLease
		}
		prev := cloneEvent(e)
		fn(e)
		t.onRollback(func() { *e = *prev })
		return nil
	})
}

// CountActiveBySaga counts pending and processing events of a saga.
func (r *OutboxRepository) CountActiveBySaga(ctx context.Context, tx usecase.Transaction, sagaID string) (int, error) {
	n := 0
	err := r.store.write(ctx, tx, func(*Tx) error {
		r.store.outbox.Scan(func(_ uint64, e *domain.OutboxEvent) bool {
			if e.SagaID == sagaID && e.IsActive() {
				n++
			}
			return true
		})
		return nil
	})
	return n, err
}

// ListBySaga returns the events of a saga, oldest first.
func (r *OutboxRepository) ListBySaga(_ context.Context, sagaID string, limit, offset int) ([]*domain.OutboxEvent, error) {
	var out []*domain.OutboxEvent
	r.store.read(func() {
		r.store.outbox.Scan(func(_ uint64, e *domain.OutboxEvent) bool {
			if e.SagaID == sagaID {
				out = append(out, cloneEvent(e))
			}
			return true
		})
	})
	return paginate(out, limit, offset), nil
}

// DeleteProcessed removes processed events older than before.
func (r *OutboxRepository) DeleteProcessed(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	err := r.store.write(ctx, nil, func(*Tx) error {
		var seqs []uint64
		r.store.outbox.Scan(func(seq uint64, e *domain.OutboxEvent) bool {
			if e.Status == domain.EventStatusProcessed && e.ProcessedAt != nil && e.ProcessedAt.Before(before) {
				seqs = append(seqs, seq)
			}
			return true
		})
		for _, seq := range seqs {
			if e, ok := r.store.outbox.Delete(seq); ok {
				delete(r.store.outboxIdx, e.ID)
				deleted++
			}
		}
		return nil
	})
	return deleted, err
}
