package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/usecase"
)

// SagaRepository implements usecase.SagaRepository.
type SagaRepository struct {
	store *Store
}

// NewSagaRepository creates a new SagaRepository.
func NewSagaRepository(store *Store) *SagaRepository {
	return &SagaRepository{store: store}
}

// Create inserts a saga.
func (r *SagaRepository) Create(ctx context.Context, tx usecase.Transaction, saga *domain.SagaState) error {
	return r.store.write(ctx, tx, func(t *Tx) error {
		if _, exists := r.store.sagas[saga.ID]; exists {
			return fmt.Errorf("saga %s already exists", saga.ID)
		}
		r.store.sagas[saga.ID] = cloneSaga(saga)
		t.onRollback(func() { delete(r.store.sagas, saga.ID) })
		return nil
	})
}

// GetByID retrieves a saga.
func (r *SagaRepository) GetByID(_ context.Context, id string) (*domain.SagaState, error) {
	var out *domain.SagaState
	r.store.read(func() {
		if s, ok := r.store.sagas[id]; ok {
			out = cloneSaga(s)
		}
	})
	if out == nil {
		return nil, domain.ErrSagaNotFound
	}
	return out, nil
}

// GetByIDForUpdate retrieves a saga inside tx.
func (r *SagaRepository) GetByIDForUpdate(ctx context.Context, tx usecase.Transaction, id string) (*domain.SagaState, error) {
	var out *domain.SagaState
	err := r.store.write(ctx, tx, func(*Tx) error {
		s, ok := r.store.sagas[id]
		if !ok {
			return domain.ErrSagaNotFound
		}
		out = cloneSaga(s)
		return nil
	})
	return out, err
}

// Update writes the saga when the stored version matches and bumps the version.
func (r *SagaRepository) Update(ctx context.Context, tx usecase.Transaction, saga *domain.SagaState) error {
	return r.store.write(ctx, tx, func(t *Tx) error {
		prev, ok := r.store.sagas[saga.ID]
		if !ok {
			return domain.ErrSagaNotFound
		}
		if prev.Version != saga.Version {
			return fmt.Errorf("%w: %s at version %d, have %d", domain.ErrSagaConflict, saga.ID, prev.Version, saga.Version)
		}

		saga.Version++
		r.store.sagas[saga.ID] = cloneSaga(saga)
		t.onRollback(func() {
			r.store.sagas[prev.ID] = prev
			saga.Version--
		})
		return nil
	})
}

// Touch refreshes the heartbeat.
func (r *SagaRepository) Touch(ctx context.Context, tx usecase.Transaction, id string, at time.Time) error {
	return r.store.write(ctx, tx, func(t *Tx) error {
		s, ok := r.store.sagas[id]
		if !ok {
			return domain.ErrSagaNotFound
		}
		prev := s.HeartbeatAt
		s.HeartbeatAt = at
		t.onRollback(func() { s.HeartbeatAt = prev })
		return nil
	})
}

// ListStale returns non-terminal sagas with a heartbeat before the cutoff,
// oldest heartbeat first.
func (r *SagaRepository) ListStale(_ context.Context, before time.Time, limit int) ([]*domain.SagaState, error) {
	var out []*domain.SagaState
	r.store.read(func() {
		for _, s := range r.store.sagas {
			if s.IsTerminal() || !s.HeartbeatAt.Before(before) {
				continue
			}
			out = append(out, cloneSaga(s))
		}
	})

	sort.Slice(out, func(i, j int) bool {
		if out[i].HeartbeatAt.Equal(out[j].HeartbeatAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].HeartbeatAt.Before(out[j].HeartbeatAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// List returns sagas matching filter, newest first.
func (r *SagaRepository) List(_ context.Context, filter domain.SagaFilter) ([]*domain.SagaState, error) {
	var out []*domain.SagaState
	r.store.read(func() {
		for _, s := range r.store.sagas {
			if filter.Status != "" && s.Status != filter.Status {
				continue
			}
			if filter.Name != "" && s.Name != filter.Name {
				continue
			}
			out = append(out, cloneSaga(s))
		}
	})

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
