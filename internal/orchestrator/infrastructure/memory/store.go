// Package memory is a process-local saga store for tests and single-node
// development runs.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/dmehra2102/commerce-order-platform/internal/orchestrator/application"
	"github.com/dmehra2102/commerce-order-platform/internal/orchestrator/domain"
)

type Store struct {
	mu     sync.Mutex
	sagas  map[string]domain.Saga
	outbox []application.Dispatch
}

func NewStore() *Store {
	return &Store{sagas: map[string]domain.Saga{}}
}

func (m *Store) Create(_ context.Context, s domain.Saga, out []application.Dispatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sagas {
		if existing.Name == s.Name && existing.OrderID == s.OrderID {
			return domain.ErrSagaExists
		}
	}
	m.sagas[s.ID] = s.Clone()
	m.outbox = append(m.outbox, out...)
	return nil
}

func (m *Store) Get(_ context.Context, id string) (domain.Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sagas[id]
	if !ok {
		return domain.Saga{}, domain.ErrSagaNotFound
	}
	return s.Clone(), nil
}

func (m *Store) GetByOrder(_ context.Context, name, orderID string) (domain.Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sagas {
		if s.Name == name && s.OrderID == orderID {
			return s.Clone(), nil
		}
	}
	return domain.Saga{}, domain.ErrSagaNotFound
}

func (m *Store) Update(_ context.Context, s domain.Saga, out []application.Dispatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sagas[s.ID]
	if !ok {
		return domain.ErrSagaNotFound
	}
	if cur.Version != s.Version-1 {
		return domain.ErrVersionConflict
	}
	m.sagas[s.ID] = s.Clone()
	m.outbox = append(m.outbox, out...)
	return nil
}

func (m *Store) Active(_ context.Context, limit int) ([]domain.Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Saga
	for _, s := range m.sagas {
		if !s.State.Terminal() {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Dispatched returns every command written so far, oldest first.
func (m *Store) Dispatched() []application.Dispatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]application.Dispatch(nil), m.outbox...)
}
