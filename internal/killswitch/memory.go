package killswitch

import (
	"context"
	"sort"
	"sync"

	"github.com/ppiankov/govgate/internal/model"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	switches map[string]Switch
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{switches: make(map[string]Switch)}
}

func (m *MemoryStore) Create(_ context.Context, s *Switch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.switches[s.ID] = *s
	return nil
}

func (m *MemoryStore) Update(_ context.Context, s *Switch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.switches[s.ID]; !ok {
		return model.ErrNotFound
	}
	m.switches[s.ID] = *s
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.switches, id)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Switch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.switches[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) FindActive(_ context.Context, scope model.Scope, target string) (*Switch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.switches {
		if s.Active && s.Scope == scope && s.Target == target {
			out := s
			return &out, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) List(_ context.Context, activeOnly bool) ([]Switch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Switch, 0, len(m.switches))
	for _, s := range m.switches {
		if activeOnly && !s.Active {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ActivatedAt.Equal(out[j].ActivatedAt) {
			return out[i].ActivatedAt.Before(out[j].ActivatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
