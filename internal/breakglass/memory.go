package breakglass

import (
	"context"
	"sort"
	"sync"

	"github.com/ppiankov/govgate/internal/model"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[string]Grant
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[string]Grant)}
}

func (m *MemoryStore) Create(_ context.Context, g *Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[g.ID] = *g
	return nil
}

func (m *MemoryStore) Update(_ context.Context, g *Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.grants[g.ID]; !ok {
		return model.ErrNotFound
	}
	m.grants[g.ID] = *g
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.grants[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &g, nil
}

func (m *MemoryStore) ListOpen(ctx context.Context) ([]Grant, error) {
	all, _ := m.List(ctx)
	out := all[:0]
	for _, g := range all {
		if g.RevokedAt == nil && !g.ExpiryRecorded {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *MemoryStore) List(_ context.Context) ([]Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Grant, 0, len(m.grants))
	for _, g := range m.grants {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].GrantedAt.Equal(out[j].GrantedAt) {
			return out[i].GrantedAt.Before(out[j].GrantedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
