package change

import (
	"context"
	"sort"
	"sync"

	"github.com/ppiankov/govgate/internal/model"
)

// MemoryStore keeps change requests in process.
type MemoryStore struct {
	mu    sync.Mutex
	byID  map[string]*Request
	keys  map[string]string
	years map[int]int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*Request),
		keys:  make(map[string]string),
		years: make(map[int]int),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[r.ID]; ok {
		return model.ErrVersionConflict
	}
	if _, ok := m.keys[r.Key]; ok {
		return model.ErrVersionConflict
	}
	r.Version = 1
	m.byID[r.ID] = r.Clone()
	m.keys[r.Key] = r.ID
	return nil
}

func (m *MemoryStore) Update(_ context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[r.ID]
	if !ok {
		return model.ErrNotFound
	}
	if cur.Version != r.Version {
		return model.ErrVersionConflict
	}
	r.Version++
	m.byID[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return model.ErrNotFound
	}
	delete(m.keys, r.Key)
	delete(m.byID, id)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, idOrKey string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.keys[idOrKey]; ok {
		idOrKey = id
	}
	r, ok := m.byID[idOrKey]
	if !ok {
		return nil, model.ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Request
	for _, r := range m.byID {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.TenantID != "" && r.TenantID != f.TenantID {
			continue
		}
		out = append(out, *r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Key < out[j].Key
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) NextSeq(_ context.Context, year int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.years[year]++
	return m.years[year], nil
}
