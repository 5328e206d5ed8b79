package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/ppiankov/govgate/internal/model"
)

// MemoryStore keeps the chain in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	events   []Event
	byID     map[string]int
	failNext int
}

// NewMemoryStore returns an empty chain.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]int)}
}

// ErrInjected is returned by appends failed through FailAppends.
var ErrInjected = errors.New("ledger: injected append failure")

// FailAppends makes the next n appends fail with ErrInjected.
func (m *MemoryStore) FailAppends(n int) {
	m.mu.Lock()
	m.failNext = n
	m.mu.Unlock()
}

func (m *MemoryStore) Append(_ context.Context, build BuildFunc) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext > 0 {
		m.failNext--
		return nil, ErrInjected
	}

	var tail *Event
	if n := len(m.events); n > 0 {
		t := m.events[n-1]
		tail = &t
	}
	e, err := build(tail)
	if err != nil {
		return nil, err
	}
	m.byID[e.ID] = len(m.events)
	m.events = append(m.events, *e)
	out := *e
	return &out, nil
}

func (m *MemoryStore) Tail(_ context.Context) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil, nil
	}
	e := m.events[len(m.events)-1]
	return &e, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byID[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	e := m.events[i]
	return &e, nil
}

func (m *MemoryStore) List(_ context.Context, afterSeq int64, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sliceAfter(m.events, afterSeq, limit), nil
}

// sliceAfter relies on Seq == index+1 for chains built by this package.
func sliceAfter(events []Event, afterSeq int64, limit int) []Event {
	start := int(afterSeq)
	if start < 0 {
		start = 0
	}
	if start >= len(events) {
		return nil
	}
	end := len(events)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]Event, end-start)
	copy(out, events[start:end])
	return out
}
