package ratelimit

import (
	"context"
	"sync"
	"time"
)

// sweepInterval is how often Allow drops keys whose windows have emptied.
const sweepInterval = time.Minute

type window struct {
	hits []time.Time
	size time.Duration
}

// MemoryCounter keeps hit timestamps per key in process memory.
type MemoryCounter struct {
	mu        sync.Mutex
	keys      map[string]*window
	lastSweep time.Time
}

// NewMemoryCounter returns an empty counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{keys: make(map[string]*window)}
}

func (m *MemoryCounter) Allow(_ context.Context, key string, limit int, size time.Duration, now time.Time) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.lastSweep) >= sweepInterval {
		m.sweep(now)
	}

	w := m.keys[key]
	if w == nil {
		w = &window{}
		m.keys[key] = w
	}
	w.size = size

	cutoff := now.Add(-size)
	kept := w.hits[:0]
	for _, t := range w.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.hits = kept

	if len(kept) >= limit {
		if len(kept) == 0 {
			delete(m.keys, key)
			return Result{Allowed: false, Limit: limit}, nil
		}
		return Result{
			Allowed:    false,
			Count:      len(kept),
			Limit:      limit,
			RetryAfter: kept[0].Add(size).Sub(now),
		}, nil
	}

	w.hits = append(kept, now)
	return Result{Allowed: true, Count: len(w.hits), Limit: limit}, nil
}

// Len returns the number of keys holding hits.
func (m *MemoryCounter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

// sweep deletes keys whose newest hit has left its window. Callers hold m.mu.
func (m *MemoryCounter) sweep(now time.Time) {
	for key, w := range m.keys {
		if len(w.hits) == 0 || !w.hits[len(w.hits)-1].After(now.Add(-w.size)) {
			delete(m.keys, key)
		}
	}
	m.lastSweep = now
}
