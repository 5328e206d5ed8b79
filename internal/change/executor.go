package change

import (
	"context"
	"sync"
)

// Executor performs an approved change. It is an external collaborator:
// this package only bounds and records the call.
type Executor interface {
	Execute(ctx context.Context, r *Request) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, r *Request) error

func (f ExecutorFunc) Execute(ctx context.Context, r *Request) error { return f(ctx, r) }

// NoopExecutor succeeds without doing anything.
type NoopExecutor struct{}

func (NoopExecutor) Execute(context.Context, *Request) error { return nil }

// keyedMutex serializes work per change id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
