package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// FUTURE - Shared outcome of one execution
// =============================================================================

// Future is the shared outcome of a pending operation. Every caller that
// joins it observes the same value or error.
type Future struct {
	key       Key
	startedAt time.Time
	done      chan struct{}

	value json.RawMessage
	err   error
}

func (f *Future) Key() Key             { return f.key }
func (f *Future) StartedAt() time.Time { return f.startedAt }

// Done is closed once the outcome is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the operation settles or ctx ends. Leaving early does
// not cancel the operation.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// =============================================================================
// REGISTRY - In-memory in-flight table
// =============================================================================

// Registry coalesces concurrent calls that share a key. It lives in memory
// only; a restart forgets it, which is why the outcome cache exists.
type Registry struct {
	mu      sync.Mutex
	pending map[Key]*Future
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		pending: make(map[Key]*Future),
		now:     time.Now,
	}
}

// Register returns the existing future for key (joined=true) or starts
// factory and returns its new future. The entry is removed when the
// future settles, whatever the outcome.
func (r *Registry) Register(key Key, factory func() (json.RawMessage, error)) (f *Future, joined bool) {
	r.mu.Lock()
	if existing, ok := r.pending[key]; ok {
		r.mu.Unlock()
		return existing, true
	}
	f = &Future{
		key:       key,
		startedAt: r.now(),
		done:      make(chan struct{}),
	}
	r.pending[key] = f
	r.mu.Unlock()

	go r.run(f, factory)
	return f, false
}

// Lookup returns the in-flight future for key, if any.
func (r *Registry) Lookup(key Key) (*Future, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.pending[key]
	return f, ok
}

// Len reports how many operations are in flight.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Registry) run(f *Future, factory func() (json.RawMessage, error)) {
	defer func() {
		if p := recover(); p != nil {
			f.value, f.err = nil, &FatalError{Reason: "panic", Err: fmt.Errorf("%v", p)}
		}
		r.mu.Lock()
		if r.pending[f.key] == f {
			delete(r.pending, f.key)
		}
		r.mu.Unlock()
		close(f.done)
	}()

	f.value, f.err = factory()
}
