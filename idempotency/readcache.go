package idempotency

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ReadCache is the simple time-boxed cache used for GET-style reads. Keys
// need not be deterministic across runs and nothing is persisted.
// Concurrent misses for one key share a single fetch.
type ReadCache struct {
	mu      sync.Mutex
	entries map[string]readEntry
	group   singleflight.Group
	now     func() time.Time
}

type readEntry struct {
	value     json.RawMessage
	expiresAt time.Time
}

func NewReadCache() *ReadCache {
	return &ReadCache{
		entries: make(map[string]readEntry),
		now:     time.Now,
	}
}

// Get returns the cached value for key or fetches it with fn.
func (c *ReadCache) Get(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if c.now().Before(e.expiresAt) {
			c.mu.Unlock()
			return e.value, nil
		}
		delete(c.entries, key)
	}
	c.mu.Unlock()

	ch := c.group.DoChan(key, func() (any, error) {
		v, err := fn(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = readEntry{value: v, expiresAt: c.now().Add(ttl)}
		c.mu.Unlock()
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(json.RawMessage), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops key, typically after a write that changes it.
func (c *ReadCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidatePrefix drops every key starting with prefix.
func (c *ReadCache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

// Read is the typed form of ReadCache.Get.
func Read[T any](ctx context.Context, c *ReadCache, key string, ttl time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := c.Get(ctx, key, ttl, func(ctx context.Context) (json.RawMessage, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, &FatalError{Reason: "decode_read", Err: err}
	}
	return out, nil
}
