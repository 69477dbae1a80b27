package idempotency_test

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/checkout-guard/idempotency"
	"github.com/warp/checkout-guard/kv"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPolicy() idempotency.Policy {
	p := idempotency.DefaultPolicy()
	p.RetryDelay = time.Millisecond
	return p
}

func newTestExecutor(store kv.Store, clock *fakeClock) *idempotency.Executor {
	return idempotency.NewExecutor(store,
		idempotency.WithClock(clock.Now),
		idempotency.WithLogger(quietLogger()),
		idempotency.WithPolicy(testPolicy()),
	)
}
