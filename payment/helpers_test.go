package payment_test

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/checkout-guard/kv"
	"github.com/warp/checkout-guard/payment"
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

func newTestStore(store kv.Store, clock *fakeClock) *payment.Store {
	return payment.NewStore(store,
		payment.WithClock(clock.Now),
		payment.WithLogger(quietLogger()),
	)
}

func newIntent(id, customer, amount string) payment.NewIntent {
	return payment.NewIntent{
		IntentID:   id,
		PublicID:   "PI-" + id,
		CustomerID: customer,
		Amount:     decimal.RequireFromString(amount),
		Currency:   "EUR",
		LineItems: []payment.LineItem{
			{SKU: "SKU-1", Quantity: 1, UnitPrice: decimal.RequireFromString(amount)},
		},
	}
}
