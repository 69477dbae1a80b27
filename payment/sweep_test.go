package payment_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/checkout-guard/kv"
	"github.com/warp/checkout-guard/payment"
)

type countingPurger struct {
	calls atomic.Int32
	err   error
}

func (p *countingPurger) Purge(context.Context) (int, error) {
	p.calls.Add(1)
	return 0, p.err
}

func TestSweeper_RunNowExpiresAndPurges(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(kv.NewMemory(), clock)
	ctx := context.Background()
	_, err := store.AddIntent(ctx, newIntent("old", "cust-1", "10.00"))
	require.NoError(t, err)
	clock.Advance(25 * time.Hour)
	_, err = store.AddIntent(ctx, newIntent("new", "cust-1", "10.00"))
	require.NoError(t, err)

	purger := &countingPurger{}
	sw := payment.NewSweeper(store, quietLogger())
	sw.Purger = purger

	res := sw.RunNow(ctx)

	assert.Equal(t, []string{"old"}, res.Expired)
	assert.Equal(t, int32(1), purger.calls.Load())
	got, _ := store.Get("old")
	assert.Equal(t, payment.StatusExpired, got.Status)
	assert.Len(t, store.Active(), 1)
}

func TestSweeper_PurgeFailureDoesNotStopSweep(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(kv.NewMemory(), clock)
	_, err := store.AddIntent(context.Background(), newIntent("old", "cust-1", "10.00"))
	require.NoError(t, err)
	clock.Advance(25 * time.Hour)

	sw := payment.NewSweeper(store, quietLogger())
	sw.Purger = &countingPurger{err: errors.New("disk full")}

	res := sw.RunNow(context.Background())

	assert.Equal(t, []string{"old"}, res.Expired)
}

func TestSweeper_StartRunsImmediately(t *testing.T) {
	// GIVEN: a long interval
	// WHEN: the sweeper starts
	// THEN: a first pass runs without waiting for the ticker
	store := newTestStore(kv.NewMemory(), newFakeClock())
	purger := &countingPurger{}
	sw := payment.NewSweeper(store, quietLogger())
	sw.Purger = purger
	sw.Interval = time.Hour

	sw.Start()
	sw.Start()
	assert.Eventually(t, func() bool { return purger.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	sw.Stop()
	sw.Stop()

	assert.Equal(t, int32(1), purger.calls.Load())
	assert.WithinDuration(t, time.Now().Add(time.Hour), sw.NextRunTime(), 5*time.Second)
}

func TestSweeper_TicksOnInterval(t *testing.T) {
	store := newTestStore(kv.NewMemory(), newFakeClock())
	purger := &countingPurger{}
	sw := payment.NewSweeper(store, quietLogger())
	sw.Purger = purger
	sw.Interval = 10 * time.Millisecond

	sw.Start()
	defer sw.Stop()

	assert.Eventually(t, func() bool { return purger.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestSweeper_Disabled(t *testing.T) {
	purger := &countingPurger{}
	sw := payment.NewSweeper(newTestStore(kv.NewMemory(), newFakeClock()), quietLogger())
	sw.Purger = purger
	sw.Enabled = false

	sw.Start()
	sw.Stop()

	assert.Zero(t, purger.calls.Load())
}
