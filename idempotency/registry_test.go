package idempotency_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/checkout-guard/idempotency"
)

func TestRegistry_ConcurrentCallersShareOneExecution(t *testing.T) {
	r := idempotency.NewRegistry()
	release := make(chan struct{})
	var calls atomic.Int32

	factory := func() (json.RawMessage, error) {
		calls.Add(1)
		<-release
		return json.RawMessage(`"done"`), nil
	}

	f1, joined1 := r.Register("k", factory)
	f2, joined2 := r.Register("k", factory)
	assert.False(t, joined1)
	assert.True(t, joined2)
	assert.Same(t, f1, f2)

	close(release)

	v1, err1 := f1.Wait(context.Background())
	v2, err2 := f2.Wait(context.Background())
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, v1, v2)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRegistry_EntryRemovedOnFailure(t *testing.T) {
	r := idempotency.NewRegistry()
	boom := errors.New("boom")

	f, _ := r.Register("k", func() (json.RawMessage, error) { return nil, boom })
	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, boom)

	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, time.Millisecond)

	// A new registration starts a new execution
	f2, joined := r.Register("k", func() (json.RawMessage, error) { return json.RawMessage(`1`), nil })
	assert.False(t, joined)
	v, err := f2.Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(v))
}

func TestRegistry_LookupOnlyWhileInFlight(t *testing.T) {
	r := idempotency.NewRegistry()
	release := make(chan struct{})

	f, _ := r.Register("k", func() (json.RawMessage, error) {
		<-release
		return nil, nil
	})

	got, ok := r.Lookup("k")
	assert.True(t, ok)
	assert.Same(t, f, got)

	close(release)
	<-f.Done()

	require.Eventually(t, func() bool {
		_, ok := r.Lookup("k")
		return !ok
	}, time.Second, time.Millisecond)
}

func TestRegistry_PanicBecomesFatalError(t *testing.T) {
	r := idempotency.NewRegistry()

	f, _ := r.Register("k", func() (json.RawMessage, error) { panic("kaboom") })
	_, err := f.Wait(context.Background())

	assert.Equal(t, idempotency.ClassFatal, idempotency.Classify(err))
}

func TestFuture_WaitHonoursContext(t *testing.T) {
	r := idempotency.NewRegistry()
	release := make(chan struct{})
	defer close(release)

	f, _ := r.Register("k", func() (json.RawMessage, error) {
		<-release
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistry_DistinctKeysRunIndependently(t *testing.T) {
	r := idempotency.NewRegistry()
	var wg sync.WaitGroup
	var calls atomic.Int32

	for _, k := range []idempotency.Key{"a", "b", "c"} {
		wg.Add(1)
		go func(k idempotency.Key) {
			defer wg.Done()
			f, _ := r.Register(k, func() (json.RawMessage, error) {
				calls.Add(1)
				return nil, nil
			})
			_, _ = f.Wait(context.Background())
		}(k)
	}
	wg.Wait()

	assert.EqualValues(t, 3, calls.Load())
}
