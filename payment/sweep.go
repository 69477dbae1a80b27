/*
sweep.go - Periodic expiry sweeper

PURPOSE:
  Runs Store.SweepExpired on a fixed interval so intents the client never
  heard a terminal update for do not pile up. Each pass also purges
  expired idempotency outcomes when a Purger is attached.

DESIGN:
  - Background goroutine driven by a ticker
  - Runs once immediately on Start
  - Stop waits for the running pass to finish

CONFIGURATION:
  - Interval: How often to sweep (default: 10 minutes)
  - Enabled: Whether the sweeper runs at all (default: true)

USAGE:
  sweeper := NewSweeper(store, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()
*/
package payment

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSweepInterval is the fixed expiry cadence.
const DefaultSweepInterval = 10 * time.Minute

// Purger drops expired records elsewhere, typically the executor's
// outcome cache.
type Purger interface {
	Purge(ctx context.Context) (int, error)
}

type Sweeper struct {
	Store    *Store
	Purger   Purger
	Interval time.Duration
	Enabled  bool

	logger  *slog.Logger
	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun atomic.Int64 // unix nanos
}

func NewSweeper(store *Store, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		Store:    store,
		Interval: DefaultSweepInterval,
		Enabled:  true,
		logger:   logger.With("component", "sweeper"),
	}
}

// Start begins periodic sweeping. Calling Start twice is a no-op.
func (sw *Sweeper) Start() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if !sw.Enabled {
		sw.logger.Info("sweeper disabled, not starting")
		return
	}
	if sw.ticker != nil {
		return
	}

	sw.ticker = time.NewTicker(sw.Interval)
	sw.stop = make(chan struct{})
	sw.wg.Add(1)
	go sw.run(sw.ticker, sw.stop)

	sw.logger.Info("sweeper started", "interval", sw.Interval)
}

// Stop halts the sweeper and waits for an in-progress pass.
func (sw *Sweeper) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.ticker == nil {
		return
	}
	sw.ticker.Stop()
	close(sw.stop)
	sw.wg.Wait()
	sw.ticker = nil
	sw.logger.Info("sweeper stopped")
}

func (sw *Sweeper) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer sw.wg.Done()

	// Run immediately on start
	sw.RunNow(context.Background())

	for {
		select {
		case <-ticker.C:
			sw.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow performs one pass synchronously.
func (sw *Sweeper) RunNow(ctx context.Context) SweepResult {
	res, err := sw.Store.SweepExpired(ctx)
	if err != nil {
		sw.logger.Error("expiry sweep failed", "error", err)
	}

	if sw.Purger != nil {
		if _, err := sw.Purger.Purge(ctx); err != nil {
			sw.logger.Error("outcome purge failed", "error", err)
		}
	}

	sw.lastRun.Store(time.Now().UnixNano())
	return res
}

// NextRunTime returns when the next scheduled pass will occur.
func (sw *Sweeper) NextRunTime() time.Time {
	last := sw.lastRun.Load()
	if last == 0 {
		return time.Now()
	}
	return time.Unix(0, last).Add(sw.Interval)
}
