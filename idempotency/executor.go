/*
executor.go - Idempotent operation executor

PURPOSE:
  Wraps a caller-supplied request function so that, for a fixed key and an
  unexpired window, at most one successful side-effecting call is issued
  no matter how many times Execute is invoked.

EXECUTION FLOW:
  1. SkipIfPending and the key is in flight -> join the shared future
  2. Live outcome in the durable cache      -> return it, no network
  3. Otherwise register a pending operation whose factory:
     a. re-checks the cache (another owner may have just finished)
     b. calls the request function with the key in its context, so the
        transport sends it as the Idempotency-Key header
     c. records success (or a business rejection) with the action's TTL
  4. Transient failure + RetryOnError -> exactly one more attempt with the
     SAME key. Rejections and fatal errors are never retried.

CANCELLATION:
  A caller whose context ends stops waiting; the operation itself keeps
  running on a detached context and still records its outcome. Timeouts
  belong to the HTTP transport.

SEE ALSO:
  - registry.go: In-flight coalescing
  - outcome.go: Durable outcome records
  - errors.go: Failure classes driving the retry policy
*/
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/warp/checkout-guard/kv"
)

// Source reports which path served an Execute call.
type Source int

const (
	SourceNetwork Source = iota // this call owned the execution
	SourcePending               // joined an in-flight execution
	SourceCache                 // served from a recorded outcome
)

func (s Source) String() string {
	switch s {
	case SourceNetwork:
		return "network"
	case SourcePending:
		return "pending"
	case SourceCache:
		return "cache"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Request describes one guarded call.
type Request struct {
	Key    Key
	Action Action

	// Do performs the side effect. ctx carries Key (see KeyFromContext).
	Do func(ctx context.Context) (json.RawMessage, error)

	// SkipIfPending joins an in-flight execution for Key without looking
	// at the durable cache first.
	SkipIfPending bool

	// RetryOnError allows one more attempt with the same key after a
	// transient failure.
	RetryOnError bool
}

// Result is the value returned to the caller and where it came from.
type Result struct {
	Value  json.RawMessage
	Source Source
}

// Stats counts executor activity since construction.
type Stats struct {
	NetworkCalls int64
	CacheHits    int64
	Joins        int64
	Retries      int64
}

// =============================================================================
// OPTIONS
// =============================================================================

type config struct {
	policy   Policy
	logger   *slog.Logger
	now      func() time.Time
	registry *Registry
	deriver  Deriver
}

// Option configures an Executor.
type Option func(*config)

// WithPolicy sets per-action TTLs and the retry delay.
func WithPolicy(p Policy) Option { return func(c *config) { c.policy = p } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(c *config) { c.logger = l } }

// WithClock overrides time.Now, mainly for TTL tests.
func WithClock(now func() time.Time) Option { return func(c *config) { c.now = now } }

// WithRegistry shares a pending-operation registry between executors.
func WithRegistry(r *Registry) Option { return func(c *config) { c.registry = r } }

// WithDeriver overrides the key deriver.
func WithDeriver(d Deriver) Option { return func(c *config) { c.deriver = d } }

// =============================================================================
// EXECUTOR
// =============================================================================

type Executor struct {
	registry *Registry
	outcomes *OutcomeCache
	policy   Policy
	deriver  Deriver
	logger   *slog.Logger
	now      func() time.Time

	networkCalls atomic.Int64
	cacheHits    atomic.Int64
	joins        atomic.Int64
	retries      atomic.Int64
}

// NewExecutor builds an executor whose outcomes live in store.
func NewExecutor(store kv.Store, opts ...Option) *Executor {
	cfg := &config{
		policy:  DefaultPolicy(),
		now:     time.Now,
		deriver: NewDeriver(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.registry == nil {
		cfg.registry = NewRegistry()
	}

	logger := cfg.logger.With("component", "executor")
	outcomes := NewOutcomeCache(store, logger)
	outcomes.now = cfg.now
	cfg.registry.now = cfg.now

	return &Executor{
		registry: cfg.registry,
		outcomes: outcomes,
		policy:   cfg.policy,
		deriver:  cfg.deriver,
		logger:   logger,
		now:      cfg.now,
	}
}

// Derive computes the key for desc with the executor's deriver.
func (e *Executor) Derive(desc Descriptor) Key { return e.deriver.Derive(desc) }

// Deriver returns the executor's key deriver.
func (e *Executor) Deriver() Deriver { return e.deriver }

// Outcomes exposes the durable cache, mainly for inspection.
func (e *Executor) Outcomes() *OutcomeCache { return e.outcomes }

// Pending reports whether key is currently in flight.
func (e *Executor) Pending(key Key) bool {
	_, ok := e.registry.Lookup(key)
	return ok
}

// Purge evicts expired outcomes.
func (e *Executor) Purge(ctx context.Context) (int, error) {
	n, err := e.outcomes.Purge(ctx)
	if n > 0 {
		e.logger.Info("purged expired outcomes", "count", n)
	}
	return n, err
}

func (e *Executor) Stats() Stats {
	return Stats{
		NetworkCalls: e.networkCalls.Load(),
		CacheHits:    e.cacheHits.Load(),
		Joins:        e.joins.Load(),
		Retries:      e.retries.Load(),
	}
}

// Execute runs req under idempotency protection.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	if req.Key == "" {
		return Result{}, ErrEmptyKey
	}
	if req.Do == nil {
		return Result{}, fmt.Errorf("execute %s: nil request function", req.Key)
	}

	// 1. Near-simultaneous duplicate dispatch
	if req.SkipIfPending {
		if f, ok := e.registry.Lookup(req.Key); ok {
			e.joins.Add(1)
			e.logger.Debug("joined pending operation", "key", req.Key)
			v, err := f.Wait(ctx)
			return Result{Value: v, Source: SourcePending}, err
		}
	}

	// 2. Duplicate after a reload or a long pause
	if rec, ok := e.cached(ctx, req.Key); ok {
		v, err := rec.Outcome.Result()
		return Result{Value: v, Source: SourceCache}, err
	}

	// 3. Novel call (or a concurrent one that got here first)
	detached := context.WithoutCancel(ctx)
	f, joined := e.registry.Register(req.Key, func() (json.RawMessage, error) {
		return e.run(detached, req)
	})
	source := SourceNetwork
	if joined {
		e.joins.Add(1)
		source = SourcePending
	}
	v, err := f.Wait(ctx)
	return Result{Value: v, Source: source}, err
}

func (e *Executor) cached(ctx context.Context, key Key) (*OutcomeRecord, bool) {
	rec, ok, err := e.outcomes.Get(ctx, key)
	if err != nil {
		// The remote side still enforces at-most-once via the header.
		e.logger.Warn("outcome lookup failed", "key", key, "error", err)
		return nil, false
	}
	if ok {
		e.cacheHits.Add(1)
		e.logger.Debug("returning recorded outcome", "key", key, "action", rec.Action)
	}
	return rec, ok
}

func (e *Executor) run(ctx context.Context, req Request) (json.RawMessage, error) {
	if rec, ok := e.cached(ctx, req.Key); ok {
		return rec.Outcome.Result()
	}

	ctx = WithKey(ctx, req.Key)
	for attempt := 1; ; attempt++ {
		e.networkCalls.Add(1)
		v, err := req.Do(ctx)
		if err == nil {
			e.record(ctx, req, SuccessOutcome(v))
			return v, nil
		}

		switch Classify(err) {
		case ClassRejected:
			var rej *RejectedError
			if errors.As(err, &rej) {
				e.record(ctx, req, RejectionOutcome(rej))
			}
			return nil, err

		case ClassTransient:
			if req.RetryOnError && attempt == 1 {
				e.retries.Add(1)
				e.logger.Info("transient failure, retrying with same key",
					"key", req.Key, "action", req.Action, "error", err)
				if werr := sleep(ctx, e.policy.RetryDelay); werr != nil {
					return nil, err
				}
				continue
			}
			return nil, err

		default:
			return nil, err
		}
	}
}

func (e *Executor) record(ctx context.Context, req Request, outcome Outcome) {
	if _, err := e.outcomes.Put(ctx, req.Key, req.Action, outcome, e.policy.TTL(req.Action)); err != nil {
		e.logger.Error("failed to record outcome", "key", req.Key, "action", req.Action, "error", err)
	}
}

// =============================================================================
// TYPED HELPER
// =============================================================================

// Call is the typed form of Request.
type Call[T any] struct {
	Key           Key
	Action        Action
	Fn            func(ctx context.Context) (T, error)
	SkipIfPending bool
	RetryOnError  bool
}

// Execute runs call through e, encoding T as the recorded outcome.
func Execute[T any](ctx context.Context, e *Executor, call Call[T]) (T, Source, error) {
	var zero T
	res, err := e.Execute(ctx, Request{
		Key:           call.Key,
		Action:        call.Action,
		SkipIfPending: call.SkipIfPending,
		RetryOnError:  call.RetryOnError,
		Do: func(ctx context.Context) (json.RawMessage, error) {
			v, err := call.Fn(ctx)
			if err != nil {
				return nil, err
			}
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, &FatalError{Reason: "encode_result", Err: err}
			}
			return raw, nil
		},
	})
	if err != nil {
		return zero, res.Source, err
	}

	var out T
	if len(res.Value) > 0 {
		if err := json.Unmarshal(res.Value, &out); err != nil {
			return zero, res.Source, &FatalError{Reason: "decode_result", Err: err}
		}
	}
	return out, res.Source, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
