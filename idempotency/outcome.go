/*
outcome.go - Durable outcome cache

PURPOSE:
  Time-boxed record of completed operations, persisted in the kv medium
  so it survives a restart. The in-memory registry alone cannot defeat a
  duplicate submit that happens after a reload; this cache can.

RECORDS:
  Each record carries its own RecordedAt/ExpiresAt. The reader enforces
  TTL: an expired record is treated as absent and deleted on sight.

IMMUTABILITY:
  While a record is live it is never overwritten. A second Put for the
  same key returns the record already stored.

CORRUPTION:
  A record that fails to decode means the namespace can no longer be
  trusted. The whole outcome namespace is cleared and the lookup reports
  a miss. The error never reaches the caller.
*/
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/checkout-guard/kv"
)

// Outcome is either a success payload or a failure marker for a business
// rejection.
type Outcome struct {
	Success           bool            `json:"success"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Reason            string          `json:"reason,omitempty"`
	Message           string          `json:"message,omitempty"`
	RemainingAttempts int             `json:"remaining_attempts,omitempty"`
	StatusCode        int             `json:"status_code,omitempty"`
}

// SuccessOutcome wraps a success payload.
func SuccessOutcome(payload json.RawMessage) Outcome {
	return Outcome{Success: true, Payload: payload}
}

// RejectionOutcome records a business rejection as a failure marker.
func RejectionOutcome(rej *RejectedError) Outcome {
	return Outcome{
		Reason:            rej.Reason,
		Message:           rej.Message,
		RemainingAttempts: rej.RemainingAttempts,
		StatusCode:        rej.StatusCode,
	}
}

// Result turns the outcome back into what the original call returned.
func (o Outcome) Result() (json.RawMessage, error) {
	if o.Success {
		return o.Payload, nil
	}
	return nil, &RejectedError{
		Reason:            o.Reason,
		Message:           o.Message,
		RemainingAttempts: o.RemainingAttempts,
		StatusCode:        o.StatusCode,
	}
}

// OutcomeRecord is the persisted form.
type OutcomeRecord struct {
	Key        Key       `json:"key"`
	Action     Action    `json:"action"`
	Outcome    Outcome   `json:"outcome"`
	RecordedAt time.Time `json:"recorded_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the record is past its window at now.
func (r OutcomeRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// =============================================================================
// OUTCOME CACHE
// =============================================================================

type OutcomeCache struct {
	bucket kv.Bucket
	logger *slog.Logger
	now    func() time.Time
}

// NewOutcomeCache stores records in the outcome namespace of store.
func NewOutcomeCache(store kv.Store, logger *slog.Logger) *OutcomeCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutcomeCache{
		bucket: kv.NewBucket(store, kv.NamespaceOutcomes),
		logger: logger,
		now:    time.Now,
	}
}

// Get returns the live record for key. Expired records are evicted and
// reported absent.
func (c *OutcomeCache) Get(ctx context.Context, key Key) (*OutcomeRecord, bool, error) {
	raw, ok, err := c.bucket.Get(ctx, string(key))
	if err != nil || !ok {
		return nil, false, err
	}

	var rec OutcomeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		c.discard(ctx, key, err)
		return nil, false, nil
	}

	if rec.Expired(c.now()) {
		if err := c.bucket.Delete(ctx, string(key)); err != nil {
			c.logger.Warn("failed to evict expired outcome", "key", key, "error", err)
		}
		return nil, false, nil
	}
	return &rec, true, nil
}

// Put records outcome for key with the given window. If a live record
// already exists it is kept and returned.
func (c *OutcomeCache) Put(ctx context.Context, key Key, action Action, outcome Outcome, ttl time.Duration) (*OutcomeRecord, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if existing, ok, err := c.Get(ctx, key); err != nil {
		return nil, err
	} else if ok {
		return existing, nil
	}

	now := c.now()
	rec := OutcomeRecord{
		Key:        key,
		Action:     action,
		Outcome:    outcome,
		RecordedAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode outcome %s: %w", key, err)
	}
	if err := c.bucket.Put(ctx, string(key), raw); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Purge evicts every expired record and returns how many were removed.
func (c *OutcomeCache) Purge(ctx context.Context) (int, error) {
	keys, err := c.bucket.Keys(ctx)
	if err != nil {
		return 0, err
	}

	now := c.now()
	removed := 0
	for _, k := range keys {
		raw, ok, err := c.bucket.Get(ctx, k)
		if err != nil {
			return removed, err
		}
		if !ok {
			continue
		}
		var rec OutcomeRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			c.discard(ctx, Key(k), err)
			return removed, nil
		}
		if rec.Expired(now) {
			if err := c.bucket.Delete(ctx, k); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (c *OutcomeCache) discard(ctx context.Context, key Key, cause error) {
	c.logger.Warn("outcome namespace corrupt, discarding",
		"namespace", c.bucket.Namespace(), "key", key, "error", fmt.Errorf("%w: %v", ErrRecordCorrupt, cause))
	if err := c.bucket.Clear(ctx); err != nil {
		c.logger.Error("failed to clear corrupt outcome namespace", "error", err)
	}
}
