/*
tokens.go - Persisted session token state

The layer only ever sees the short-lived access token. The refresh token is
an opaque cookie owned by the server and the HTTP cookie jar.

Every stored token carries a generation number. The transport remembers the
generation it sent, so a 401 for an older generation can be replayed with
the current token instead of starting another refresh.
*/
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/checkout-guard/kv"
)

const tokenKey = "current"

// TokenState is the persisted session record.
type TokenState struct {
	AccessToken string    `json:"access_token"`
	Generation  uint64    `json:"generation"`
	IssuedAt    time.Time `json:"issued_at"`
}

// Authenticated reports whether an access token is held.
func (s TokenState) Authenticated() bool { return s.AccessToken != "" }

// Tokens holds the current TokenState in memory and mirrors it to the
// session.tokens bucket.
type Tokens struct {
	mu     sync.RWMutex
	state  TokenState
	bucket kv.Bucket
	logger *slog.Logger
	now    func() time.Time
}

func NewTokens(store kv.Store, logger *slog.Logger) *Tokens {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tokens{
		bucket: kv.NewBucket(store, kv.NamespaceSession),
		logger: logger,
		now:    time.Now,
	}
}

// Load restores the persisted token. An unreadable record is dropped and
// the session starts logged out.
func (t *Tokens) Load(ctx context.Context) error {
	raw, ok, err := t.bucket.Get(ctx, tokenKey)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	var st TokenState
	if err := json.Unmarshal(raw, &st); err != nil {
		t.logger.Warn("discarding unreadable session record", "error", err)
		return t.bucket.Clear(ctx)
	}

	t.mu.Lock()
	t.state = st
	t.mu.Unlock()
	return nil
}

// Current returns a snapshot of the token state.
func (t *Tokens) Current() TokenState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Set stores a new access token and bumps the generation.
func (t *Tokens) Set(ctx context.Context, accessToken string) (TokenState, error) {
	t.mu.Lock()
	t.state = TokenState{
		AccessToken: accessToken,
		Generation:  t.state.Generation + 1,
		IssuedAt:    t.now(),
	}
	st := t.state
	t.mu.Unlock()

	raw, err := json.Marshal(st)
	if err != nil {
		return st, err
	}
	return st, t.bucket.Put(ctx, tokenKey, raw)
}

// Clear drops the token in memory and in the bucket. The generation keeps
// counting so a later login is never confused with the cleared token.
func (t *Tokens) Clear(ctx context.Context) error {
	t.mu.Lock()
	t.state = TokenState{Generation: t.state.Generation + 1}
	t.mu.Unlock()
	return t.bucket.Clear(ctx)
}
