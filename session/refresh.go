/*
refresh.go - Session refresh coordinator

STATES:
  Authenticated -> (401 seen) -> Refreshing -> Authenticated
                                            -> LoggedOut (refresh failed)

All callers that need a refresh while one is running share that refresh and
its result. A caller whose token was already replaced gets the current token
instead of a new refresh; the check runs inside the single-flight group.

A failed refresh is terminal for the session: the token is cleared
everywhere, the logout handler is told why, and every later refresh request
fails with ErrSessionEnded until Login is called again.
*/
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/warp/checkout-guard/idempotency"
)

// ErrLoggedOut is returned for refresh requests after the session ended.
var ErrLoggedOut = fmt.Errorf("%w: logged out", idempotency.ErrSessionEnded)

// RefreshPath is the fixed refresh endpoint.
const RefreshPath = "/api/auth/refresh"

// Refresher exchanges the server-held refresh cookie for a new access token.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context) (string, error)

func (f RefresherFunc) Refresh(ctx context.Context) (string, error) { return f(ctx) }

// =============================================================================
// HTTP REFRESHER
// =============================================================================

// HTTPRefresher POSTs to RefreshPath with cookie credentials only. Client
// must carry the cookie jar that received the refresh cookie at login, and
// must not use the session Transport (no bearer, no recursion).
type HTTPRefresher struct {
	BaseURL string
	Client  *http.Client
}

type refreshResponse struct {
	AccessToken string `json:"access_token"`
}

func (r *HTTPRefresher) Refresh(ctx context.Context) (string, error) {
	url := strings.TrimRight(r.BaseURL, "/") + RefreshPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("refresh rejected: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode refresh response: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("refresh response carried no access token")
	}
	return out.AccessToken, nil
}

// =============================================================================
// COORDINATOR
// =============================================================================

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithLogoutHandler registers the hook run once a session ends, typically
// sending the user back to the login entry point.
func WithLogoutHandler(fn func(reason string)) Option {
	return func(c *Coordinator) { c.onLogout = fn }
}

// WithRefreshTimeout bounds a single refresh call. Zero means no bound
// beyond the HTTP client's own.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

type Coordinator struct {
	tokens    *Tokens
	refresher Refresher
	group     singleflight.Group
	inFlight  atomic.Bool
	loggedOut atomic.Bool
	refreshes atomic.Int64
	onLogout  func(reason string)
	timeout   time.Duration
	logger    *slog.Logger
}

func NewCoordinator(tokens *Tokens, refresher Refresher, opts ...Option) *Coordinator {
	c := &Coordinator{
		tokens:    tokens,
		refresher: refresher,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "session")
	return c
}

// Tokens returns the token state the coordinator manages.
func (c *Coordinator) Tokens() *Tokens { return c.tokens }

// Current is shorthand for Tokens().Current().
func (c *Coordinator) Current() TokenState { return c.tokens.Current() }

// Refreshing reports whether a refresh is in flight.
func (c *Coordinator) Refreshing() bool { return c.inFlight.Load() }

// LoggedOut reports whether the session ended and awaits a new Login.
func (c *Coordinator) LoggedOut() bool { return c.loggedOut.Load() }

// Refreshes counts refresh calls actually issued.
func (c *Coordinator) Refreshes() int64 { return c.refreshes.Load() }

// Login stores a token obtained from the login endpoint.
func (c *Coordinator) Login(ctx context.Context, accessToken string) error {
	st, err := c.tokens.Set(ctx, accessToken)
	if err != nil {
		return err
	}
	c.loggedOut.Store(false)
	c.logger.Info("session started", "generation", st.Generation)
	return nil
}

// GetOrStartRefresh returns a fresh access token, joining the refresh that
// is already running if there is one. On failure the session is logged out
// and the error wraps idempotency.ErrSessionEnded.
func (c *Coordinator) GetOrStartRefresh(ctx context.Context) (string, error) {
	return c.RefreshAfter(ctx, c.tokens.Current().Generation)
}

// RefreshAfter is GetOrStartRefresh for a request that was sent with the
// token of generation sent. If that token has since been replaced, the
// current token is returned without refreshing.
func (c *Coordinator) RefreshAfter(ctx context.Context, sent uint64) (string, error) {
	if c.loggedOut.Load() {
		return "", ErrLoggedOut
	}
	ch := c.group.DoChan("refresh", func() (any, error) {
		cur := c.tokens.Current()
		switch {
		case c.loggedOut.Load():
			return "", ErrLoggedOut
		case cur.Generation != sent && cur.Authenticated():
			return cur.AccessToken, nil
		case cur.Generation != sent:
			return "", ErrLoggedOut
		}
		return c.refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Coordinator) refresh(ctx context.Context) (string, error) {
	c.inFlight.Store(true)
	defer c.inFlight.Store(false)
	c.refreshes.Add(1)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	c.logger.Info("refreshing access token")
	token, err := c.refresher.Refresh(ctx)
	if err != nil {
		c.Logout(ctx, "refresh_failed")
		return "", fmt.Errorf("%w: %v", idempotency.ErrSessionEnded, err)
	}

	st, err := c.tokens.Set(ctx, token)
	if err != nil {
		// The token is live in memory; only persistence failed.
		c.logger.Warn("failed to persist refreshed token", "error", err)
	}
	c.logger.Info("access token refreshed", "generation", st.Generation)
	return token, nil
}

// Logout ends the session: token cleared in memory and in storage, then the
// logout handler runs. The handler runs once per session.
func (c *Coordinator) Logout(ctx context.Context, reason string) {
	if err := c.tokens.Clear(ctx); err != nil {
		c.logger.Error("failed to clear session record", "error", err)
	}
	if c.loggedOut.Swap(true) {
		return
	}
	c.logger.Warn("session ended", "reason", reason)
	if c.onLogout != nil {
		c.onLogout(reason)
	}
}
