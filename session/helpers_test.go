package session_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/warp/checkout-guard/kv"
	"github.com/warp/checkout-guard/session"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// seenRequest is what the fake remote observed.
type seenRequest struct {
	Method        string
	Path          string
	Authorization string
	Idempotency   string
	Body          string
}

// recorder collects requests reaching the base transport.
type recorder struct {
	mu   sync.Mutex
	reqs []seenRequest
}

func (r *recorder) add(req *http.Request) {
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
	}
	r.mu.Lock()
	r.reqs = append(r.reqs, seenRequest{
		Method:        req.Method,
		Path:          req.URL.Path,
		Authorization: req.Header.Get("Authorization"),
		Idempotency:   req.Header.Get(session.IdempotencyHeader),
		Body:          string(body),
	})
	r.mu.Unlock()
}

func (r *recorder) all() []seenRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]seenRequest(nil), r.reqs...)
}

func respond(req *http.Request, status int) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       http.NoBody,
		Header:     make(http.Header),
		Request:    req,
	}
}

func loggedIn(t *testing.T, refresher session.Refresher, opts ...session.Option) *session.Coordinator {
	t.Helper()
	tokens := session.NewTokens(kv.NewMemory(), quietLogger())
	coord := session.NewCoordinator(tokens, refresher, append([]session.Option{session.WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, coord.Login(context.Background(), "old"))
	return coord
}
