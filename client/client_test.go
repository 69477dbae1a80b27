package client_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/checkout-guard/api"
	"github.com/warp/checkout-guard/client"
	"github.com/warp/checkout-guard/idempotency"
	"github.com/warp/checkout-guard/kv"
	"github.com/warp/checkout-guard/payment"
	"github.com/warp/checkout-guard/session"
	"github.com/warp/checkout-guard/storefront"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// =============================================================================
// RESPONSE MAPPING
// =============================================================================

func statusServer(t *testing.T, status int, body any) *client.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if body != nil {
			_ = json.NewEncoder(w).Encode(body)
		}
	}))
	t.Cleanup(srv.Close)
	return client.New(srv.URL, srv.Client())
}

func TestClient_StatusMapping(t *testing.T) {
	remaining := 3
	tests := []struct {
		name   string
		status int
		body   any
		class  idempotency.Class
	}{
		{"service unavailable", http.StatusServiceUnavailable, nil, idempotency.ClassTransient},
		{"too many requests", http.StatusTooManyRequests, nil, idempotency.ClassTransient},
		{"request timeout", http.StatusRequestTimeout, nil, idempotency.ClassTransient},
		{"validation", http.StatusBadRequest, storefront.ErrorResponse{Error: "bad", Code: storefront.CodeValidation}, idempotency.ClassRejected},
		{"wrong pin", http.StatusUnprocessableEntity, storefront.ErrorResponse{Error: "Incorrect PIN", Code: storefront.CodeInvalidPIN, RemainingAttempts: &remaining}, idempotency.ClassRejected},
		{"invalid state", http.StatusConflict, storefront.ErrorResponse{Error: "Intent is CANCELED", Code: storefront.CodeInvalidState}, idempotency.ClassRejected},
		{"unauthorized", http.StatusUnauthorized, nil, idempotency.ClassFatal},
		{"not found", http.StatusNotFound, nil, idempotency.ClassFatal},
		{"teapot", http.StatusTeapot, nil, idempotency.ClassFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := statusServer(t, tt.status, tt.body)
			_, err := c.ApproveIntent(context.Background(), "42", "123456")
			require.Error(t, err)
			assert.Equal(t, tt.class, idempotency.Classify(err))
		})
	}
}

func TestClient_RejectionCarriesRemainingAttempts(t *testing.T) {
	remaining := 2
	c := statusServer(t, http.StatusUnprocessableEntity, storefront.ErrorResponse{Error: "Incorrect PIN", Code: storefront.CodeInvalidPIN, RemainingAttempts: &remaining})

	_, err := c.ApproveIntent(context.Background(), "42", "000000")

	var rej *idempotency.RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, storefront.CodeInvalidPIN, rej.Reason)
	assert.Equal(t, 2, rej.RemainingAttempts)
	assert.Equal(t, http.StatusUnprocessableEntity, rej.StatusCode)
}

func TestClient_RejectionWithoutCount(t *testing.T) {
	c := statusServer(t, http.StatusConflict, nil)

	_, err := c.CancelIntent(context.Background(), "42")

	var rej *idempotency.RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, -1, rej.RemainingAttempts)
	assert.Equal(t, "conflict", rej.Reason)
}

func TestClient_SpecificErrors(t *testing.T) {
	_, err := statusServer(t, http.StatusNotFound, nil).GetIntent(context.Background(), "missing")
	assert.ErrorIs(t, err, client.ErrNotFound)

	_, err = statusServer(t, http.StatusUnauthorized, nil).GetIntent(context.Background(), "42")
	assert.ErrorIs(t, err, idempotency.ErrSessionEnded)
}

func TestClient_TransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := client.New(url, nil).GetIntent(context.Background(), "42")

	assert.True(t, idempotency.IsRetryable(err))
}

func TestClient_CallerCancelReturnsContextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.New(srv.URL, srv.Client()).GetIntent(ctx, "42")

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// =============================================================================
// END TO END AGAINST THE SANDBOX
// =============================================================================

type stack struct {
	sandbox *api.Handler
	coord   *session.Coordinator
	remote  *client.Client
	exec    *idempotency.Executor
	service *payment.Service
	logouts atomic.Int32
}

func newStack(t *testing.T) *stack {
	t.Helper()
	s := &stack{sandbox: api.NewHandler(api.DefaultConfig(), quietLogger())}
	srv := httptest.NewServer(api.NewRouter(s.sandbox))
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	plain := &http.Client{Jar: jar, Timeout: 5 * time.Second}

	mem := kv.NewMemory()
	s.coord = session.NewCoordinator(session.NewTokens(mem, quietLogger()),
		&session.HTTPRefresher{BaseURL: srv.URL, Client: plain},
		session.WithLogger(quietLogger()),
		session.WithLogoutHandler(func(string) { s.logouts.Add(1) }),
	)
	s.remote = client.New(srv.URL, session.WrapClient(plain, s.coord))

	policy := idempotency.DefaultPolicy()
	policy.RetryDelay = time.Millisecond
	s.exec = idempotency.NewExecutor(mem, idempotency.WithPolicy(policy), idempotency.WithLogger(quietLogger()))
	store := payment.NewStore(mem, payment.WithLogger(quietLogger()))
	s.service = payment.NewService(store, s.exec, s.remote,
		payment.WithActor("till-1"),
		payment.WithServiceLogger(quietLogger()),
	)

	ctx := context.Background()
	_, err = s.remote.RegisterStore(ctx, storefront.RegisterStoreRequest{Name: "Corner Shop", OwnerEmail: "owner@corner.test", Password: "hunter2"})
	require.NoError(t, err)
	tok, err := s.remote.Login(ctx, storefront.LoginRequest{Email: "owner@corner.test", Password: "hunter2"})
	require.NoError(t, err)
	require.NoError(t, s.coord.Login(ctx, tok.AccessToken))
	return s
}

func (s *stack) create(t *testing.T) payment.Intent {
	t.Helper()
	in, err := s.service.Create(context.Background(), storefront.CreateIntentRequest{
		CustomerID: "cust-1",
		Amount:     decimal.RequireFromString("42.00"),
		Currency:   "EUR",
	})
	require.NoError(t, err)
	return in
}

func TestEndToEnd_DoubleSubmitReachesStorefrontOnce(t *testing.T) {
	// GIVEN: a pending intent
	// WHEN: the approval is submitted twice at the same time
	// THEN: the storefront sees a single approval
	s := newStack(t)
	in := s.create(t)

	var wg sync.WaitGroup
	results := make([]payment.Intent, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.service.Approve(context.Background(), in.IntentID, "123456")
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, payment.StatusApproved, results[i].Status)
	}
	assert.Equal(t, 1, s.sandbox.Calls("approve"))
	assert.Equal(t, 1, s.sandbox.Calls("create"))
}

func TestEndToEnd_ExpiredTokenRefreshedAndReplayed(t *testing.T) {
	// GIVEN: the access token expires while the refresh cookie stays valid
	// WHEN: the approval is sent
	// THEN: one refresh, one approval, and the caller never sees the 401
	s := newStack(t)
	in := s.create(t)
	s.sandbox.ExpireTokens()

	got, err := s.service.Approve(context.Background(), in.IntentID, "123456")

	require.NoError(t, err)
	assert.Equal(t, payment.StatusApproved, got.Status)
	assert.Equal(t, 1, s.sandbox.Calls("refresh"))
	assert.Equal(t, 1, s.sandbox.Calls("approve"))
	assert.EqualValues(t, 1, s.coord.Refreshes())
}

func TestEndToEnd_TransientFailureRetriedWithSameKey(t *testing.T) {
	s := newStack(t)
	in := s.create(t)
	s.sandbox.FailNext("approve", http.StatusServiceUnavailable)

	got, err := s.service.Approve(context.Background(), in.IntentID, "123456")

	require.NoError(t, err)
	assert.Equal(t, payment.StatusApproved, got.Status)
	assert.Equal(t, 2, s.sandbox.Calls("approve"))
	assert.EqualValues(t, 1, s.exec.Stats().Retries)
}

func TestEndToEnd_WrongPINLocksOut(t *testing.T) {
	// GIVEN: five wrong PINs
	// WHEN: a sixth approval is attempted
	// THEN: it is blocked locally and a refresh shows the storefront declined it
	s := newStack(t)
	in := s.create(t)
	ctx := context.Background()

	for i, pin := range []string{"000001", "000002", "000003", "000004", "000005"} {
		_, err := s.service.Approve(ctx, in.IntentID, pin)
		var rej *idempotency.RejectedError
		require.ErrorAs(t, err, &rej)
		assert.Equal(t, 4-i, rej.RemainingAttempts)
	}

	_, err := s.service.Approve(ctx, in.IntentID, "123456")
	assert.ErrorIs(t, err, idempotency.ErrLockedOut)
	assert.Equal(t, 5, s.sandbox.Calls("approve"))

	got, err := s.service.Refresh(ctx, in.IntentID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusDeclined, got.Status)
	assert.Equal(t, "too_many_pin_attempts", got.DeclineReason)
}

func TestEndToEnd_RevokedRefreshEndsSession(t *testing.T) {
	s := newStack(t)
	in := s.create(t)
	s.sandbox.ExpireTokens()
	s.sandbox.RevokeRefresh()

	_, err := s.service.Approve(context.Background(), in.IntentID, "123456")

	assert.ErrorIs(t, err, idempotency.ErrSessionEnded)
	assert.True(t, idempotency.IsSessionEnded(err))
	assert.Equal(t, int32(1), s.logouts.Load())
	assert.False(t, s.coord.Current().Authenticated())
	assert.Zero(t, s.sandbox.Calls("approve"))
}

func TestEndToEnd_CompleteAfterApproval(t *testing.T) {
	s := newStack(t)
	in := s.create(t)
	ctx := context.Background()

	_, err := s.service.Approve(ctx, in.IntentID, "123456")
	require.NoError(t, err)
	got, err := s.service.Complete(ctx, in.PublicID)
	require.NoError(t, err)

	assert.Equal(t, payment.StatusCompleted, got.Status)
	assert.Empty(t, s.service.Store().Active())
}
