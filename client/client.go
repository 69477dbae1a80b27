/*
client.go - Typed storefront client

PURPOSE:
  Thin JSON client over the storefront API. It performs no retries and no
  deduplication of its own; those belong to the idempotency executor and
  the session transport underneath.

ERROR MAPPING:
  transport failure, 408, 429, 5xx     -> *idempotency.TransientError
  400, 402, 403, 409, 422              -> *idempotency.RejectedError
  401 (after the transport gave up)    -> ErrSessionEnded (fatal)
  anything else                        -> *idempotency.FatalError

  A caller whose own context ended gets the context error unchanged.
*/
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/warp/checkout-guard/idempotency"
	"github.com/warp/checkout-guard/storefront"
)

// ErrNotFound is wrapped by the FatalError returned for 404.
var ErrNotFound = errors.New("resource not found")

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New returns a client for baseURL. httpClient normally routes through a
// session.Transport; nil uses http.DefaultClient.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: httpClient}
}

// =============================================================================
// CALLS
// =============================================================================

func (c *Client) RegisterStore(ctx context.Context, req storefront.RegisterStoreRequest) (*storefront.StoreDTO, error) {
	var out storefront.StoreDTO
	if err := c.do(ctx, "register store", http.MethodPost, "/api/stores/register", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Login authenticates and returns the access token. The refresh cookie
// lands in the HTTP client's jar.
func (c *Client) Login(ctx context.Context, req storefront.LoginRequest) (*storefront.TokenResponse, error) {
	var out storefront.TokenResponse
	if err := c.do(ctx, "login", http.MethodPost, "/api/auth/login", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateIntent(ctx context.Context, req storefront.CreateIntentRequest) (*storefront.IntentDTO, error) {
	var out storefront.IntentDTO
	if err := c.do(ctx, "create intent", http.MethodPost, "/api/payments/intents", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetIntent(ctx context.Context, id string) (*storefront.IntentDTO, error) {
	var out storefront.IntentDTO
	if err := c.do(ctx, "get intent", http.MethodGet, intentPath(id, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ApproveIntent(ctx context.Context, id, pin string) (*storefront.IntentDTO, error) {
	var out storefront.IntentDTO
	body := storefront.ApproveIntentRequest{PIN: pin}
	if err := c.do(ctx, "approve intent", http.MethodPost, intentPath(id, "approve"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelIntent(ctx context.Context, id string) (*storefront.IntentDTO, error) {
	var out storefront.IntentDTO
	if err := c.do(ctx, "cancel intent", http.MethodPost, intentPath(id, "cancel"), struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CompleteIntent(ctx context.Context, id string) (*storefront.IntentDTO, error) {
	var out storefront.IntentDTO
	if err := c.do(ctx, "complete intent", http.MethodPost, intentPath(id, "complete"), struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func intentPath(id, action string) string {
	p := "/api/payments/intents/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

// =============================================================================
// TRANSPORT
// =============================================================================

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return &idempotency.FatalError{Reason: "encode_request", Err: err}
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return &idempotency.FatalError{Reason: "build_request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return transportError(ctx, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &idempotency.FatalError{Reason: "decode_response", Err: fmt.Errorf("%s: %w", op, err)}
		}
		return nil
	}
	return statusError(op, resp)
}

func transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, idempotency.ErrSessionEnded) {
		return err
	}
	return &idempotency.TransientError{Op: op, Err: err}
}

// statusError maps a non-2xx response onto the failure classes.
func statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body storefront.ErrorResponse
	_ = json.Unmarshal(raw, &body)
	message := body.Error
	if message == "" {
		message = strings.TrimSpace(string(raw))
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	switch code := resp.StatusCode; {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return &idempotency.TransientError{Op: op, StatusCode: code, Err: errors.New(message)}

	case code == http.StatusBadRequest, code == http.StatusPaymentRequired, code == http.StatusForbidden,
		code == http.StatusConflict, code == http.StatusUnprocessableEntity:
		rej := &idempotency.RejectedError{
			Reason:            body.Code,
			Message:           message,
			RemainingAttempts: -1,
			StatusCode:        code,
		}
		if rej.Reason == "" {
			rej.Reason = strings.ToLower(strings.ReplaceAll(http.StatusText(code), " ", "_"))
		}
		if body.RemainingAttempts != nil {
			rej.RemainingAttempts = *body.RemainingAttempts
		}
		return rej

	case code == http.StatusUnauthorized:
		return &idempotency.FatalError{Reason: "unauthorized", Err: fmt.Errorf("%s: %w", op, idempotency.ErrSessionEnded)}

	case code == http.StatusNotFound:
		return &idempotency.FatalError{Reason: "not_found", Err: fmt.Errorf("%s: %w", op, ErrNotFound)}

	default:
		return &idempotency.FatalError{Reason: fmt.Sprintf("http_%d", code), Err: fmt.Errorf("%s: %s", op, message)}
	}
}
