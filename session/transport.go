/*
transport.go - Authenticating, idempotency-keyed http.RoundTripper

OUTGOING:
  - Authorization: Bearer <token> on everything except the registration
    flow (ExemptPrefixes).
  - Idempotency-Key on POST/PUT/PATCH/DELETE: the executor's key when the
    request context carries one, otherwise derived from method, path and
    body. GET and HEAD never carry it.

ON 401:
  1. Ask the Coordinator for a token newer than the one sent. It returns the
     current token when someone else already refreshed, refreshes otherwise
     (shared by all callers), and fails with ErrSessionEnded once the
     session has been logged out.
  2. Replay the original request exactly once with the same Idempotency-Key.
     A 401 on the replay is returned as is.
*/
package session

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/warp/checkout-guard/idempotency"
)

// IdempotencyHeader is the deduplication header honoured by the remote side.
const IdempotencyHeader = "Idempotency-Key"

// DefaultExemptPrefixes are the paths that never carry a bearer token and
// never trigger a refresh.
var DefaultExemptPrefixes = []string{"/api/stores/register", "/api/auth/"}

type Transport struct {
	Base           http.RoundTripper
	Coordinator    *Coordinator
	Deriver        idempotency.Deriver
	ExemptPrefixes []string
}

// NewTransport wraps base (http.DefaultTransport when nil).
func NewTransport(base http.RoundTripper, coord *Coordinator) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{
		Base:           base,
		Coordinator:    coord,
		Deriver:        idempotency.NewDeriver(),
		ExemptPrefixes: DefaultExemptPrefixes,
	}
}

// WrapClient returns a copy of client routed through a session Transport.
func WrapClient(client *http.Client, coord *Coordinator) *http.Client {
	if client == nil {
		client = &http.Client{}
	}
	wrapped := *client
	wrapped.Transport = NewTransport(client.Transport, coord)
	return &wrapped
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	body, err := readBody(req)
	if err != nil {
		return nil, err
	}

	exempt := t.exempt(req.URL.Path)
	idemKey := t.idempotencyKey(req, body)

	out := t.prepare(req, body, idemKey)
	var sent TokenState
	if !exempt {
		sent = t.Coordinator.Current()
		if sent.Authenticated() {
			out.Header.Set("Authorization", "Bearer "+sent.AccessToken)
		}
	}

	resp, err := t.Base.RoundTrip(out)
	if err != nil || exempt || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	drain(resp)

	token, err := t.tokenForReplay(req, sent)
	if err != nil {
		return nil, err
	}

	replay := t.prepare(req, body, idemKey)
	replay.Header.Set("Authorization", "Bearer "+token)
	return t.Base.RoundTrip(replay)
}

func (t *Transport) tokenForReplay(req *http.Request, sent TokenState) (string, error) {
	return t.Coordinator.RefreshAfter(req.Context(), sent.Generation)
}

func (t *Transport) prepare(req *http.Request, body []byte, idemKey idempotency.Key) *http.Request {
	out := req.Clone(req.Context())
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		out.ContentLength = int64(len(body))
	}
	if idemKey != "" {
		out.Header.Set(IdempotencyHeader, string(idemKey))
	}
	return out
}

func (t *Transport) idempotencyKey(req *http.Request, body []byte) idempotency.Key {
	if !mutating(req.Method) {
		return ""
	}
	if h := req.Header.Get(IdempotencyHeader); h != "" {
		return idempotency.Key(h)
	}
	if key, ok := idempotency.KeyFromContext(req.Context()); ok {
		return key
	}
	return t.Deriver.DeriveRequestKey(req.Method, req.URL.Path, body)
}

func (t *Transport) exempt(path string) bool {
	for _, p := range t.ExemptPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// readBody buffers the request body so it can be sent twice.
func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	b, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("buffer request body: %w", err)
	}
	return b, nil
}

func drain(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
