package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/warp/checkout-guard/storefront"
)

// IdempotencyHeader names the deduplication header.
const IdempotencyHeader = "Idempotency-Key"

// ReplayedHeader is set on responses served from the idempotency cache.
const ReplayedHeader = "Idempotent-Replayed"

type entryStatus int

const (
	entryProcessing entryStatus = iota
	entryCompleted
)

type replyEntry struct {
	status    entryStatus
	bodyHash  string
	code      int
	header    http.Header
	body      []byte
	createdAt time.Time
}

// replyCache is the server's authoritative at-most-once record, keyed by
// resource path and Idempotency-Key.
type replyCache struct {
	mu      sync.Mutex
	entries map[string]*replyEntry
	ttl     time.Duration
	now     func() time.Time
}

func newReplyCache(ttl time.Duration) *replyCache {
	return &replyCache{
		entries: make(map[string]*replyEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Idempotency replays the stored response for a repeated mutating request.
//
//   - no header, a safe method or an auth call: passed through
//   - same key, different body: 422 idempotency_key_reused
//   - same key still running: 409 conflict
//   - same key completed: stored status and body, ReplayedHeader set
//
// Responses that invite a retry (401, 408, 429, 5xx) are not stored.
func (c *replyCache) Idempotency(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if key == "" || !mutating(r.Method) || strings.HasPrefix(r.URL.Path, "/api/auth/") {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Unreadable request body", storefront.CodeValidation, err)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			bodyHash := hashBody(body)
			cacheKey := r.URL.Path + "|" + key

			entry, fresh := c.begin(cacheKey, bodyHash)
			if !fresh {
				switch {
				case entry.bodyHash != bodyHash:
					writeError(w, http.StatusUnprocessableEntity, "Idempotency key reused with a different body", storefront.CodeIdempotencyReused, nil)
				case entry.status == entryProcessing:
					logger.Info("concurrent request detected", "key", key)
					writeError(w, http.StatusConflict, "Request is already being processed", storefront.CodeConflict, nil)
				default:
					logger.Info("returning cached response", "key", key, "status", entry.code)
					for k, v := range entry.header {
						w.Header()[k] = v
					}
					w.Header().Set(ReplayedHeader, "true")
					w.WriteHeader(entry.code)
					_, _ = w.Write(entry.body)
				}
				return
			}

			var buf bytes.Buffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&buf)
			next.ServeHTTP(ww, r)

			code := ww.Status()
			if code == 0 {
				code = http.StatusOK
			}
			if retryable(code) {
				c.forget(cacheKey)
				return
			}
			c.complete(cacheKey, code, w.Header().Clone(), buf.Bytes())
		})
	}
}

func (c *replyCache) begin(key, bodyHash string) (replyEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		if c.now().Sub(e.createdAt) < c.ttl {
			return *e, false
		}
		delete(c.entries, key)
	}
	c.entries[key] = &replyEntry{status: entryProcessing, bodyHash: bodyHash, createdAt: c.now()}
	return replyEntry{}, true
}

func (c *replyCache) complete(key string, code int, header http.Header, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.status = entryCompleted
		e.code = code
		e.header = header
		e.body = append([]byte(nil), body...)
	}
}

func (c *replyCache) reset() {
	c.mu.Lock()
	c.entries = make(map[string]*replyEntry)
	c.mu.Unlock()
}

func (c *replyCache) forget(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func retryable(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests || code >= 500
}

func hashBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
