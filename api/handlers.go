/*
handlers.go - Sandbox storefront handlers

PURPOSE:
  In-process stand-in for the storefront the checkout client talks to. It
  holds all state in memory and is meant for local runs and end-to-end
  tests, not production traffic.

ENDPOINTS:
  Auth:
    POST   /api/auth/login                     Access token + refresh cookie
    POST   /api/auth/refresh                   New access token from cookie

  Stores:
    POST   /api/stores/register                Create a store account

  Payment intents:
    POST   /api/payments/intents               Open an intent
    GET    /api/payments/intents/{id}          Read an intent
    POST   /api/payments/intents/{id}/approve  Approve with PIN
    POST   /api/payments/intents/{id}/cancel   Cancel
    POST   /api/payments/intents/{id}/complete Capture an approved intent

ERROR HANDLING:
  Errors are returned as JSON storefront.ErrorResponse with a stable Code:
  - 400: Validation errors, invalid input
  - 401: Missing or expired access token
  - 403: Intent locked after too many PIN failures
  - 404: Resource not found
  - 409: Illegal state change, request already in progress
  - 422: Wrong PIN (with remaining_attempts), reused idempotency key
  - 503: Injected failure (FailNext)

TEST HOOKS:
  Calls() counts handled operations, FailNext injects failures,
  ExpireTokens invalidates every issued access token.

SEE ALSO:
  - storefront/dto.go: Request/response data structures
  - idempotency.go: Server-side deduplication
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/checkout-guard/storefront"
)

// RefreshCookie carries the refresh token.
const RefreshCookie = "refresh_token"

// Config tunes the sandbox.
type Config struct {
	PIN            string        // accepted approval PIN
	TokenTTL       time.Duration // access token lifetime
	IntentTTL      time.Duration // intent expiry horizon
	MaxPINAttempts int
	ReplayTTL      time.Duration // server-side idempotency window
}

func DefaultConfig() Config {
	return Config{
		PIN:            "123456",
		TokenTTL:       15 * time.Minute,
		IntentTTL:      24 * time.Hour,
		MaxPINAttempts: 5,
		ReplayTTL:      24 * time.Hour,
	}
}

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

type storeAccount struct {
	storefront.StoreDTO
	password string
}

type accessToken struct {
	storeID   string
	expiresAt time.Time
}

type intentRecord struct {
	storefront.IntentDTO
	pinFailures int
}

// Handler holds all sandbox state.
type Handler struct {
	cfg     Config
	logger  *slog.Logger
	replies *replyCache
	now     func() time.Time

	mu        sync.Mutex
	stores    map[string]*storeAccount
	byEmail   map[string]string
	tokens    map[string]accessToken
	refresh   map[string]string // refresh token -> store id
	intents   map[string]*intentRecord
	byPublic  map[string]string
	calls     map[string]int
	failures  map[string][]int
	publicSeq int

	currentScenario string
}

// NewHandler creates a sandbox with empty state.
func NewHandler(cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:      cfg,
		logger:   logger.With("component", "sandbox"),
		replies:  newReplyCache(cfg.ReplayTTL),
		now:      time.Now,
		stores:   make(map[string]*storeAccount),
		byEmail:  make(map[string]string),
		tokens:   make(map[string]accessToken),
		refresh:  make(map[string]string),
		intents:  make(map[string]*intentRecord),
		byPublic: make(map[string]string),
		calls:    make(map[string]int),
		failures: make(map[string][]int),
	}
}

// Calls returns how many times op ran past the idempotency layer.
// Ops: login, refresh, register, create, get, approve, cancel, complete.
func (h *Handler) Calls(op string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[op]
}

// FailNext makes the next call to op answer with status (503 when zero)
// before touching any state.
func (h *Handler) FailNext(op string, status int) {
	if status == 0 {
		status = http.StatusServiceUnavailable
	}
	h.mu.Lock()
	h.failures[op] = append(h.failures[op], status)
	h.mu.Unlock()
}

// ExpireTokens invalidates every access token; refresh cookies stay valid.
func (h *Handler) ExpireTokens() {
	h.mu.Lock()
	h.tokens = make(map[string]accessToken)
	h.mu.Unlock()
}

// RevokeRefresh invalidates every refresh cookie.
func (h *Handler) RevokeRefresh() {
	h.mu.Lock()
	h.refresh = make(map[string]string)
	h.mu.Unlock()
}

// enter counts op and reports an injected failure, if any.
func (h *Handler) enter(w http.ResponseWriter, op string) bool {
	h.mu.Lock()
	h.calls[op]++
	var status int
	if q := h.failures[op]; len(q) > 0 {
		status, h.failures[op] = q[0], q[1:]
	}
	h.mu.Unlock()

	if status != 0 {
		writeError(w, status, "Injected failure", storefront.CodeUnavailable, nil)
		return false
	}
	return true
}

// =============================================================================
// AUTH
// =============================================================================

type ctxKey struct{}

// RequireAuth rejects requests without a live bearer token.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		h.mu.Lock()
		at, ok := h.tokens[token]
		if ok && !h.now().Before(at.expiresAt) {
			delete(h.tokens, token)
			ok = false
		}
		h.mu.Unlock()

		if token == "" || !ok {
			writeError(w, http.StatusUnauthorized, "Access token missing or expired", storefront.CodeUnauthorized, nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, at.storeID)))
	})
}

func storeFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

// Login issues an access token and sets the refresh cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if !h.enter(w, "login") {
		return
	}
	var req storefront.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", storefront.CodeValidation, err)
		return
	}

	h.mu.Lock()
	acct, ok := h.stores[h.byEmail[strings.ToLower(req.Email)]]
	if !ok || acct.password != req.Password {
		h.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "Invalid credentials", storefront.CodeUnauthorized, nil)
		return
	}
	resp := h.issueLocked(acct.ID)
	refresh := uuid.NewString()
	h.refresh[refresh] = acct.ID
	h.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookie,
		Value:    refresh,
		Path:     "/api/auth",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, resp)
}

// Refresh exchanges the refresh cookie for a new access token.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	if !h.enter(w, "refresh") {
		return
	}
	c, err := r.Cookie(RefreshCookie)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Refresh cookie missing", storefront.CodeUnauthorized, nil)
		return
	}

	h.mu.Lock()
	storeID, ok := h.refresh[c.Value]
	if !ok {
		h.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "Refresh cookie invalid", storefront.CodeUnauthorized, nil)
		return
	}
	resp := h.issueLocked(storeID)
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) issueLocked(storeID string) storefront.TokenResponse {
	token := uuid.NewString()
	exp := h.now().Add(h.cfg.TokenTTL)
	h.tokens[token] = accessToken{storeID: storeID, expiresAt: exp}
	return storefront.TokenResponse{AccessToken: token, ExpiresAt: exp}
}

// =============================================================================
// STORE HANDLERS
// =============================================================================

// RegisterStore creates a store account.
func (h *Handler) RegisterStore(w http.ResponseWriter, r *http.Request) {
	if !h.enter(w, "register") {
		return
	}
	var req storefront.RegisterStoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", storefront.CodeValidation, err)
		return
	}
	if req.Name == "" || req.OwnerEmail == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "name, owner_email and password are required", storefront.CodeValidation, nil)
		return
	}

	email := strings.ToLower(req.OwnerEmail)
	h.mu.Lock()
	if _, taken := h.byEmail[email]; taken {
		h.mu.Unlock()
		writeError(w, http.StatusConflict, "Email already registered", storefront.CodeConflict, nil)
		return
	}
	acct := &storeAccount{
		StoreDTO: storefront.StoreDTO{
			ID:         uuid.NewString(),
			Name:       req.Name,
			OwnerEmail: email,
			CreatedAt:  h.now().UTC(),
		},
		password: req.Password,
	}
	h.stores[acct.ID] = acct
	h.byEmail[email] = acct.ID
	h.mu.Unlock()

	h.logger.Info("store registered", "store_id", acct.ID)
	writeJSON(w, http.StatusCreated, acct.StoreDTO)
}

// =============================================================================
// INTENT HANDLERS
// =============================================================================

// CreateIntent opens a payment intent for the authenticated store.
func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	if !h.enter(w, "create") {
		return
	}
	var req storefront.CreateIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", storefront.CodeValidation, err)
		return
	}
	if req.CustomerID == "" || !req.Amount.GreaterThan(decimal.Zero) || len(req.Currency) != 3 {
		writeError(w, http.StatusBadRequest, "customer_id, positive amount and 3-letter currency are required", storefront.CodeValidation, nil)
		return
	}

	now := h.now().UTC()
	h.mu.Lock()
	h.publicSeq++
	rec := &intentRecord{IntentDTO: storefront.IntentDTO{
		ID:           uuid.NewString(),
		PublicID:     fmt.Sprintf("PI-%06d", h.publicSeq),
		StoreID:      storeFrom(r),
		CustomerID:   req.CustomerID,
		CustomerName: req.CustomerName,
		Amount:       req.Amount,
		Currency:     strings.ToUpper(req.Currency),
		Status:       storefront.StatusPending,
		LineItems:    req.LineItems,
		CreatedAt:    now,
		ExpiresAt:    now.Add(h.cfg.IntentTTL),
		UpdatedAt:    now,
	}}
	h.intents[rec.ID] = rec
	h.byPublic[rec.PublicID] = rec.ID
	dto := rec.IntentDTO
	h.mu.Unlock()

	h.logger.Info("intent created", "intent_id", dto.ID, "amount", dto.Amount.String())
	writeJSON(w, http.StatusCreated, dto)
}

// GetIntent returns one intent.
func (h *Handler) GetIntent(w http.ResponseWriter, r *http.Request) {
	if !h.enter(w, "get") {
		return
	}
	h.mu.Lock()
	rec := h.intentLocked(r)
	if rec == nil {
		h.mu.Unlock()
		writeError(w, http.StatusNotFound, "Intent not found", storefront.CodeNotFound, nil)
		return
	}
	h.expireLocked(rec)
	dto := rec.IntentDTO
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, dto)
}

// ApproveIntent checks the PIN and approves a pending intent.
func (h *Handler) ApproveIntent(w http.ResponseWriter, r *http.Request) {
	if !h.enter(w, "approve") {
		return
	}
	var req storefront.ApproveIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", storefront.CodeValidation, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	rec := h.intentLocked(r)
	if rec == nil {
		writeError(w, http.StatusNotFound, "Intent not found", storefront.CodeNotFound, nil)
		return
	}
	h.expireLocked(rec)
	if rec.pinFailures >= h.cfg.MaxPINAttempts {
		zero := 0
		writeJSON(w, http.StatusForbidden, storefront.ErrorResponse{Error: "Too many PIN attempts", Code: storefront.CodeLocked, RemainingAttempts: &zero})
		return
	}
	if rec.Status != storefront.StatusPending {
		writeError(w, http.StatusConflict, fmt.Sprintf("Intent is %s", rec.Status), storefront.CodeInvalidState, nil)
		return
	}

	if req.PIN != h.cfg.PIN {
		rec.pinFailures++
		left := h.cfg.MaxPINAttempts - rec.pinFailures
		if left <= 0 {
			rec.Status = storefront.StatusDeclined
			rec.DeclineReason = "too_many_pin_attempts"
			rec.UpdatedAt = h.now().UTC()
		}
		writeJSON(w, http.StatusUnprocessableEntity, storefront.ErrorResponse{Error: "Incorrect PIN", Code: storefront.CodeInvalidPIN, RemainingAttempts: &left})
		return
	}

	rec.pinFailures = 0
	rec.Status = storefront.StatusApproved
	rec.UpdatedAt = h.now().UTC()
	h.logger.Info("intent approved", "intent_id", rec.ID)
	writeJSON(w, http.StatusOK, rec.IntentDTO)
}

// CancelIntent cancels a pending or approved intent.
func (h *Handler) CancelIntent(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "cancel", storefront.StatusCanceled, storefront.StatusPending, storefront.StatusApproved)
}

// CompleteIntent captures an approved intent.
func (h *Handler) CompleteIntent(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "complete", storefront.StatusCompleted, storefront.StatusApproved)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op, to string, from ...string) {
	if !h.enter(w, op) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	rec := h.intentLocked(r)
	if rec == nil {
		writeError(w, http.StatusNotFound, "Intent not found", storefront.CodeNotFound, nil)
		return
	}
	h.expireLocked(rec)

	allowed := false
	for _, s := range from {
		if rec.Status == s {
			allowed = true
		}
	}
	if !allowed {
		writeError(w, http.StatusConflict, fmt.Sprintf("Cannot %s an intent that is %s", op, rec.Status), storefront.CodeInvalidState, nil)
		return
	}

	rec.Status = to
	rec.UpdatedAt = h.now().UTC()
	h.logger.Info("intent status changed", "intent_id", rec.ID, "status", to)
	writeJSON(w, http.StatusOK, rec.IntentDTO)
}

func (h *Handler) intentLocked(r *http.Request) *intentRecord {
	id := chi.URLParam(r, "id")
	if real, ok := h.byPublic[id]; ok {
		id = real
	}
	rec, ok := h.intents[id]
	if !ok || rec.StoreID != storeFrom(r) {
		return nil
	}
	return rec
}

func (h *Handler) expireLocked(rec *intentRecord) {
	if rec.Status == storefront.StatusPending && !h.now().Before(rec.ExpiresAt) {
		rec.Status = storefront.StatusExpired
		rec.UpdatedAt = h.now().UTC()
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, code string, err error) {
	resp := storefront.ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
