/*
dto.go - Wire types for the storefront API

PURPOSE:
  The JSON contract between the checkout client and the storefront. The
  sandbox server answers with these types and the client package decodes
  them, so both sides share one definition.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Auth:
    LoginRequest, TokenResponse

  Store:
    RegisterStoreRequest, StoreDTO

  Payment intents:
    CreateIntentRequest, ApproveIntentRequest, IntentDTO, LineItemDTO

  Errors:
    ErrorResponse (code + remaining_attempts for business rejections)

  Statuses and reason codes are plain strings so either side can log them.

SEE ALSO:
  - api/handlers.go: Serves these types
  - client/client.go: Decodes these types
*/
package storefront

import (
	"time"

	"github.com/shopspring/decimal"
)

// Intent statuses as the storefront reports them.
const (
	StatusPending   = "PENDING"
	StatusApproved  = "APPROVED"
	StatusDeclined  = "DECLINED"
	StatusExpired   = "EXPIRED"
	StatusCanceled  = "CANCELED"
	StatusCompleted = "COMPLETED"
)

// =============================================================================
// AUTH
// =============================================================================

// LoginRequest authenticates a registered store.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a short-lived access token. The refresh token is
// set as an HTTP-only cookie and never appears in a body.
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// =============================================================================
// STORE REGISTRATION
// =============================================================================

// RegisterStoreRequest creates a merchant store account.
type RegisterStoreRequest struct {
	Name       string `json:"name"`
	OwnerEmail string `json:"owner_email"`
	Password   string `json:"password"`
}

// StoreDTO represents a registered store.
type StoreDTO struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	OwnerEmail string    `json:"owner_email"`
	CreatedAt  time.Time `json:"created_at"`
}

// =============================================================================
// PAYMENT INTENTS
// =============================================================================

// LineItemDTO is one purchased item.
type LineItemDTO struct {
	SKU         string          `json:"sku"`
	Description string          `json:"description,omitempty"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// CreateIntentRequest asks the storefront to open a payment intent.
type CreateIntentRequest struct {
	CustomerID   string          `json:"customer_id"`
	CustomerName string          `json:"customer_name,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	LineItems    []LineItemDTO   `json:"line_items,omitempty"`
}

// ApproveIntentRequest approves an intent with the customer's PIN.
type ApproveIntentRequest struct {
	PIN string `json:"pin"`
}

// IntentDTO represents a payment intent in API responses.
type IntentDTO struct {
	ID            string          `json:"id"`
	PublicID      string          `json:"public_id"`
	StoreID       string          `json:"store_id"`
	CustomerID    string          `json:"customer_id"`
	CustomerName  string          `json:"customer_name,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
	LineItems     []LineItemDTO   `json:"line_items,omitempty"`
	DeclineReason string          `json:"decline_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a sandbox demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ScenarioLoadedDTO answers a scenario load with the seeded intent ids.
type ScenarioLoadedDTO struct {
	Scenario  string   `json:"scenario"`
	Status    string   `json:"status"`
	IntentIDs []string `json:"intent_ids,omitempty"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx answer. Code is a stable reason
// identifier; RemainingAttempts is set for PIN rejections.
type ErrorResponse struct {
	Error             string `json:"error"`
	Code              string `json:"code,omitempty"`
	RemainingAttempts *int   `json:"remaining_attempts,omitempty"`
	Details           any    `json:"details,omitempty"`
}

// Reason codes used in ErrorResponse.Code.
const (
	CodeInvalidPIN        = "invalid_pin"
	CodeLocked            = "intent_locked"
	CodeInvalidState      = "invalid_state"
	CodeNotFound          = "not_found"
	CodeValidation        = "validation_failed"
	CodeUnauthorized      = "unauthorized"
	CodeConflict          = "conflict"
	CodeUnavailable       = "unavailable"
	CodeIdempotencyReused = "idempotency_key_reused"
)
