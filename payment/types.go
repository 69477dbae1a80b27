/*
types.go - Payment intent model and state machine

STATES:
  PENDING  -> APPROVED | DECLINED | EXPIRED | CANCELED
  APPROVED -> COMPLETED | CANCELED

  DECLINED, EXPIRED, CANCELED and COMPLETED are terminal. A terminal intent
  leaves the active set and is archived to the history log.

AMOUNTS:
  decimal.Decimal end to end; totals are never computed in float.
*/
package payment

import (
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an intent.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusDeclined  Status = "DECLINED"
	StatusExpired   Status = "EXPIRED"
	StatusCanceled  Status = "CANCELED"
	StatusCompleted Status = "COMPLETED"
)

var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusDeclined, StatusExpired, StatusCanceled},
	StatusApproved: {StatusCompleted, StatusCanceled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusDeclined, StatusExpired, StatusCanceled, StatusCompleted:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusApproved || s.Terminal()
}

// LineItem is one purchased item.
type LineItem struct {
	SKU         string          `json:"sku" validate:"required,max=64"`
	Description string          `json:"description" validate:"max=255"`
	Quantity    int             `json:"quantity" validate:"min=1"`
	UnitPrice   decimal.Decimal `json:"unit_price" validate:"gte=0"`
}

// Total is quantity times unit price.
func (li LineItem) Total() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Intent is a payment request awaiting customer action.
type Intent struct {
	IntentID     string          `json:"intent_id"`
	PublicID     string          `json:"public_id,omitempty"`
	CustomerID   string          `json:"customer_id"`
	CustomerName string          `json:"customer_name,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Status       Status          `json:"status"`
	LineItems    []LineItem      `json:"line_items,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	ApprovedAt    *time.Time `json:"approved_at,omitempty"`
	DeclinedAt    *time.Time `json:"declined_at,omitempty"`
	CanceledAt    *time.Time `json:"canceled_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ExpiredAt     *time.Time `json:"expired_at,omitempty"`
	LastTouchedAt time.Time  `json:"last_touched_at"`

	DeclineReason    string `json:"decline_reason,omitempty"`
	RejectedAttempts int    `json:"rejected_attempts,omitempty"`
}

// Matches reports whether id names this intent by either identifier.
func (i *Intent) Matches(id string) bool {
	return id != "" && (i.IntentID == id || i.PublicID == id)
}

func (i *Intent) clone() *Intent {
	c := *i
	c.LineItems = append([]LineItem(nil), i.LineItems...)
	return &c
}

// stamp sets the timestamp field matching status.
func (i *Intent) stamp(status Status, at time.Time) {
	t := at
	switch status {
	case StatusApproved:
		i.ApprovedAt = &t
	case StatusDeclined:
		i.DeclinedAt = &t
	case StatusCanceled:
		i.CanceledAt = &t
	case StatusCompleted:
		i.CompletedAt = &t
	case StatusExpired:
		i.ExpiredAt = &t
	}
	i.LastTouchedAt = at
}

// NewIntent is the input to Store.AddIntent.
type NewIntent struct {
	IntentID     string          `json:"intent_id" validate:"required,max=100"`
	PublicID     string          `json:"public_id" validate:"omitempty,max=100"`
	CustomerID   string          `json:"customer_id" validate:"required,max=100"`
	CustomerName string          `json:"customer_name" validate:"max=255"`
	Amount       decimal.Decimal `json:"amount" validate:"gt=0"`
	Currency     string          `json:"currency" validate:"required,len=3,alpha"`
	Status       Status          `json:"status" validate:"omitempty,oneof=PENDING APPROVED"`
	LineItems    []LineItem      `json:"line_items" validate:"dive"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    *time.Time      `json:"expires_at"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// Validate checks field constraints.
func (n *NewIntent) Validate() error {
	return validate.Struct(n)
}
