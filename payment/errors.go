package payment

import (
	"errors"
	"fmt"

	"github.com/warp/checkout-guard/idempotency"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrIntentNotFound is returned when no intent matches the id.
	ErrIntentNotFound = errors.New("payment intent not found")

	// ErrDuplicateIntent is returned when AddIntent sees an id already in the
	// active set. The existing intent is left untouched.
	ErrDuplicateIntent = errors.New("duplicate payment intent")

	// ErrIllegalTransition is returned for an edge outside the state machine.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrInvalidIntent is returned when a NewIntent fails validation.
	ErrInvalidIntent = errors.New("invalid payment intent")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// TransitionError details a refused status change.
type TransitionError struct {
	IntentID string
	From     Status
	To       Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("intent %s: cannot move from %s to %s", e.IntentID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// LockoutError is returned once an intent has collected too many
// consecutive rejections. It wraps idempotency.ErrLockedOut.
type LockoutError struct {
	IntentID string
	Attempts int
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("intent %s: locked after %d rejected attempts", e.IntentID, e.Attempts)
}

func (e *LockoutError) Unwrap() error { return idempotency.ErrLockedOut }
