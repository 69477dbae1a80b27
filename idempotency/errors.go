/*
errors.go - Failure taxonomy for guarded operations

PURPOSE:
  Every failure that leaves the transport is one of three classes. The
  executor's retry policy is a total function over these classes rather
  than a guess based on error text.

CLASSES:
  Transient: network-level, no business outcome received. Retried once
             when the caller asked for it.
  Rejected:  the remote side answered with a business decision (wrong PIN,
             insufficient balance). Never retried automatically.
  Fatal:     anything the client cannot recover from locally (session ended,
             caller gave up, unknown failure).

  Duplicate suppression is not a failure: the cached outcome is returned
  with a nil error.

USAGE:
  if idempotency.IsRejected(err) {
      var rej *idempotency.RejectedError
      errors.As(err, &rej)
      showRetryPrompt(rej.Message, rej.RemainingAttempts)
  }

SEE ALSO:
  - executor.go: Applies the retry policy
  - client/client.go: Produces these errors from HTTP responses
*/
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrSessionEnded is returned once a token refresh has failed. The user
	// must authenticate again.
	ErrSessionEnded = errors.New("session ended")

	// ErrLockedOut is returned when an intent has collected too many
	// consecutive rejections and further attempts are blocked locally.
	ErrLockedOut = errors.New("too many rejected attempts")

	// ErrRecordCorrupt marks a persisted record that could not be decoded.
	ErrRecordCorrupt = errors.New("persisted record corrupt")

	// ErrEmptyKey is returned when a request carries no idempotency key.
	ErrEmptyKey = errors.New("empty idempotency key")
)

// =============================================================================
// CLASSES
// =============================================================================

// Class is the closed set of failure kinds.
type Class int

const (
	ClassNone Class = iota
	ClassTransient
	ClassRejected
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassRejected:
		return "rejected"
	case ClassFatal:
		return "fatal"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// TransientError wraps a failure where no business outcome was received.
type TransientError struct {
	Op         string
	StatusCode int // 0 when no response arrived
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: transient failure (http %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectedError is a business decision returned by the remote side.
type RejectedError struct {
	Reason            string // stable code, e.g. "invalid_pin"
	Message           string
	RemainingAttempts int // -1 when the remote side did not say
	StatusCode        int
}

func (e *RejectedError) Error() string {
	if e.RemainingAttempts >= 0 {
		return fmt.Sprintf("rejected: %s: %s (%d attempts remaining)", e.Reason, e.Message, e.RemainingAttempts)
	}
	return fmt.Sprintf("rejected: %s: %s", e.Reason, e.Message)
}

// FatalError is a failure the caller cannot recover from by retrying.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return "fatal: " + e.Reason
	}
	return fmt.Sprintf("fatal: %s: %v", e.Reason, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// =============================================================================
// CLASSIFICATION
// =============================================================================

// Classify maps any error onto a Class. Unknown errors are Fatal.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return ClassRejected
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return ClassFatal
	}
	if errors.Is(err, ErrSessionEnded) || errors.Is(err, ErrLockedOut) {
		return ClassFatal
	}
	// Checked before context errors: an HTTP client timeout wraps
	// context.DeadlineExceeded but is still a network failure.
	var transient *TransientError
	if errors.As(err, &transient) {
		return ClassTransient
	}
	// The caller stopped waiting; retrying would ignore that decision.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassFatal
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassFatal
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool { return Classify(err) == ClassTransient }

// IsRejected returns true if the remote side made a business decision.
func IsRejected(err error) bool { return Classify(err) == ClassRejected }

// IsSessionEnded returns true if the user must log in again.
func IsSessionEnded(err error) bool { return errors.Is(err, ErrSessionEnded) }
