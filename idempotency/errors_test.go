package idempotency_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warp/checkout-guard/idempotency"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want idempotency.Class
	}{
		{"nil", nil, idempotency.ClassNone},
		{"transient", &idempotency.TransientError{Op: "approve", StatusCode: 503}, idempotency.ClassTransient},
		{"wrapped transient", fmt.Errorf("approve: %w", &idempotency.TransientError{Op: "approve", Err: context.DeadlineExceeded}), idempotency.ClassTransient},
		{"rejected", &idempotency.RejectedError{Reason: "invalid_pin"}, idempotency.ClassRejected},
		{"fatal", &idempotency.FatalError{Reason: "bad_request"}, idempotency.ClassFatal},
		{"session ended", idempotency.ErrSessionEnded, idempotency.ClassFatal},
		{"locked out", fmt.Errorf("approve: %w", idempotency.ErrLockedOut), idempotency.ClassFatal},
		{"caller canceled", context.Canceled, idempotency.ClassFatal},
		{"net timeout", timeoutErr{}, idempotency.ClassTransient},
		{"unknown", errors.New("mystery"), idempotency.ClassFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, idempotency.Classify(tt.err))
		})
	}
}

func TestErrorHelpers(t *testing.T) {
	rej := &idempotency.RejectedError{Reason: "invalid_pin", Message: "wrong PIN", RemainingAttempts: 2}

	assert.True(t, idempotency.IsRejected(rej))
	assert.False(t, idempotency.IsRetryable(rej))
	assert.True(t, idempotency.IsRetryable(&idempotency.TransientError{Op: "x"}))
	assert.True(t, idempotency.IsSessionEnded(&idempotency.FatalError{Reason: "session", Err: idempotency.ErrSessionEnded}))
	assert.Contains(t, rej.Error(), "wrong PIN")
}
