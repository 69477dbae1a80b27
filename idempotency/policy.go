package idempotency

import "time"

// Action names a logical operation. It selects the outcome TTL and
// prefixes derived keys.
type Action string

const (
	ActionApprovePayment  Action = "payment.approve"
	ActionCreatePayment   Action = "payment.create"
	ActionCancelPayment   Action = "payment.cancel"
	ActionCompletePayment Action = "payment.complete"
	ActionRegisterStore   Action = "store.register"
)

// DefaultTTL applies to actions without an explicit window.
const DefaultTTL = 10 * time.Minute

// Policy holds per-action outcome windows and the retry delay.
type Policy struct {
	TTLs       map[Action]time.Duration
	DefaultTTL time.Duration
	RetryDelay time.Duration
}

// DefaultPolicy returns the production windows.
func DefaultPolicy() Policy {
	return Policy{
		TTLs: map[Action]time.Duration{
			ActionApprovePayment:  30 * time.Minute,
			ActionCreatePayment:   30 * time.Minute,
			ActionCancelPayment:   30 * time.Minute,
			ActionCompletePayment: 30 * time.Minute,
			ActionRegisterStore:   120 * time.Minute,
		},
		DefaultTTL: DefaultTTL,
		RetryDelay: 300 * time.Millisecond,
	}
}

// TTL returns the outcome window for action.
func (p Policy) TTL(action Action) time.Duration {
	if ttl, ok := p.TTLs[action]; ok && ttl > 0 {
		return ttl
	}
	if p.DefaultTTL > 0 {
		return p.DefaultTTL
	}
	return DefaultTTL
}
