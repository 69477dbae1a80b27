package idempotency

import "context"

type keyContextKey struct{}

// WithKey stores key in ctx so the transport can attach it as the
// Idempotency-Key header of the outgoing request.
func WithKey(ctx context.Context, key Key) context.Context {
	return context.WithValue(ctx, keyContextKey{}, key)
}

// KeyFromContext returns the key stored by WithKey.
func KeyFromContext(ctx context.Context) (Key, bool) {
	key, ok := ctx.Value(keyContextKey{}).(Key)
	return key, ok && key != ""
}
