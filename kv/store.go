/*
Package kv defines the durable key-value medium the client persists into.

PURPOSE:
  The reliability layer keeps three kinds of state that must outlive the
  process: completed operation outcomes, the active payment intent set and
  the payment history log. All of them sit in one namespaced key-value
  medium that is injected, never reached globally.

KEY INTERFACES:
  Store:  Raw namespaced medium (Get, Put, Delete, Keys, Clear)
  Bucket: A Store bound to one namespace

TTL:
  The medium never expires anything on its own. Every value carries its own
  timestamps and the reader decides when a value is stale.

CORRUPTION:
  Readers that cannot decode a value Clear() the whole namespace and carry
  on with empty state. Nothing else in the medium is touched.

IMPLEMENTATIONS:
  - kv/memory.go: In-memory, for tests and throwaway clients
  - store/sqlite/sqlite.go: SQLite file, survives restarts

SEE ALSO:
  - idempotency/outcome.go: Outcome cache namespace
  - payment/store.go: Intent and history namespaces
*/
package kv

import (
	"context"
	"errors"
)

// Namespaces used by this module. Kept together so collisions are visible.
const (
	NamespaceOutcomes       = "idempotency.outcomes"
	NamespacePaymentIntents = "payment.intents"
	NamespacePaymentHistory = "payment.history"
	NamespaceSession        = "session.tokens"
)

var (
	// ErrClosed is returned by a Store used after Close.
	ErrClosed = errors.New("kv: store closed")

	// ErrEmptyNamespace is returned when a caller passes an empty namespace.
	ErrEmptyNamespace = errors.New("kv: empty namespace")
)

// =============================================================================
// STORE - Namespaced medium
// =============================================================================

// Store is a namespaced key-value medium.
type Store interface {
	// Get returns the value for key. The bool is false when absent.
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)

	// Put writes value under key, replacing any previous value.
	Put(ctx context.Context, namespace, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, namespace, key string) error

	// Keys lists every key in namespace, sorted.
	Keys(ctx context.Context, namespace string) ([]string, error)

	// Clear drops the whole namespace.
	Clear(ctx context.Context, namespace string) error
}

// =============================================================================
// BUCKET - Store bound to a namespace
// =============================================================================

// Bucket scopes a Store to one namespace.
type Bucket struct {
	store     Store
	namespace string
}

// NewBucket binds store to namespace.
func NewBucket(store Store, namespace string) Bucket {
	return Bucket{store: store, namespace: namespace}
}

func (b Bucket) Namespace() string { return b.namespace }

func (b Bucket) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return b.store.Get(ctx, b.namespace, key)
}

func (b Bucket) Put(ctx context.Context, key string, value []byte) error {
	return b.store.Put(ctx, b.namespace, key, value)
}

func (b Bucket) Delete(ctx context.Context, key string) error {
	return b.store.Delete(ctx, b.namespace, key)
}

func (b Bucket) Keys(ctx context.Context) ([]string, error) {
	return b.store.Keys(ctx, b.namespace)
}

func (b Bucket) Clear(ctx context.Context) error {
	return b.store.Clear(ctx, b.namespace)
}
