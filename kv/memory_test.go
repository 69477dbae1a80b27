package kv_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/checkout-guard/kv"
)

func TestMemory_PutGetDelete(t *testing.T) {
	store := kv.NewMemory()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "ns", "a", []byte("1")))

	v, ok, err := store.Get(ctx, "ns", "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	require.NoError(t, store.Delete(ctx, "ns", "a"))
	_, ok, err = store.Get(ctx, "ns", "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_NamespacesAreIsolated(t *testing.T) {
	// GIVEN: the same key in two namespaces
	// WHEN: one namespace is cleared
	// THEN: the other namespace keeps its value
	store := kv.NewMemory()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, kv.NamespaceOutcomes, "k", []byte("outcome")))
	require.NoError(t, store.Put(ctx, kv.NamespacePaymentIntents, "k", []byte("intent")))

	require.NoError(t, store.Clear(ctx, kv.NamespacePaymentIntents))

	v, ok, err := store.Get(ctx, kv.NamespaceOutcomes, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "outcome", string(v))

	keys, err := store.Keys(ctx, kv.NamespacePaymentIntents)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemory_ReturnsCopies(t *testing.T) {
	store := kv.NewMemory()
	ctx := context.Background()

	in := []byte("abc")
	require.NoError(t, store.Put(ctx, "ns", "k", in))
	in[0] = 'z'

	out, _, err := store.Get(ctx, "ns", "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(out))
}

func TestBucket_ScopesToNamespace(t *testing.T) {
	store := kv.NewMemory()
	ctx := context.Background()
	b := kv.NewBucket(store, "scoped")

	require.NoError(t, b.Put(ctx, "x", []byte("1")))
	require.NoError(t, b.Put(ctx, "y", []byte("2")))

	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, keys)

	_, ok, err := store.Get(ctx, "scoped", "y")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemory_EmptyNamespaceRejected(t *testing.T) {
	store := kv.NewMemory()
	err := store.Put(context.Background(), "", "k", nil)
	assert.ErrorIs(t, err, kv.ErrEmptyNamespace)
}
