package kv

import (
	"context"
	"sort"
	"sync"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a Store held entirely in process memory. Values are copied on
// the way in and out so callers cannot mutate stored bytes.
type Memory struct {
	mu     sync.RWMutex
	spaces map[string]map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{spaces: make(map[string]map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, namespace, key string) ([]byte, bool, error) {
	if namespace == "" {
		return nil, false, ErrEmptyNamespace
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.spaces[namespace][key]
	if !ok {
		return nil, false, nil
	}
	return clone(v), true, nil
}

func (m *Memory) Put(_ context.Context, namespace, key string, value []byte) error {
	if namespace == "" {
		return ErrEmptyNamespace
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	space, ok := m.spaces[namespace]
	if !ok {
		space = make(map[string][]byte)
		m.spaces[namespace] = space
	}
	space[key] = clone(value)
	return nil
}

func (m *Memory) Delete(_ context.Context, namespace, key string) error {
	if namespace == "" {
		return ErrEmptyNamespace
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.spaces[namespace], key)
	return nil
}

func (m *Memory) Keys(_ context.Context, namespace string) ([]string, error) {
	if namespace == "" {
		return nil, ErrEmptyNamespace
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.spaces[namespace]))
	for k := range m.spaces[namespace] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Clear(_ context.Context, namespace string) error {
	if namespace == "" {
		return ErrEmptyNamespace
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.spaces, namespace)
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
