// Package cache defines the local key-value cache that backs up step
// state between restarts, plus an in-memory implementation.
package cache

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// Store is a string key-value cache.
type Store interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value under key.
	Set(ctx context.Context, key, value string) error

	// Keys returns all keys, sorted.
	Keys(ctx context.Context) ([]string, error)

	// Remove deletes the given keys. Missing keys are ignored.
	Remove(ctx context.Context, keys ...string) error

	// Close releases resources.
	Close() error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

// Get returns the value for key.
func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok, nil
}

// Set stores value under key.
func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// Keys returns all keys, sorted.
func (s *MemoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.data)), nil
}

// Remove deletes keys.
func (s *MemoryStore) Remove(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

// Close is a no-op.
func (*MemoryStore) Close() error { return nil }

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
