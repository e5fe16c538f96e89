// Package mock provides mock implementations of storage.Store for testing.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fanzplatform/fanz-secure/storage"
	"github.com/fanzplatform/fanz-secure/storage/memory"
)

// Store is a mock storage.Store. Every call is delegated to the matching
// Func field when set, otherwise to an in-memory backing store. SetFailing
// makes every call return an error wrapping storage.ErrUnavailable.
type Store struct {
	mu      sync.Mutex
	backing *memory.Store
	failErr error

	IncrementFunc   func(ctx context.Context, key string, window time.Duration) (storage.Counter, error)
	GetFunc         func(ctx context.Context, key string) (string, error)
	SetFunc         func(ctx context.Context, key, value string, ttl time.Duration) error
	SetIfAbsentFunc func(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	DeleteFunc      func(ctx context.Context, key string) error

	callCounts map[string]int
}

var _ storage.Store = (*Store)(nil)

// New creates a mock store backed by a fresh in-memory store.
func New() *Store {
	return &Store{
		backing:    memory.New(),
		callCounts: make(map[string]int),
	}
}

// Stop releases the backing store.
func (m *Store) Stop() {
	m.backing.Stop()
}

// SetFailing makes all subsequent calls fail (true) or succeed (false).
func (m *Store) SetFailing(failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if failing {
		m.failErr = fmt.Errorf("%w: injected failure", storage.ErrUnavailable)
	} else {
		m.failErr = nil
	}
}

// CallCount returns how many times the named method was called.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

func (m *Store) begin(method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts[method]++
	return m.failErr
}

// Increment implements storage.Store.
func (m *Store) Increment(ctx context.Context, key string, window time.Duration) (storage.Counter, error) {
	if err := m.begin("Increment"); err != nil {
		return storage.Counter{}, err
	}
	if m.IncrementFunc != nil {
		return m.IncrementFunc(ctx, key, window)
	}
	return m.backing.Increment(ctx, key, window)
}

// Get implements storage.Store.
func (m *Store) Get(ctx context.Context, key string) (string, error) {
	if err := m.begin("Get"); err != nil {
		return "", err
	}
	if m.GetFunc != nil {
		return m.GetFunc(ctx, key)
	}
	return m.backing.Get(ctx, key)
}

// Set implements storage.Store.
func (m *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := m.begin("Set"); err != nil {
		return err
	}
	if m.SetFunc != nil {
		return m.SetFunc(ctx, key, value, ttl)
	}
	return m.backing.Set(ctx, key, value, ttl)
}

// SetIfAbsent implements storage.Store.
func (m *Store) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := m.begin("SetIfAbsent"); err != nil {
		return false, err
	}
	if m.SetIfAbsentFunc != nil {
		return m.SetIfAbsentFunc(ctx, key, value, ttl)
	}
	return m.backing.SetIfAbsent(ctx, key, value, ttl)
}

// Delete implements storage.Store.
func (m *Store) Delete(ctx context.Context, key string) error {
	if err := m.begin("Delete"); err != nil {
		return err
	}
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, key)
	}
	return m.backing.Delete(ctx, key)
}
