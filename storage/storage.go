package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Sentinel errors returned by Store implementations
var (
	// ErrNotFound is returned by Get when the key does not exist or has expired
	ErrNotFound = errors.New("storage: key not found")

	// ErrUnavailable wraps backend failures (network, timeouts, closed client)
	ErrUnavailable = errors.New("storage: backend unavailable")
)

// Counter is the state of a fixed-window counter after an increment.
type Counter struct {
	// Count is the value after the increment, starting at 1 in a new window
	Count int64

	// TTL is the time remaining until the window resets
	TTL time.Duration
}

// Store is the shared state behind rate limit counters, failure tracking and
// webhook idempotency. Implementations must be safe for concurrent use and
// every operation must be atomic with respect to a single key.
// All methods accept context.Context for tracing and cancellation.
type Store interface {
	// Increment atomically adds one to the counter at key. When the key does
	// not exist it is created with a TTL of window, in the same operation.
	Increment(ctx context.Context, key string, window time.Duration) (Counter, error)

	// Get returns the value at key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value at key. A ttl <= 0 stores the value without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetIfAbsent stores value only if key does not exist and reports
	// whether it did. Check and write happen in one atomic operation.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Key joins key parts with ':', e.g. Key("rl", "auth", "ip:1.2.3.4").
// Backends add their own namespace prefix.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}
