package valkey

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/trace"

	"github.com/fanzplatform/fanz-secure/instrumentation"
	"github.com/fanzplatform/fanz-secure/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "fanz:"

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxKeyLength bounds caller supplied key material
	MaxKeyLength = 512

	// MaxValueSize bounds stored values (64KB)
	MaxValueSize = 64 * 1024

	backendName = "valkey"
)

var errInputTooLarge = errors.New("input exceeds maximum allowed size")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "fanz:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.Store.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

var _ storage.Store = (*Store)(nil)

// New creates a new Valkey-backed store.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store.
// Call before the store is shared.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================

// luaIncrementWindow increments a fixed-window counter and sets its expiry
// when the window starts, returning {count, pttl}. A key left without a TTL
// (e.g. by an interrupted earlier call) gets one so it cannot live forever.
const luaIncrementWindow = `
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`

// luaSetIfAbsent stores ARGV[1] with a PX of ARGV[2] (0 for no expiry)
// only when the key does not exist. Returns 1 when stored.
const luaSetIfAbsent = `
local ok
if tonumber(ARGV[2]) > 0 then
  ok = redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2])
else
  ok = redis.call('SET', KEYS[1], ARGV[1], 'NX')
end
if ok then
  return 1
end
return 0
`

// ============================================================
// storage.Store Implementation
// ============================================================

// Increment implements storage.Store.
func (s *Store) Increment(ctx context.Context, key string, window time.Duration) (storage.Counter, error) {
	ctx, span := s.startSpan(ctx, "increment")
	defer span.End()
	start := time.Now()

	if err := validateKey(key); err != nil {
		s.record(ctx, span, "increment", err, start)
		return storage.Counter{}, err
	}
	ms := window.Milliseconds()
	if ms <= 0 {
		err := fmt.Errorf("increment %q: window must be at least 1ms", key)
		s.record(ctx, span, "increment", err, start)
		return storage.Counter{}, err
	}

	vals, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaIncrementWindow).
			Numkeys(1).
			Key(s.key(key)).
			Arg(strconv.FormatInt(ms, 10)).
			Build(),
	).AsIntSlice()
	if err == nil && len(vals) != 2 {
		err = fmt.Errorf("unexpected increment reply length %d", len(vals))
	}
	if err != nil {
		err = unavailable("increment", err)
		s.record(ctx, span, "increment", err, start)
		return storage.Counter{}, err
	}

	s.record(ctx, span, "increment", nil, start)
	return storage.Counter{Count: vals[0], TTL: time.Duration(vals[1]) * time.Millisecond}, nil
}

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	ctx, span := s.startSpan(ctx, "get")
	defer span.End()
	start := time.Now()

	if err := validateKey(key); err != nil {
		s.record(ctx, span, "get", err, start)
		return "", err
	}

	value, err := s.client.Do(ctx, s.client.B().Get().Key(s.key(key)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			s.record(ctx, span, "get", nil, start)
			return "", storage.ErrNotFound
		}
		err = unavailable("get", err)
		s.record(ctx, span, "get", err, start)
		return "", err
	}

	s.record(ctx, span, "get", nil, start)
	return value, nil
}

// Set implements storage.Store. TTLs are rounded to whole seconds, minimum 1s.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, span := s.startSpan(ctx, "set")
	defer span.End()
	start := time.Now()

	if err := validateEntry(key, value); err != nil {
		s.record(ctx, span, "set", err, start)
		return err
	}

	var err error
	if ttl > 0 {
		err = s.client.Do(ctx, s.client.B().Set().Key(s.key(key)).Value(value).Ex(roundTTL(ttl)).Build()).Error()
	} else {
		err = s.client.Do(ctx, s.client.B().Set().Key(s.key(key)).Value(value).Build()).Error()
	}
	if err != nil {
		err = unavailable("set", err)
	}

	s.record(ctx, span, "set", err, start)
	return err
}

// SetIfAbsent implements storage.Store.
func (s *Store) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, span := s.startSpan(ctx, "set_if_absent")
	defer span.End()
	start := time.Now()

	if err := validateEntry(key, value); err != nil {
		s.record(ctx, span, "set_if_absent", err, start)
		return false, err
	}

	ms := int64(0)
	if ttl > 0 {
		ms = max(ttl.Milliseconds(), 1)
	}

	stored, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaSetIfAbsent).
			Numkeys(1).
			Key(s.key(key)).
			Arg(value, strconv.FormatInt(ms, 10)).
			Build(),
	).AsInt64()
	if err != nil {
		err = unavailable("set_if_absent", err)
		s.record(ctx, span, "set_if_absent", err, start)
		return false, err
	}

	s.record(ctx, span, "set_if_absent", nil, start)
	return stored == 1, nil
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, span := s.startSpan(ctx, "delete")
	defer span.End()
	start := time.Now()

	if err := validateKey(key); err != nil {
		s.record(ctx, span, "delete", err, start)
		return err
	}

	err := s.client.Do(ctx, s.client.B().Del().Key(s.key(key)).Build()).Error()
	if err != nil {
		err = unavailable("delete", err)
	}

	s.record(ctx, span, "delete", err, start)
	return err
}

// ============================================================
// Helpers
// ============================================================

func (s *Store) key(k string) string {
	return s.prefix + k
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("key: %w", errInputTooLarge)
	}
	return nil
}

func validateEntry(key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if len(value) > MaxValueSize {
		return fmt.Errorf("value: %w", errInputTooLarge)
	}
	return nil
}

func roundTTL(ttl time.Duration) time.Duration {
	return max(ttl.Round(time.Second), time.Second)
}

// unavailable marks backend failures so callers can fall back. Context
// errors are kept as they are.
func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("valkey %s: %w", op, err)
	}
	return fmt.Errorf("valkey %s: %w: %w", op, storage.ErrUnavailable, err)
}

// isNilError checks if the error is a Valkey nil response (key not found)
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

func (s *Store) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	ctx, span := instrumentation.StartSpan(ctx, s.tracer, "store."+operation)
	instrumentation.AddStoreAttributes(span, operation, backendName)
	return ctx, span
}

func (s *Store) record(ctx context.Context, span trace.Span, operation string, err error, start time.Time) {
	result := "success"
	if err != nil {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	if s.instrumentation == nil {
		return
	}
	s.instrumentation.Metrics().RecordStoreOperation(ctx, backendName, operation, result,
		float64(time.Since(start).Microseconds())/1000)
}
