package memory

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/fanzplatform/fanz-secure/instrumentation"
	"github.com/fanzplatform/fanz-secure/storage"
)

const (
	// DefaultMaxEntries bounds the number of live keys
	DefaultMaxEntries = 100_000

	// DefaultCleanupInterval is how often expired keys are swept
	DefaultCleanupInterval = time.Minute

	// fullSweepInterval bounds how often a write into a full store scans
	// for expired keys before falling back to eviction
	fullSweepInterval = time.Second

	backendName = "memory"
)

// Config holds configuration for the in-memory store.
type Config struct {
	// MaxEntries is the maximum number of keys kept. When the limit is
	// reached expired keys are swept, then the least recently used counter is
	// evicted. Values written by Set and SetIfAbsent are never evicted before
	// they expire; when only such values remain, writes fail with
	// storage.ErrUnavailable. 0 means DefaultMaxEntries; a negative value
	// disables the bound.
	MaxEntries int

	// CleanupInterval is the expiry sweep interval (default 1 minute)
	CleanupInterval time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// Now overrides the clock, for tests
	Now func() time.Time
}

type entry struct {
	key       string
	value     string
	count     int64
	counter   bool
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	counters *list.List // evictable, front is most recently used
	values   *list.List // kept until expiry

	maxEntries int
	now        func() time.Time
	logger     *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	lastSweep      time.Time
	sizeAtomic     atomic.Int64
	totalEvictions int64
	evictionWarned bool

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

var _ storage.Store = (*Store)(nil)

// New creates an in-memory store with default settings.
func New() *Store {
	return NewWithConfig(Config{})
}

// NewWithConfig creates an in-memory store and starts its cleanup goroutine.
// Call Stop to release it.
func NewWithConfig(cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	switch {
	case cfg.MaxEntries == 0:
		cfg.MaxEntries = DefaultMaxEntries
	case cfg.MaxEntries < 0:
		cfg.MaxEntries = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Store{
		entries:         make(map[string]*list.Element),
		counters:        list.New(),
		values:          list.New(),
		maxEntries:      cfg.MaxEntries,
		now:             cfg.Now,
		logger:          cfg.Logger,
		cleanupInterval: cfg.CleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.mu.Unlock()

	if inst != nil {
		if err := inst.RegisterStoreSizeCallback(backendName, s.sizeAtomic.Load); err != nil {
			s.logger.Warn("Failed to register store size callback", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// Len returns the number of keys currently held, including expired keys
// not yet swept.
func (s *Store) Len() int {
	return int(s.sizeAtomic.Load())
}

// Increment implements storage.Store.
func (s *Store) Increment(ctx context.Context, key string, window time.Duration) (storage.Counter, error) {
	ctx, span := s.startSpan(ctx, "increment")
	defer span.End()
	start := time.Now()

	if err := ctx.Err(); err != nil {
		s.record(ctx, span, "increment", err, start)
		return storage.Counter{}, err
	}
	if window <= 0 {
		err := fmt.Errorf("increment %q: window must be positive", key)
		s.record(ctx, span, "increment", err, start)
		return storage.Counter{}, err
	}

	s.mu.Lock()
	now := s.now()
	e := s.lookup(key, now)
	if e == nil || !e.counter {
		if e != nil {
			s.remove(key)
		}
		var err error
		e, err = s.insert(&entry{key: key, counter: true, expiresAt: now.Add(window)})
		if err != nil {
			s.mu.Unlock()
			s.record(ctx, span, "increment", err, start)
			return storage.Counter{}, err
		}
	}
	e.count++
	c := storage.Counter{Count: e.count, TTL: e.expiresAt.Sub(now)}
	s.mu.Unlock()

	s.record(ctx, span, "increment", nil, start)
	return c, nil
}

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	ctx, span := s.startSpan(ctx, "get")
	defer span.End()
	start := time.Now()

	if err := ctx.Err(); err != nil {
		s.record(ctx, span, "get", err, start)
		return "", err
	}

	s.mu.Lock()
	e := s.lookup(key, s.now())
	var value string
	if e != nil {
		value = e.value
		if e.counter {
			value = strconv.FormatInt(e.count, 10)
		}
	}
	s.mu.Unlock()

	s.record(ctx, span, "get", nil, start)
	if e == nil {
		return "", storage.ErrNotFound
	}
	return value, nil
}

// Set implements storage.Store.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, span := s.startSpan(ctx, "set")
	defer span.End()
	start := time.Now()

	if err := ctx.Err(); err != nil {
		s.record(ctx, span, "set", err, start)
		return err
	}

	s.mu.Lock()
	s.remove(key)
	_, err := s.insert(&entry{key: key, value: value, expiresAt: s.expiry(ttl)})
	s.mu.Unlock()

	s.record(ctx, span, "set", err, start)
	return err
}

// SetIfAbsent implements storage.Store.
func (s *Store) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, span := s.startSpan(ctx, "set_if_absent")
	defer span.End()
	start := time.Now()

	if err := ctx.Err(); err != nil {
		s.record(ctx, span, "set_if_absent", err, start)
		return false, err
	}

	s.mu.Lock()
	created := false
	var err error
	if s.lookup(key, s.now()) == nil {
		_, err = s.insert(&entry{key: key, value: value, expiresAt: s.expiry(ttl)})
		created = err == nil
	}
	s.mu.Unlock()

	s.record(ctx, span, "set_if_absent", err, start)
	return created, err
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, span := s.startSpan(ctx, "delete")
	defer span.End()
	start := time.Now()

	if err := ctx.Err(); err != nil {
		s.record(ctx, span, "delete", err, start)
		return err
	}

	s.mu.Lock()
	s.remove(key)
	s.mu.Unlock()

	s.record(ctx, span, "delete", nil, start)
	return nil
}

// expiry must be called with mu held.
func (s *Store) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// lookup returns the live entry for key and marks it recently used.
// Expired entries are removed. Must be called with mu held.
func (s *Store) lookup(key string, now time.Time) *entry {
	elem, ok := s.entries[key]
	if !ok {
		return nil
	}
	e := elem.Value.(*entry)
	if e.expired(now) {
		s.remove(key)
		return nil
	}
	s.listFor(e).MoveToFront(elem)
	return e
}

func (s *Store) listFor(e *entry) *list.List {
	if e.counter {
		return s.counters
	}
	return s.values
}

// insert adds e. When the store is full it sweeps expired keys first and
// then evicts the least recently used counter; if neither frees a slot it
// returns storage.ErrUnavailable. Must be called with mu held.
func (s *Store) insert(e *entry) (*entry, error) {
	if s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		now := s.now()
		if now.Sub(s.lastSweep) >= fullSweepInterval {
			s.sweep(now)
		}
		if len(s.entries) >= s.maxEntries && !s.evictLRU() {
			s.sweep(now)
		}
		if len(s.entries) >= s.maxEntries {
			s.logger.Warn("In-memory store is full of unexpired values, rejecting write",
				"max_entries", s.maxEntries)
			return nil, fmt.Errorf("%w: in-memory store full (%d entries)", storage.ErrUnavailable, s.maxEntries)
		}
	}
	s.entries[e.key] = s.listFor(e).PushFront(e)
	s.sizeAtomic.Store(int64(len(s.entries)))
	return e, nil
}

// remove must be called with mu held.
func (s *Store) remove(key string) {
	if elem, ok := s.entries[key]; ok {
		s.listFor(elem.Value.(*entry)).Remove(elem)
		delete(s.entries, key)
		s.sizeAtomic.Store(int64(len(s.entries)))
	}
}

// evictLRU drops the least recently used counter and reports whether one
// existed. Must be called with mu held.
func (s *Store) evictLRU() bool {
	elem := s.counters.Back()
	if elem == nil {
		return false
	}
	e := elem.Value.(*entry)
	s.remove(e.key)
	s.totalEvictions++

	if !s.evictionWarned {
		s.evictionWarned = true
		s.logger.Warn("In-memory store reached its entry limit, evicting least recently used keys",
			"max_entries", s.maxEntries)
	}
	s.logger.Debug("In-memory store LRU eviction",
		"total_evictions", s.totalEvictions,
		"current_entries", len(s.entries))
	return true
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

// Cleanup removes every expired key and returns how many were removed.
func (s *Store) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.sweep(s.now())
	if removed > 0 {
		s.logger.Debug("In-memory store cleanup completed",
			"removed", removed,
			"remaining", len(s.entries))
	}
	return removed
}

// sweep must be called with mu held.
func (s *Store) sweep(now time.Time) int {
	s.lastSweep = now
	removed := 0
	for _, l := range []*list.List{s.counters, s.values} {
		var next *list.Element
		for elem := l.Front(); elem != nil; elem = next {
			next = elem.Next()
			e := elem.Value.(*entry)
			if e.expired(now) {
				s.remove(e.key)
				removed++
			}
		}
	}
	return removed
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
