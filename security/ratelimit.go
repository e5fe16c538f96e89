package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	secure "github.com/fanzplatform/fanz-secure"
	"github.com/fanzplatform/fanz-secure/instrumentation"
	"github.com/fanzplatform/fanz-secure/internal/helpers"
	"github.com/fanzplatform/fanz-secure/storage"
)

const (
	// FailClosedRetryAfter is the Retry-After of requests denied because no
	// counter store could be reached.
	FailClosedRetryAfter = 30 * time.Second

	// storeEventInterval limits rate_limit_store_unavailable events to one
	// per tier per interval during an outage.
	storeEventInterval = 10 * time.Second
)

// Degraded modes reported in metrics
const (
	modeFallback   = "fallback"
	modeFailOpen   = "fail_open"
	modeFailClosed = "fail_closed"
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed    bool
	Tier       secure.Tier
	Limit      int
	Remaining  int
	Count      int64
	ResetAt    time.Time
	RetryAfter time.Duration

	// Degraded is set when the primary store could not be used
	Degraded bool

	// Escalated is set when a flagged key was held to the auth tier limits
	Escalated bool
}

// Err converts a denied decision into the error the pipeline returns.
// Denials caused by an unreachable store surface as 503.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	e := secure.NewRateLimitError(d.RetryAfter)
	if d.Degraded {
		e.Status = http.StatusServiceUnavailable
		e.Message = "rate limiting temporarily unavailable"
	}
	return e
}

// SetHeaders writes the X-RateLimit-* headers, and Retry-After when denied.
func (d Decision) SetHeaders(w http.ResponseWriter) {
	h := w.Header()
	if d.Limit > 0 {
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	}
	if !d.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	if !d.Allowed {
		h.Set("Retry-After", strconv.Itoa(RetryAfterSeconds(d.RetryAfter)))
	}
}

// RateLimiterConfig configures a RateLimiter.
type RateLimiterConfig struct {
	// Limits holds the threshold and window of every tier
	Limits map[secure.Tier]secure.TierLimit

	// Store is the shared counter store
	Store storage.Store

	// Fallback is used while Store fails, typically an in-memory store.
	// Optional.
	Fallback storage.Store

	// Failures escalates flagged keys on standard routes. Optional.
	Failures *FailureTracker

	Bus             *Bus
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
	Now             func() time.Time
}

// RateLimiter enforces fixed-window limits per (tier, key) on top of a
// storage.Store. Counters live under rl:<tier>:<key>.
//
// When the store fails the fallback store serves the check. Without a
// working fallback, sensitive tiers (auth, payment) fail closed and the
// standard tier fails open.
type RateLimiter struct {
	limits   map[secure.Tier]secure.TierLimit
	store    storage.Store
	fallback storage.Store
	failures *FailureTracker
	bus      *Bus
	logger   *slog.Logger
	metrics  *instrumentation.Metrics
	tracer   trace.Tracer
	now      func() time.Time

	mu               sync.Mutex
	lastStoreWarning map[secure.Tier]time.Time
}

// NewRateLimiter creates a rate limiter. Every tier needs a limit.
func NewRateLimiter(cfg RateLimiterConfig) (*RateLimiter, error) {
	if cfg.Store == nil {
		return nil, errors.New("rate limiter requires a store")
	}
	for _, tier := range secure.Tiers {
		l, ok := cfg.Limits[tier]
		if !ok || l.Max < 1 || l.Window <= 0 {
			return nil, fmt.Errorf("rate limiter requires a positive limit for tier %q", tier)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	rl := &RateLimiter{
		limits:           make(map[secure.Tier]secure.TierLimit, len(cfg.Limits)),
		store:            cfg.Store,
		fallback:         cfg.Fallback,
		failures:         cfg.Failures,
		bus:              cfg.Bus,
		logger:           cfg.Logger,
		now:              cfg.Now,
		lastStoreWarning: make(map[secure.Tier]time.Time),
	}
	for tier, l := range cfg.Limits {
		rl.limits[tier] = l
	}
	if cfg.Instrumentation != nil {
		rl.metrics = cfg.Instrumentation.Metrics()
		rl.tracer = cfg.Instrumentation.Tracer("security")
	}
	return rl, nil
}

// Limit returns the configured limit of tier. Unknown tiers get the
// payment limits, the strictest ones.
func (rl *RateLimiter) Limit(tier secure.Tier) secure.TierLimit {
	if l, ok := rl.limits[tier]; ok {
		return l
	}
	return rl.limits[secure.TierPayment]
}

// Check counts one request of key against tier and returns the decision.
// It never returns an error; a cancelled ctx yields a denial the caller is
// expected to discard.
func (rl *RateLimiter) Check(ctx context.Context, key string, tier secure.Tier) Decision {
	ctx, span := instrumentation.StartSpan(ctx, rl.tracer, "security.rate_limit",
		attribute.String(instrumentation.AttrRateLimitTier, string(tier)))
	defer span.End()

	effective := tier
	if !effective.Valid() {
		effective = secure.TierPayment
	}
	escalated := false
	if effective == secure.TierStandard && rl.failures.IsFlagged(ctx, key) {
		effective = secure.TierAuth
		escalated = true
	}
	limit := rl.Limit(effective)
	counterKey := storage.Key("rl", string(effective), key)

	counter, err := rl.store.Increment(ctx, counterKey, limit.Window)
	degraded := false
	if err != nil {
		if ctx.Err() != nil {
			return Decision{Tier: tier, Limit: limit.Max, RetryAfter: time.Second}
		}
		degraded = true
		primaryErr := err
		counter, err = rl.incrementFallback(ctx, counterKey, limit.Window)
		if err != nil {
			d := rl.storeFailure(ctx, tier, limit, errors.Join(primaryErr, err))
			d.Escalated = escalated
			instrumentation.AddRateLimitAttributes(span, string(tier), d.Remaining, true)
			return d
		}
		rl.metrics.RecordRateLimitDegraded(ctx, string(tier), modeFallback)
		rl.storeUnavailable(ctx, tier, modeFallback, primaryErr)
	}

	d := rl.decide(tier, limit, counter)
	d.Degraded = degraded
	d.Escalated = escalated

	rl.metrics.RecordRateLimitDecision(ctx, string(tier), d.Allowed)
	instrumentation.AddRateLimitAttributes(span, string(tier), d.Remaining, degraded)

	if !d.Allowed {
		rl.bus.Emit(ctx, Event{
			Type:     EventRateLimitExceeded,
			Severity: SeverityForCount(d.Count),
			Message:  fmt.Sprintf("%s tier limit of %d per %s exceeded", tier, limit.Max, limit.Window),
			Metadata: map[string]any{
				"tier":      string(tier),
				"attempts":  d.Count,
				"limit":     limit.Max,
				"escalated": escalated,
				"key_hash":  helpers.HashForLogging(key),
			},
		})
	}
	return d
}

func (rl *RateLimiter) incrementFallback(ctx context.Context, key string, window time.Duration) (storage.Counter, error) {
	if rl.fallback == nil {
		return storage.Counter{}, errors.New("no fallback store configured")
	}
	return rl.fallback.Increment(ctx, key, window)
}

func (rl *RateLimiter) decide(tier secure.Tier, limit secure.TierLimit, counter storage.Counter) Decision {
	ttl := counter.TTL
	if ttl <= 0 || ttl > limit.Window {
		ttl = limit.Window
	}
	remaining := limit.Max - int(min(counter.Count, int64(limit.Max)))

	d := Decision{
		Allowed:   counter.Count <= int64(limit.Max),
		Tier:      tier,
		Limit:     limit.Max,
		Remaining: remaining,
		Count:     counter.Count,
		ResetAt:   rl.now().Add(ttl),
	}
	if !d.Allowed {
		d.RetryAfter = ttl
	}
	return d
}

// storeFailure decides a check no store could serve.
func (rl *RateLimiter) storeFailure(ctx context.Context, tier secure.Tier, limit secure.TierLimit, err error) Decision {
	d := Decision{Tier: tier, Limit: limit.Max, Degraded: true}
	effective := tier
	if !effective.Valid() {
		effective = secure.TierPayment
	}

	mode := modeFailOpen
	if effective.Sensitive() {
		mode = modeFailClosed
		d.RetryAfter = FailClosedRetryAfter
	} else {
		d.Allowed = true
		d.Remaining = limit.Max
	}

	rl.metrics.RecordRateLimitDegraded(ctx, string(tier), mode)
	rl.metrics.RecordRateLimitDecision(ctx, string(tier), d.Allowed)
	rl.storeUnavailable(ctx, tier, mode, err)
	return d
}

// storeUnavailable reports a store outage at most once per tier per
// storeEventInterval.
func (rl *RateLimiter) storeUnavailable(ctx context.Context, tier secure.Tier, mode string, err error) {
	now := rl.now()
	rl.mu.Lock()
	last, seen := rl.lastStoreWarning[tier]
	report := !seen || now.Sub(last) >= storeEventInterval
	if report {
		rl.lastStoreWarning[tier] = now
	}
	rl.mu.Unlock()
	if !report {
		return
	}

	severity := SeverityMedium
	if mode == modeFailClosed {
		severity = SeverityHigh
	}
	rl.logger.Warn("Rate limit store unavailable",
		"tier", string(tier),
		"mode", mode,
		"error", err)
	rl.bus.Emit(ctx, Event{
		Type:     EventRateLimitStoreUnavailable,
		Severity: severity,
		Message:  "rate limit counter store unavailable",
		Metadata: map[string]any{
			"tier": string(tier),
			"mode": mode,
		},
	})
}
