package security

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	secure "github.com/fanzplatform/fanz-secure"
	"github.com/fanzplatform/fanz-secure/internal/testutil"
	"github.com/fanzplatform/fanz-secure/storage"
	"github.com/fanzplatform/fanz-secure/storage/memory"
	"github.com/fanzplatform/fanz-secure/storage/mock"
)

func testLimits() map[secure.Tier]secure.TierLimit {
	return map[secure.Tier]secure.TierLimit{
		secure.TierStandard: {Max: 100, Window: time.Minute},
		secure.TierAuth:     {Max: 10, Window: time.Minute},
		secure.TierPayment:  {Max: 5, Window: time.Minute},
	}
}

type limiterFixture struct {
	limiter *RateLimiter
	clock   *testutil.MockTime
	events  *recorder
}

func newLimiterFixture(t *testing.T, store, fallback storage.Store, failures *FailureTracker) limiterFixture {
	t.Helper()
	clock := testutil.NewMockTime(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	if store == nil {
		mem := memory.NewWithConfig(memory.Config{Now: clock.Now})
		t.Cleanup(mem.Stop)
		store = mem
	}
	bus, rec := newRecordingBus(t)

	rl, err := NewRateLimiter(RateLimiterConfig{
		Limits:   testLimits(),
		Store:    store,
		Fallback: fallback,
		Failures: failures,
		Bus:      bus,
		Now:      clock.Now,
	})
	require.NoError(t, err)
	return limiterFixture{limiter: rl, clock: clock, events: rec}
}

func TestNewRateLimiter_Validation(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	_, err := NewRateLimiter(RateLimiterConfig{Limits: testLimits()})
	assert.Error(t, err, "store is required")

	missing := testLimits()
	delete(missing, secure.TierPayment)
	_, err = NewRateLimiter(RateLimiterConfig{Limits: missing, Store: store})
	assert.Error(t, err, "every tier needs a limit")

	zero := testLimits()
	zero[secure.TierAuth] = secure.TierLimit{Max: 0, Window: time.Minute}
	_, err = NewRateLimiter(RateLimiterConfig{Limits: zero, Store: store})
	assert.Error(t, err)
}

// Eleven login attempts against 10 per minute: the eleventh is denied
// with a Retry-After and a high-severity event.
func TestRateLimiter_LoginBruteForce(t *testing.T) {
	f := newLimiterFixture(t, nil, nil, nil)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		d := f.limiter.Check(ctx, "ip:203.0.113.10", secure.TierAuth)
		require.True(t, d.Allowed, "attempt %d", i)
		assert.Equal(t, 10-i, d.Remaining)
	}

	d := f.limiter.Check(ctx, "ip:203.0.113.10", secure.TierAuth)
	require.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, int64(11), d.Count)
	assert.Equal(t, time.Minute, d.RetryAfter)

	var e *secure.Error
	require.True(t, errors.As(d.Err(), &e))
	assert.Equal(t, http.StatusTooManyRequests, e.Status)
	assert.Equal(t, secure.CodeRateLimited, e.Code)

	w := httptest.NewRecorder()
	d.SetHeaders(w)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	exceeded := f.events.OfType(EventRateLimitExceeded)
	require.Len(t, exceeded, 1)
	assert.Equal(t, SeverityHigh, exceeded[0].Severity)
	assert.Equal(t, "auth", exceeded[0].Metadata["tier"])
}

func TestRateLimiter_WindowResets(t *testing.T) {
	f := newLimiterFixture(t, nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		f.limiter.Check(ctx, "k", secure.TierPayment)
	}
	require.False(t, f.limiter.Check(ctx, "k", secure.TierPayment).Allowed)

	f.clock.Advance(30 * time.Second)
	d := f.limiter.Check(ctx, "k", secure.TierPayment)
	assert.False(t, d.Allowed, "fixed window does not slide")
	assert.Equal(t, 30*time.Second, d.RetryAfter)

	f.clock.Advance(31 * time.Second)
	d = f.limiter.Check(ctx, "k", secure.TierPayment)
	assert.True(t, d.Allowed)
	assert.Equal(t, 4, d.Remaining)
}

func TestRateLimiter_KeysAndTiersAreIndependent(t *testing.T) {
	f := newLimiterFixture(t, nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.limiter.Check(ctx, "a", secure.TierPayment)
	}
	assert.False(t, f.limiter.Check(ctx, "a", secure.TierPayment).Allowed)
	assert.True(t, f.limiter.Check(ctx, "b", secure.TierPayment).Allowed)
	assert.True(t, f.limiter.Check(ctx, "a", secure.TierAuth).Allowed)
	assert.True(t, f.limiter.Check(ctx, "a", secure.TierStandard).Allowed)
}

func TestRateLimiter_FlaggedKeyIsEscalated(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	tracker, _ := newTestTracker(t, 1, clock)
	f := newLimiterFixture(t, nil, nil, tracker)
	ctx := context.Background()

	tracker.Record(ctx, "ip:192.0.2.50")

	for i := 0; i < 10; i++ {
		d := f.limiter.Check(ctx, "ip:192.0.2.50", secure.TierStandard)
		require.True(t, d.Allowed)
		assert.True(t, d.Escalated)
		assert.Equal(t, secure.TierStandard, d.Tier)
		assert.Equal(t, 10, d.Limit)
	}
	assert.False(t, f.limiter.Check(ctx, "ip:192.0.2.50", secure.TierStandard).Allowed)

	d := f.limiter.Check(ctx, "ip:192.0.2.51", secure.TierStandard)
	assert.False(t, d.Escalated)
	assert.Equal(t, 100, d.Limit)
}

func TestRateLimiter_StoreUnavailable(t *testing.T) {
	tests := []struct {
		name        string
		tier        secure.Tier
		fallback    bool
		wantAllowed bool
		wantStatus  int
	}{
		{name: "auth fails closed", tier: secure.TierAuth, wantAllowed: false, wantStatus: http.StatusServiceUnavailable},
		{name: "payment fails closed", tier: secure.TierPayment, wantAllowed: false, wantStatus: http.StatusServiceUnavailable},
		{name: "standard fails open", tier: secure.TierStandard, wantAllowed: true},
		{name: "fallback serves auth", tier: secure.TierAuth, fallback: true, wantAllowed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := mock.New()
			defer primary.Stop()
			primary.SetFailing(true)

			var fallback storage.Store
			if tt.fallback {
				mem := memory.New()
				defer mem.Stop()
				fallback = mem
			}
			f := newLimiterFixture(t, primary, fallback, nil)

			d := f.limiter.Check(context.Background(), "k", tt.tier)
			assert.Equal(t, tt.wantAllowed, d.Allowed)
			assert.True(t, d.Degraded)

			if !tt.wantAllowed {
				var e *secure.Error
				require.True(t, errors.As(d.Err(), &e))
				assert.Equal(t, tt.wantStatus, e.Status)
				assert.Equal(t, secure.CodeRateLimited, e.Code)
				assert.Equal(t, FailClosedRetryAfter, e.RetryAfter)
			} else {
				assert.NoError(t, d.Err())
			}
			assert.Len(t, f.events.OfType(EventRateLimitStoreUnavailable), 1)
		})
	}
}

func TestRateLimiter_FallbackEnforcesLimits(t *testing.T) {
	primary := mock.New()
	defer primary.Stop()
	primary.SetFailing(true)
	fallback := memory.New()
	defer fallback.Stop()

	f := newLimiterFixture(t, primary, fallback, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.True(t, f.limiter.Check(ctx, "k", secure.TierPayment).Allowed)
	}
	assert.False(t, f.limiter.Check(ctx, "k", secure.TierPayment).Allowed)

	// The outage is reported once per interval, not per request
	assert.Len(t, f.events.OfType(EventRateLimitStoreUnavailable), 1)
	f.clock.Advance(storeEventInterval)
	f.limiter.Check(ctx, "k", secure.TierPayment)
	assert.Len(t, f.events.OfType(EventRateLimitStoreUnavailable), 2)
}

func TestRateLimiter_CancelledContext(t *testing.T) {
	f := newLimiterFixture(t, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := f.limiter.Check(ctx, "k", secure.TierStandard)
	assert.False(t, d.Allowed)
	assert.Empty(t, f.events.OfType(EventRateLimitStoreUnavailable), "cancellation is not an outage")
}

func TestRateLimiter_UnknownTierUsesStrictestLimits(t *testing.T) {
	f := newLimiterFixture(t, nil, nil, nil)
	d := f.limiter.Check(context.Background(), "k", secure.Tier("bogus"))
	assert.Equal(t, 5, d.Limit)
}

func TestRateLimiter_ConcurrentChecksNeverExceedMax(t *testing.T) {
	f := newLimiterFixture(t, nil, nil, nil)
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 4; j++ {
				if f.limiter.Check(context.Background(), "shared", secure.TierAuth).Allowed {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(10), allowed.Load())
}

// Within one window exactly min(n, maxReq) requests pass and Remaining
// never goes negative or increases.
func TestRateLimiter_WindowProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxReq := rapid.IntRange(1, 30).Draw(rt, "max")
		n := rapid.IntRange(1, 80).Draw(rt, "requests")
		windowSecs := rapid.IntRange(10, 3600).Draw(rt, "window")

		store := memory.New()
		defer store.Stop()
		limits := testLimits()
		limits[secure.TierStandard] = secure.TierLimit{Max: maxReq, Window: time.Duration(windowSecs) * time.Second}
		rl, err := NewRateLimiter(RateLimiterConfig{Limits: limits, Store: store})
		if err != nil {
			rt.Fatalf("NewRateLimiter: %v", err)
		}

		passed := 0
		lastRemaining := maxReq
		for i := 0; i < n; i++ {
			d := rl.Check(context.Background(), "prop", secure.TierStandard)
			if d.Allowed {
				passed++
			}
			if d.Remaining < 0 || d.Remaining > lastRemaining {
				rt.Fatalf("remaining %d after %d (request %d)", d.Remaining, lastRemaining, i+1)
			}
			if !d.Allowed && d.RetryAfter <= 0 {
				rt.Fatalf("denied decision without Retry-After")
			}
			lastRemaining = d.Remaining
		}
		if want := min(n, maxReq); passed != want {
			rt.Fatalf("passed %d requests, want %d", passed, want)
		}
	})
}
