package security

import (
	"context"
	"errors"
	"log/slog"
	"time"

	secure "github.com/fanzplatform/fanz-secure"
	"github.com/fanzplatform/fanz-secure/instrumentation"
	"github.com/fanzplatform/fanz-secure/internal/helpers"
	"github.com/fanzplatform/fanz-secure/storage"
)

// FailureState is the outcome of recording one failure.
type FailureState struct {
	// Count is the number of failures of the key in the current window
	Count int64

	// Severity is derived from Count with SeverityForCount
	Severity Severity

	// Flagged reports whether the key is at or above the escalation threshold
	Flagged bool
}

// FailureTrackerConfig configures a FailureTracker.
type FailureTrackerConfig struct {
	Store           storage.Store
	Threshold       int
	Window          time.Duration
	Bus             *Bus
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// FailureTracker counts authentication and CSRF failures per identity and
// IP key in the shared store. Keys reaching the threshold are flagged for
// the rest of the window, and flagged keys are rate limited with the auth
// tier limits on every route.
type FailureTracker struct {
	store     storage.Store
	threshold int64
	window    time.Duration
	bus       *Bus
	logger    *slog.Logger
	metrics   *instrumentation.Metrics
}

// NewFailureTracker creates a tracker. Zero Threshold and Window use the defaults.
func NewFailureTracker(cfg FailureTrackerConfig) (*FailureTracker, error) {
	if cfg.Store == nil {
		return nil, errors.New("failure tracker requires a store")
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = secure.DefaultFailureEscalationThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = secure.DefaultFailureWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	t := &FailureTracker{
		store:     cfg.Store,
		threshold: int64(cfg.Threshold),
		window:    cfg.Window,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
	}
	if cfg.Instrumentation != nil {
		t.metrics = cfg.Instrumentation.Metrics()
	}
	return t, nil
}

func failKey(key string) string { return storage.Key("fail", key) }
func flagKey(key string) string { return storage.Key("flag", key) }

// Record counts one failure against each of keys and returns the worst
// resulting state: the highest count, flagged if any key is flagged.
// Store errors degrade to a single low-severity failure so callers can
// always report something.
func (t *FailureTracker) Record(ctx context.Context, keys ...string) FailureState {
	worst := FailureState{Count: 1, Severity: SeverityLow}
	for _, key := range keys {
		state := t.record(ctx, key)
		if state.Count > worst.Count {
			worst.Count = state.Count
		}
		worst.Severity = worst.Severity.Max(state.Severity)
		worst.Flagged = worst.Flagged || state.Flagged
	}
	return worst
}

func (t *FailureTracker) record(ctx context.Context, key string) FailureState {
	counter, err := t.store.Increment(ctx, failKey(key), t.window)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Warn("Failed to record security failure",
				"key_hash", helpers.HashForLogging(key),
				"error", err)
		}
		return FailureState{Count: 1, Severity: SeverityLow}
	}

	state := FailureState{
		Count:    counter.Count,
		Severity: SeverityForCount(counter.Count),
		Flagged:  counter.Count >= t.threshold,
	}
	if !state.Flagged {
		return state
	}

	ttl := counter.TTL
	if ttl <= 0 {
		ttl = t.window
	}
	if err := t.store.Set(ctx, flagKey(key), "1", ttl); err != nil {
		t.logger.Warn("Failed to flag identity",
			"key_hash", helpers.HashForLogging(key),
			"error", err)
	}

	// Only the crossing failure announces the flag
	if counter.Count == t.threshold {
		t.metrics.RecordFlaggedIdentity(ctx)
		t.bus.Emit(ctx, Event{
			Type:     EventIdentityFlagged,
			Severity: SeverityHigh,
			Message:  "repeated security failures, escalating rate limits",
			Metadata: map[string]any{
				"key_hash":  helpers.HashForLogging(key),
				"failures":  counter.Count,
				"window_s":  int64(t.window / time.Second),
				"threshold": t.threshold,
			},
		})
	}
	return state
}

// IsFlagged reports whether key is currently flagged. Store errors read as
// not flagged.
func (t *FailureTracker) IsFlagged(ctx context.Context, key string) bool {
	if t == nil {
		return false
	}
	_, err := t.store.Get(ctx, flagKey(key))
	return err == nil
}

// Reset clears the failure count of key, e.g. after a successful login.
// An existing flag stays until it expires.
func (t *FailureTracker) Reset(ctx context.Context, key string) error {
	return t.store.Delete(ctx, failKey(key))
}
