package security

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	secure "github.com/fanzplatform/fanz-secure"
)

// recorder collects the events it receives.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) HandleEvent(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) OfType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newRecordingBus(t *testing.T) (*Bus, *recorder) {
	t.Helper()
	bus := NewBus(BusConfig{})
	rec := &recorder{}
	bus.Subscribe("recorder", rec)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	return bus, rec
}

func TestBus_FillsRequestAttributes(t *testing.T) {
	bus, rec := newRecordingBus(t)

	sc := secure.NewSecurityContext("req-42", "198.51.100.7")
	require.NoError(t, sc.SetIdentity(secure.Identity{SubjectID: "creator-9"}))
	ctx := secure.WithSecurityContext(context.Background(), sc)

	bus.Emit(ctx, Event{Type: EventCSRFFailure})

	events := rec.Events()
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, "req-42", e.RequestID)
	assert.Equal(t, "198.51.100.7", e.ClientIP)
	assert.Equal(t, "creator-9", e.SubjectID)
	assert.Equal(t, SeverityLow, e.Severity)
	assert.False(t, e.Timestamp.IsZero())
}

func TestBus_RequestIDFromContextWithoutSecurityContext(t *testing.T) {
	bus, rec := newRecordingBus(t)
	bus.Emit(WithRequestID(context.Background(), "req-7"), Event{Type: "x"})
	require.Len(t, rec.Events(), 1)
	assert.Equal(t, "req-7", rec.Events()[0].RequestID)
}

func TestBus_MetadataIsCopied(t *testing.T) {
	bus := NewBus(BusConfig{})
	defer func() { _ = bus.Close(context.Background()) }()

	bus.Subscribe("mutator", SubscriberFunc(func(_ context.Context, e Event) error {
		e.Metadata["tampered"] = true
		return nil
	}))
	rec := &recorder{}
	bus.Subscribe("recorder", rec)

	meta := map[string]any{"tier": "auth"}
	bus.Emit(context.Background(), Event{Type: "x", Metadata: meta})

	assert.NotContains(t, meta, "tampered", "publisher map must not change")
	require.Len(t, rec.Events(), 1)
	assert.NotContains(t, rec.Events()[0].Metadata, "tampered", "subscribers must not see each other's changes")
}

func TestBus_SubscriberFailuresAreSwallowed(t *testing.T) {
	bus := NewBus(BusConfig{})
	defer func() { _ = bus.Close(context.Background()) }()

	bus.Subscribe("erroring", SubscriberFunc(func(context.Context, Event) error {
		return errors.New("sink down")
	}))
	bus.Subscribe("panicking", SubscriberFunc(func(context.Context, Event) error {
		panic("boom")
	}))
	rec := &recorder{}
	bus.Subscribe("recorder", rec)

	assert.NotPanics(t, func() { bus.Emit(context.Background(), Event{Type: "x"}) })
	assert.Len(t, rec.Events(), 1)
}

func TestBus_AsyncOrderAndDrain(t *testing.T) {
	bus := NewBus(BusConfig{})
	rec := &recorder{}
	bus.SubscribeAsync("async", rec, 100)

	for i := 0; i < 50; i++ {
		bus.Emit(context.Background(), Event{Type: "x", Metadata: map[string]any{"i": i}})
	}
	require.NoError(t, bus.Close(context.Background()))

	events := rec.Events()
	require.Len(t, events, 50)
	for i, e := range events {
		assert.Equal(t, i, e.Metadata["i"], "events must arrive in emission order")
	}
}

func TestBus_AsyncDropsWhenFull(t *testing.T) {
	bus := NewBus(BusConfig{})
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var delivered int
	var mu sync.Mutex

	bus.SubscribeAsync("slow", SubscriberFunc(func(context.Context, Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	}), 2)

	// First event occupies the worker, two more fill the queue
	bus.Emit(context.Background(), Event{Type: "x"})
	<-started

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Emit(context.Background(), Event{Type: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full subscriber queue")
	}

	close(release)
	require.NoError(t, bus.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, delivered)
}

func TestBus_AsyncContextIsDetached(t *testing.T) {
	bus := NewBus(BusConfig{})
	got := make(chan error, 1)
	bus.SubscribeAsync("ctx", SubscriberFunc(func(ctx context.Context, _ Event) error {
		got <- ctx.Err()
		return nil
	}), 1)

	ctx, cancel := context.WithCancel(WithRequestID(context.Background(), "req-1"))
	bus.Emit(ctx, Event{Type: "x"})
	cancel()

	require.NoError(t, bus.Close(context.Background()))
	assert.NoError(t, <-got)
}

func TestBus_CloseTimesOut(t *testing.T) {
	bus := NewBus(BusConfig{})
	block := make(chan struct{})
	defer close(block)
	bus.SubscribeAsync("stuck", SubscriberFunc(func(context.Context, Event) error {
		<-block
		return nil
	}), 1)
	bus.Emit(context.Background(), Event{Type: "x"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := bus.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Closing twice is a no-op
	assert.NoError(t, bus.Close(context.Background()))
}

func TestBus_NilIsNoop(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() { bus.Emit(context.Background(), Event{Type: "x"}) })
}

func TestSeverityForCount(t *testing.T) {
	tests := []struct {
		n    int64
		want Severity
	}{
		{1, SeverityLow},
		{2, SeverityLow},
		{3, SeverityMedium},
		{5, SeverityMedium},
		{6, SeverityHigh},
		{11, SeverityHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SeverityForCount(tt.n), "count %d", tt.n)
	}
}

func TestSeverity_Max(t *testing.T) {
	assert.Equal(t, SeverityHigh, SeverityLow.Max(SeverityHigh))
	assert.Equal(t, SeverityHigh, SeverityHigh.Max(SeverityMedium))
	assert.Equal(t, SeverityCritical, SeverityCritical.Max(SeverityLow))
}
