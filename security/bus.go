package security

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	secure "github.com/fanzplatform/fanz-secure"
	"github.com/fanzplatform/fanz-secure/instrumentation"
)

// DefaultAsyncBuffer is the queue length of an async subscriber when none is given.
const DefaultAsyncBuffer = 256

// Subscriber receives security events.
type Subscriber interface {
	HandleEvent(ctx context.Context, event Event) error
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(ctx context.Context, event Event) error

// HandleEvent calls f(ctx, event).
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// BusConfig configures a Bus.
type BusConfig struct {
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
	Now             func() time.Time
}

type syncSubscriber struct {
	name string
	sub  Subscriber
}

type asyncSubscriber struct {
	name  string
	sub   Subscriber
	queue chan delivery
}

type delivery struct {
	ctx   context.Context
	event Event
}

// Bus fans security events out to subscribers.
//
// Synchronous subscribers run on the emitting goroutine in registration
// order. Asynchronous subscribers each own a goroutine and a bounded
// queue; when the queue is full the event is dropped for that subscriber
// and Emit never blocks. Subscriber errors and panics are logged and
// swallowed.
type Bus struct {
	logger  *slog.Logger
	metrics *instrumentation.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	syncs  []syncSubscriber
	asyncs []*asyncSubscriber
	closed bool
	wg     sync.WaitGroup
}

// NewBus creates an event bus with no subscribers.
func NewBus(cfg BusConfig) *Bus {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	b := &Bus{
		logger: cfg.Logger,
		now:    cfg.Now,
	}
	if cfg.Instrumentation != nil {
		b.metrics = cfg.Instrumentation.Metrics()
	}
	return b
}

// Subscribe registers a subscriber that runs inline with Emit.
// Use it for cheap in-process sinks such as the Auditor.
func (b *Bus) Subscribe(name string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.syncs = append(b.syncs, syncSubscriber{name: name, sub: sub})
}

// SubscribeAsync registers a subscriber with its own goroutine and a queue
// of buffer events. A buffer <= 0 uses DefaultAsyncBuffer.
func (b *Bus) SubscribeAsync(name string, sub Subscriber, buffer int) {
	if buffer <= 0 {
		buffer = DefaultAsyncBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	as := &asyncSubscriber{
		name:  name,
		sub:   sub,
		queue: make(chan delivery, buffer),
	}
	b.asyncs = append(b.asyncs, as)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for d := range as.queue {
			b.deliver(d.ctx, as.name, as.sub, d.event)
		}
	}()
}

// Emit publishes an event. Missing timestamp and request attributes are
// filled from the clock and the SecurityContext in ctx. Every subscriber
// receives its own copy of the metadata map. Emit on a nil Bus is a no-op.
func (b *Bus) Emit(ctx context.Context, event Event) {
	if b == nil {
		return
	}
	if event.Severity == "" {
		event.Severity = SeverityLow
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now()
	}
	if sc, ok := secure.FromContext(ctx); ok {
		if event.RequestID == "" {
			event.RequestID = sc.RequestID()
		}
		if event.ClientIP == "" {
			event.ClientIP = sc.ClientIP()
		}
		if event.SubjectID == "" {
			event.SubjectID = sc.Identity().SubjectID
		}
	}
	if event.RequestID == "" {
		event.RequestID = GetRequestID(ctx)
	}
	published := event.clone()

	b.metrics.RecordSecurityEvent(ctx, event.Type, string(event.Severity))

	b.mu.RLock()
	syncs := b.syncs
	// Async queues are fed under the read lock so Close cannot close a
	// channel mid-send. Sends never block.
	if !b.closed && len(b.asyncs) > 0 {
		detached := context.WithoutCancel(ctx)
		for _, as := range b.asyncs {
			select {
			case as.queue <- delivery{ctx: detached, event: published.clone()}:
			default:
				b.metrics.RecordSecurityEventDropped(ctx, as.name)
				b.logger.Debug("Dropped security event for full subscriber queue",
					"subscriber", as.name,
					"event_type", event.Type)
			}
		}
	}
	b.mu.RUnlock()

	for _, s := range syncs {
		b.deliver(ctx, s.name, s.sub, published.clone())
	}
}

func (b *Bus) deliver(ctx context.Context, name string, sub Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Security event subscriber panicked",
				"subscriber", name,
				"event_type", event.Type,
				"panic", fmt.Sprint(r))
		}
	}()
	if err := sub.HandleEvent(ctx, event); err != nil {
		b.logger.Warn("Security event subscriber failed",
			"subscriber", name,
			"event_type", event.Type,
			"error", err)
	}
}

// Close stops accepting subscribers and async deliveries, then waits for
// async queues to drain or ctx to expire. Synchronous delivery keeps
// working after Close.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, as := range b.asyncs {
		close(as.queue)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus drain interrupted: %w", ctx.Err())
	}
}
