// Package eventtest records security events for tests outside the
// security package.
package eventtest

import (
	"context"
	"sync"
	"testing"

	"github.com/fanzplatform/fanz-secure/security"
)

// Recorder collects the events it receives.
type Recorder struct {
	mu     sync.Mutex
	events []security.Event
}

// HandleEvent implements security.Subscriber
func (r *Recorder) HandleEvent(_ context.Context, e security.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

// Events returns a snapshot of everything received
func (r *Recorder) Events() []security.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]security.Event(nil), r.events...)
}

// OfType returns the received events of eventType
func (r *Recorder) OfType(eventType string) []security.Event {
	var out []security.Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// NewBus returns a bus with a synchronous Recorder subscribed. The bus is
// closed when the test ends.
func NewBus(t testing.TB) (*security.Bus, *Recorder) {
	t.Helper()
	bus := security.NewBus(security.BusConfig{})
	rec := &Recorder{}
	bus.Subscribe("recorder", rec)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	return bus, rec
}
