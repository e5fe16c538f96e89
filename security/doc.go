// Package security provides the shared security services of the pipeline:
// the event bus and its sinks, tiered rate limiting, failure tracking, key
// derivation, cookie encryption, request IDs, client IP resolution and
// response headers.
//
// # Events
//
// Every stage reports security-relevant outcomes as an Event on a Bus.
// The Auditor is subscribed synchronously and writes each event to the
// structured log; network sinks such as the DashboardSink are subscribed
// asynchronously so they never slow a request down:
//
//	bus := security.NewBus(security.BusConfig{Logger: logger})
//	bus.Subscribe("audit", security.NewAuditor(logger, true))
//	bus.SubscribeAsync("dashboard", sink, 512)
//	defer bus.Close(ctx)
//
// # Rate Limiting
//
// The RateLimiter counts requests in fixed windows per tier and identity
// key using storage.Store.Increment, so counters are shared by every
// instance using the same store:
//
//	d := limiter.Check(ctx, sc.IdentityKey(), secure.TierAuth)
//	d.SetHeaders(w)
//	if err := d.Err(); err != nil {
//	    return err
//	}
//
// When the store is unreachable a fallback store serves the counters. With
// no working fallback the auth and payment tiers deny (503) and the
// standard tier allows.
//
// # Failure Escalation
//
// The FailureTracker counts authentication and CSRF failures per key.
// Severity grows with the count (1-2 low, 3-5 medium, above 5 high) and at
// the escalation threshold the key is flagged: its standard-tier traffic is
// then limited with the auth tier limits until the failure window ends.
package security
