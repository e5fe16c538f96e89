// Package instrumentation provides OpenTelemetry instrumentation for the
// fanz-secure pipeline.
//
// Metrics are recorded through the pre-built instruments on *Metrics and
// exported in Prometheus format from a private registry. Spans are created
// per pipeline stage and store operation.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "fanz-secure",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// # Available Metrics
//
// HTTP Layer:
//   - fanz.http.requests: requests by method, route and status
//   - fanz.http.request.duration: request latency in milliseconds
//
// Security:
//   - fanz.rate_limit.decisions: allow/deny decisions by tier
//   - fanz.rate_limit.degraded: checks served without the primary store
//   - fanz.auth.failures, fanz.auth.denied, fanz.csrf.failures
//   - fanz.validation.failures, fanz.webhook.verifications
//   - fanz.failures.flagged: identities crossing the escalation threshold
//   - fanz.events.emitted, fanz.events.dropped, fanz.dashboard.deliveries
//
// Storage:
//   - fanz.store.operations, fanz.store.operation.duration
//   - fanz.store.entries: live entries of the in-memory store
//
// # Privacy
//
// Client IPs are only attached to spans when Config.LogClientIPs is set.
// Subject identifiers are hashed before they are recorded anywhere.
package instrumentation
