package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the security pipeline.
// All Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Security Metrics
	RateLimitDecisions  metric.Int64Counter
	RateLimitDegraded   metric.Int64Counter
	AuthFailures        metric.Int64Counter
	AuthorizationDenied metric.Int64Counter
	CSRFFailures        metric.Int64Counter
	ValidationFailures  metric.Int64Counter
	WebhookResults      metric.Int64Counter
	FlaggedIdentities   metric.Int64Counter

	// Event Bus Metrics
	SecurityEventsEmitted metric.Int64Counter
	SecurityEventsDropped metric.Int64Counter
	DashboardDeliveries   metric.Int64Counter

	// Storage Metrics
	StoreOperationTotal    metric.Int64Counter
	StoreOperationDuration metric.Float64Histogram
	StoreEntries           metric.Int64ObservableGauge
}

type counterSpec struct {
	target *metric.Int64Counter
	name   string
	desc   string
	unit   string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"fanz.http.requests",
		metric.WithDescription("Total number of HTTP requests handled by the pipeline"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"fanz.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	security := []counterSpec{
		{&m.RateLimitDecisions, "fanz.rate_limit.decisions", "Rate limit decisions by tier and outcome", "{decision}"},
		{&m.RateLimitDegraded, "fanz.rate_limit.degraded", "Rate limit checks served while the primary store was unavailable", "{check}"},
		{&m.AuthFailures, "fanz.auth.failures", "Authentication failures by reason", "{failure}"},
		{&m.AuthorizationDenied, "fanz.auth.denied", "Authorization denials by route", "{denial}"},
		{&m.CSRFFailures, "fanz.csrf.failures", "CSRF verification failures", "{failure}"},
		{&m.ValidationFailures, "fanz.validation.failures", "Requests rejected by schema validation", "{failure}"},
		{&m.WebhookResults, "fanz.webhook.verifications", "Webhook verification results by sender", "{verification}"},
		{&m.FlaggedIdentities, "fanz.failures.flagged", "Identities flagged after repeated failures", "{identity}"},
		{&m.SecurityEventsEmitted, "fanz.events.emitted", "Security events emitted on the event bus", "{event}"},
		{&m.SecurityEventsDropped, "fanz.events.dropped", "Security events dropped by full subscriber queues", "{event}"},
		{&m.DashboardDeliveries, "fanz.dashboard.deliveries", "Dashboard sink deliveries by result", "{delivery}"},
	}
	for _, c := range security {
		*c.target, err = securityMeter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.StoreOperationTotal, err = storageMeter.Int64Counter(
		"fanz.store.operations",
		metric.WithDescription("Store operations by operation and result"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store.operations counter: %w", err)
	}

	m.StoreOperationDuration, err = storageMeter.Float64Histogram(
		"fanz.store.operation.duration",
		metric.WithDescription("Store operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store.operation.duration histogram: %w", err)
	}

	m.StoreEntries, err = storageMeter.Int64ObservableGauge(
		"fanz.store.entries",
		metric.WithDescription("Number of live entries in the store"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store.entries gauge: %w", err)
	}

	return m, nil
}

func attrBackend(backend string) attribute.KeyValue {
	return attribute.String("backend", backend)
}

// RecordHTTPRequest records a completed HTTP request
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", statusCode),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
	))
}

// RecordRateLimitDecision records an allow or deny decision for a tier
func (m *Metrics) RecordRateLimitDecision(ctx context.Context, tier string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.RateLimitDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("outcome", outcome),
	))
}

// RecordRateLimitDegraded records a check served by the fallback path.
// mode is one of "fallback", "fail_open" or "fail_closed".
func (m *Metrics) RecordRateLimitDegraded(ctx context.Context, tier, mode string) {
	if m == nil {
		return
	}
	m.RateLimitDegraded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("mode", mode),
	))
}

// RecordAuthFailure records an authentication failure
func (m *Metrics) RecordAuthFailure(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.AuthFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordAuthorizationDenied records a capability check failure
func (m *Metrics) RecordAuthorizationDenied(ctx context.Context, route string) {
	if m == nil {
		return
	}
	m.AuthorizationDenied.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))
}

// RecordCSRFFailure records a CSRF verification failure
func (m *Metrics) RecordCSRFFailure(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.CSRFFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordValidationFailure records a request rejected by a schema
func (m *Metrics) RecordValidationFailure(ctx context.Context, schema string) {
	if m == nil {
		return
	}
	m.ValidationFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("schema", schema)))
}

// RecordWebhookResult records the verification result for a sender.
// result is "ok" or the failure reason.
func (m *Metrics) RecordWebhookResult(ctx context.Context, sender, result string) {
	if m == nil {
		return
	}
	m.WebhookResults.Add(ctx, 1, metric.WithAttributes(
		attribute.String("sender", sender),
		attribute.String("result", result),
	))
}

// RecordFlaggedIdentity records an identity crossing the escalation threshold
func (m *Metrics) RecordFlaggedIdentity(ctx context.Context) {
	if m == nil {
		return
	}
	m.FlaggedIdentities.Add(ctx, 1)
}

// RecordSecurityEvent records an event emitted on the bus
func (m *Metrics) RecordSecurityEvent(ctx context.Context, eventType, severity string) {
	if m == nil {
		return
	}
	m.SecurityEventsEmitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("severity", severity),
	))
}

// RecordSecurityEventDropped records an event dropped by a full subscriber queue
func (m *Metrics) RecordSecurityEventDropped(ctx context.Context, subscriber string) {
	if m == nil {
		return
	}
	m.SecurityEventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("subscriber", subscriber)))
}

// RecordDashboardDelivery records a dashboard sink delivery attempt
func (m *Metrics) RecordDashboardDelivery(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.DashboardDeliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordStoreOperation records a store operation
func (m *Metrics) RecordStoreOperation(ctx context.Context, backend, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	m.StoreOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attrBackend(backend),
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StoreOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attrBackend(backend),
		attribute.String("operation", operation),
	))
}
