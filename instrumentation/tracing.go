package instrumentation

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys.
//
// Never attach credential values (tokens, cookies, signatures, secrets) to
// spans. Only metadata such as reasons, tiers and hashed identifiers.
const (
	AttrRequestID  = "fanz.request_id"
	AttrRoute      = "fanz.route"
	AttrStage      = "fanz.pipeline.stage"
	AttrErrorCode  = "fanz.error.code"
	AttrSubjectRef = "fanz.subject_ref" // hashed subject id, never the raw id

	AttrRateLimitTier      = "security.rate_limit.tier"
	AttrRateLimitRemaining = "security.rate_limit.remaining"
	AttrRateLimitDegraded  = "security.rate_limit.degraded"
	AttrAuthMethod         = "security.auth.method"
	AttrWebhookSender      = "security.webhook.sender"
	AttrClientIP           = "security.client_ip"

	AttrStoreOperation = "store.operation"
	AttrStoreBackend   = "store.backend"
)

// StartSpan starts a span on tracer. A nil tracer yields ctx unchanged and
// a non-recording span, so ending it never ends a parent span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddRateLimitAttributes adds the outcome of a rate limit check to a span
func AddRateLimitAttributes(span trace.Span, tier string, remaining int, degraded bool) {
	SetSpanAttributes(span,
		attribute.String(AttrRateLimitTier, tier),
		attribute.Int(AttrRateLimitRemaining, remaining),
		attribute.Bool(AttrRateLimitDegraded, degraded),
	)
}

// AddStoreAttributes adds store operation attributes to a span (nil-safe)
func AddStoreAttributes(span trace.Span, operation, backend string) {
	SetSpanAttributes(span,
		attribute.String(AttrStoreOperation, operation),
		attribute.String(AttrStoreBackend, backend),
	)
}

// AddSecurityAttributes adds the client IP to a span.
// Callers must check ShouldLogClientIPs first.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
