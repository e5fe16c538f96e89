package security

import (
	"log/slog"
	"maps"
	"time"
)

// Event type constants for security events.
// These constants ensure consistency across the pipeline stages and the
// sinks that filter on them.
const (
	// Authentication and authorization

	// EventAuthFailure is emitted when a credential is missing, malformed or expired
	EventAuthFailure = "auth_failure"

	// EventAuthorizationDenied is emitted when an identity lacks a required capability
	EventAuthorizationDenied = "authorization_denied"

	// EventSessionIssued is emitted when a login issues a session cookie
	EventSessionIssued = "session_issued"

	// EventDeviceMismatch is emitted when a token is presented from another device
	EventDeviceMismatch = "device_mismatch"

	// Rate limiting

	// EventRateLimitExceeded is emitted when a request is denied by the rate limiter
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventRateLimitStoreUnavailable is emitted when the counter store cannot be reached
	EventRateLimitStoreUnavailable = "rate_limit_store_unavailable"

	// EventIdentityFlagged is emitted when an identity crosses the failure escalation threshold
	EventIdentityFlagged = "identity_flagged"

	// Request integrity

	// EventCSRFFailure is emitted when a state-changing request fails CSRF verification
	EventCSRFFailure = "csrf_failure"

	// EventValidationFailure is emitted when request input is rejected by its schema
	EventValidationFailure = "validation_failure"

	// EventInputSanitized is emitted when sanitization removed markup from a field
	EventInputSanitized = "input_sanitized"

	// Webhooks

	// EventWebhookRejected is emitted when a webhook signature or timestamp check fails
	EventWebhookRejected = "webhook_rejected"

	// EventWebhookReplay is emitted when a webhook idempotency key is seen twice
	EventWebhookReplay = "webhook_replay"

	// EventWebhookAccepted is emitted when a webhook passes verification
	EventWebhookAccepted = "webhook_accepted"

	// Operational

	// EventPanicRecovered is emitted when the pipeline recovers a handler panic
	EventPanicRecovered = "panic_recovered"
)

// Severity ranks how urgently an event needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Level maps the severity to the log level the Auditor writes it with.
func (s Severity) Level() slog.Level {
	switch s {
	case SeverityMedium:
		return slog.LevelWarn
	case SeverityHigh, SeverityCritical:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (s Severity) rank() int {
	switch s {
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// Max returns the more severe of s and other.
func (s Severity) Max(other Severity) Severity {
	if other.rank() > s.rank() {
		return other
	}
	return s
}

// SeverityForCount maps a repeated-failure count to a severity:
// 1-2 low, 3-5 medium, more than 5 high.
func SeverityForCount(n int64) Severity {
	switch {
	case n > 5:
		return SeverityHigh
	case n >= 3:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Event is a security-relevant occurrence published on the Bus.
// RequestID, ClientIP and SubjectID are filled from the request's
// SecurityContext when left empty.
type Event struct {
	Type      string         `json:"type"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"requestId,omitempty"`
	ClientIP  string         `json:"clientIp,omitempty"`
	SubjectID string         `json:"subjectId,omitempty"`
}

// clone returns a copy of e with its own metadata map.
func (e Event) clone() Event {
	e.Metadata = maps.Clone(e.Metadata)
	return e
}
