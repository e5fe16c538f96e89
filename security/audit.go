package security

import (
	"context"
	"log/slog"

	"github.com/fanzplatform/fanz-secure/internal/helpers"
)

// Auditor is the log sink of the event bus. Subject ids are hashed before
// they are written.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// HandleEvent writes the event as one "security_event" log entry at the
// level of its severity.
func (a *Auditor) HandleEvent(ctx context.Context, event Event) error {
	if !a.enabled {
		return nil
	}

	// Events emitted outside a request still correlate by their own id.
	if GetRequestID(ctx) == "" && event.RequestID != "" {
		ctx = WithRequestID(ctx, event.RequestID)
	}

	attrs := []slog.Attr{
		slog.String("event_type", event.Type),
		slog.String("severity", string(event.Severity)),
		slog.String("detail", event.Message),
		slog.Time("occurred_at", event.Timestamp),
	}
	if event.SubjectID != "" {
		attrs = append(attrs, slog.String("subject_hash", helpers.HashForLogging(event.SubjectID)))
	}
	if event.ClientIP != "" {
		attrs = append(attrs, slog.String("client_ip", event.ClientIP))
	}
	if len(event.Metadata) > 0 {
		attrs = append(attrs, slog.Any("metadata", event.Metadata))
	}

	a.logger.LogAttrs(ctx, event.Severity.Level(), "security_event", attrs...)
	return nil
}
