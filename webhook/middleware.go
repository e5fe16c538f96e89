package webhook

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	secure "github.com/fanzplatform/fanz-secure"
	"github.com/fanzplatform/fanz-secure/internal/helpers"
	"github.com/fanzplatform/fanz-secure/security"
)

// SenderFunc names the sender of a delivery, usually from a route variable.
type SenderFunc func(r *http.Request) string

type receiptContextKey struct{}

// WithReceipt returns ctx carrying the receipt of a verified delivery.
func WithReceipt(ctx context.Context, r Receipt) context.Context {
	return context.WithValue(ctx, receiptContextKey{}, r)
}

// ReceiptFromContext returns the receipt of the verified delivery.
func ReceiptFromContext(ctx context.Context) (Receipt, bool) {
	r, ok := ctx.Value(receiptContextKey{}).(Receipt)
	return r, ok
}

// Middleware verifies every request as a webhook delivery from the sender
// named by sender. A nil sender means DefaultWebhookSender.
//
// The reservation is completed when the handler answers below 500 and
// released when it fails or the request is cancelled, so senders can retry.
func (v *Verifier) Middleware(sender SenderFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			receipt, err := v.Check(w, r, senderName(sender, r))
			if err != nil {
				v.errorWriter(w, r, err)
				return
			}

			sw := helpers.NewStatusWriter(w)
			next.ServeHTTP(sw, r.WithContext(WithReceipt(r.Context(), receipt)))
			v.Finish(r.Context(), receipt, sw.Status())
		})
	}
}

func senderName(fn SenderFunc, r *http.Request) string {
	if fn == nil {
		return ""
	}
	return fn(r)
}

// Check reads the raw body, verifies it and restores r.Body for later
// stages. Outcomes are recorded and emitted before returning. An empty
// sender means DefaultWebhookSender.
func (v *Verifier) Check(w http.ResponseWriter, r *http.Request, sender string) (Receipt, error) {
	if sender == "" {
		sender = secure.DefaultWebhookSender
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, v.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return Receipt{}, secure.NewBadRequestError("request body is too large")
		}
		return Receipt{}, secure.NewBadRequestError("unable to read request body").WithCause(err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	ctx := r.Context()
	receipt, err := v.Verify(ctx, sender, body, r.Header)
	if err != nil {
		v.reject(r, sender, err)
		return Receipt{}, err
	}

	v.metrics.RecordWebhookResult(ctx, sender, "ok")
	v.bus.Emit(ctx, security.Event{
		Type:     security.EventWebhookAccepted,
		Severity: security.SeverityLow,
		Message:  "webhook delivery accepted",
		Metadata: map[string]any{
			"sender":         sender,
			"from_signature": receipt.FromSignature,
		},
	})
	return receipt, nil
}

// Finish completes or releases the reservation for a handled delivery.
func (v *Verifier) Finish(ctx context.Context, receipt Receipt, status int) {
	if ctx.Err() != nil || status >= http.StatusInternalServerError {
		if err := v.Release(context.WithoutCancel(ctx), receipt); err != nil {
			v.logger.Warn("Failed to release webhook reservation", "sender", receipt.Sender, "error", err)
		}
		return
	}
	if err := v.Complete(ctx, receipt); err != nil {
		v.logger.Warn("Failed to complete webhook reservation", "sender", receipt.Sender, "error", err)
	}
}

func (v *Verifier) reject(r *http.Request, sender string, err error) {
	ctx := r.Context()
	e := secure.AsError(err)
	if e.Kind != secure.KindWebhook {
		v.logger.Error("Webhook verification error", "sender", sender, "error", err)
		return
	}
	reason := string(e.Reason)
	v.metrics.RecordWebhookResult(ctx, sender, reason)

	sc, hasSC := secure.FromContext(ctx)
	if hasSC {
		sc.AddFinding("webhook", e.Code, e.Message)
	}

	if e.Reason == secure.WebhookReplay {
		v.bus.Emit(ctx, security.Event{
			Type:     security.EventWebhookReplay,
			Severity: security.SeverityMedium,
			Message:  "webhook delivery replayed",
			Metadata: map[string]any{"sender": sender},
		})
		v.logger.Debug("Webhook replay rejected", "sender", sender)
		return
	}

	severity := rejectSeverity(e.Reason)
	metadata := map[string]any{"sender": sender, "reason": reason}
	if e.Reason == secure.WebhookBadSig && hasSC && v.failures != nil {
		state := v.failures.Record(ctx, sc.FailureKeys()...)
		severity = severity.Max(state.Severity)
		metadata["attempts"] = state.Count
	}
	v.bus.Emit(ctx, security.Event{
		Type:     security.EventWebhookRejected,
		Severity: severity,
		Message:  "webhook delivery rejected",
		Metadata: metadata,
	})
	v.logger.Debug("Webhook delivery rejected", "sender", sender, "reason", reason)
}

func rejectSeverity(reason secure.Reason) security.Severity {
	switch reason {
	case secure.WebhookBadSig:
		return security.SeverityHigh
	case secure.WebhookStale:
		return security.SeverityMedium
	default:
		return security.SeverityLow
	}
}
