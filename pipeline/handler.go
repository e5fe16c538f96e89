package pipeline

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	secure "github.com/fanzplatform/fanz-secure"
	"github.com/fanzplatform/fanz-secure/auth"
	"github.com/fanzplatform/fanz-secure/csrf"
	"github.com/fanzplatform/fanz-secure/instrumentation"
	"github.com/fanzplatform/fanz-secure/internal/helpers"
	"github.com/fanzplatform/fanz-secure/security"
	"github.com/fanzplatform/fanz-secure/validation"
	"github.com/fanzplatform/fanz-secure/webhook"
)

// unmatchedRoute labels requests no Wrap-ed route handled
const unmatchedRoute = "unmatched"

// maxPanicLength bounds the panic value copied into events
const maxPanicLength = 256

// requestState carries per-request bookkeeping from Wrap back to Handler.
type requestState struct {
	route string
}

type requestStateKey struct{}

// Handler applies the route-independent stages around next: request id,
// security headers, CORS, the SecurityContext, panic recovery and the
// request metrics. next is typically a router whose endpoints use Wrap.
func (p *Pipeline) Handler(next http.Handler) http.Handler {
	h := p.contextStage(next)
	h = p.cors.Handler(h)
	h = security.SecurityHeadersMiddleware(p.hsts)(h)
	h = security.RequestIDMiddleware(h)
	return otelhttp.NewHandler(h, "fanz.request", p.otelOpts...)
}

// Wrap applies the per-route stages of route around h. Mounted without
// Handler in front, the route-independent stages are applied as well.
func (p *Pipeline) Wrap(route Route, h http.Handler) http.Handler {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.serve(route, h, w, r)
	})
	standalone := p.Handler(inner)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := secure.FromContext(r.Context()); !ok {
			standalone.ServeHTTP(w, r)
			return
		}
		inner.ServeHTTP(w, r)
	})
}

// Middleware is Wrap in middleware form.
func (p *Pipeline) Middleware(route Route) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return p.Wrap(route, h)
	}
}

func (p *Pipeline) contextStage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := p.now()
		ctx := r.Context()

		sc := secure.NewSecurityContext(security.GetRequestID(ctx), p.resolver.Resolve(r))
		state := &requestState{route: unmatchedRoute}
		ctx = secure.WithSecurityContext(ctx, sc)
		ctx = context.WithValue(ctx, requestStateKey{}, state)
		r = r.WithContext(ctx)

		span := trace.SpanFromContext(ctx)
		span.SetAttributes(attribute.String(instrumentation.AttrRequestID, sc.RequestID()))
		if p.inst != nil && p.inst.ShouldLogClientIPs() {
			instrumentation.AddSecurityAttributes(span, sc.ClientIP())
		}

		sw := helpers.NewStatusWriter(w)
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				p.recovered(sw, r, state.route, rec)
			}
			elapsed := p.now().Sub(start)
			p.metrics.RecordHTTPRequest(ctx, r.Method, state.route, sw.Status(), float64(elapsed.Microseconds())/1000)
		}()
		next.ServeHTTP(sw, r)
	})
}

func (p *Pipeline) recovered(w *helpers.StatusWriter, r *http.Request, route string, rec any) {
	p.bus.Emit(r.Context(), security.Event{
		Type:     security.EventPanicRecovered,
		Severity: security.SeverityHigh,
		Message:  "handler panic recovered",
		Metadata: map[string]any{
			"route": route,
			"panic": helpers.SafeTruncate(fmt.Sprint(rec), maxPanicLength),
		},
	})
	err := secure.NewInternalError(fmt.Errorf("panic: %v", rec))
	if w.Written() {
		// The status line is gone; only the log entry remains.
		p.errors.log(w, r, err)
		return
	}
	p.errors.Write(w, r, err)
}

// serve runs stages 4 to 9 for one request. The SecurityContext exists.
func (p *Pipeline) serve(route Route, next http.Handler, w http.ResponseWriter, r *http.Request) {
	sc, _ := secure.FromContext(r.Context())
	if state, ok := r.Context().Value(requestStateKey{}).(*requestState); ok {
		state.route = route.name()
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String(instrumentation.AttrRoute, route.name()))

	// Rate limit
	if !p.proceed(w, r) {
		return
	}
	ctx, span := p.stage(r.Context(), "rate_limit")
	decision := p.limiter.Check(ctx, sc.IdentityKey(), route.tier())
	if !p.proceed(w, r) {
		span.End()
		return
	}
	decision.SetHeaders(w)
	if err := endStage(span, decision.Err()); err != nil {
		p.errors.Write(w, r, err)
		return
	}

	// Authentication and authorization
	if route.Public {
		sc.Seal()
	} else {
		ctx, span = p.stage(r.Context(), "auth")
		err := endStage(span, p.auth.Check(ctx, r.WithContext(ctx), sc, route.Capabilities))
		if err != nil {
			if c := auth.Challenge(err, route.Capabilities); c != "" {
				w.Header().Set("WWW-Authenticate", c)
			}
			p.fail(w, r, err)
			return
		}
		if !p.proceed(w, r) {
			return
		}
	}

	// CSRF
	if !route.CSRFExempt {
		ctx, span = p.stage(r.Context(), "csrf")
		token, err := p.csrf.Check(w, r.WithContext(ctx))
		if err = endStage(span, err); err != nil {
			p.fail(w, r, err)
			return
		}
		r = r.WithContext(csrf.WithToken(r.Context(), token))
	}

	// Webhook
	var receipt webhook.Receipt
	if route.Webhook {
		sender := ""
		if route.Sender != nil {
			sender = route.Sender(r)
		}
		ctx, span = p.stage(r.Context(), "webhook")
		span.SetAttributes(attribute.String(instrumentation.AttrWebhookSender, sender))
		var err error
		receipt, err = p.webhooks.Check(w, r.WithContext(ctx), sender)
		if err = endStage(span, err); err != nil {
			p.fail(w, r, err)
			return
		}
		r = r.WithContext(webhook.WithReceipt(r.Context(), receipt))
	}

	// Validation
	if route.Schema != "" {
		if !p.proceed(w, r) {
			p.finishWebhook(r, route, receipt, http.StatusInternalServerError)
			return
		}
		ctx, span = p.stage(r.Context(), "validation")
		input, err := p.validator.Check(w, r.WithContext(ctx), route.Schema)
		if err = endStage(span, err); err != nil {
			p.fail(w, r, err)
			p.finishWebhook(r, route, receipt, secure.AsError(err).Status)
			return
		}
		r = r.WithContext(validation.WithInput(r.Context(), input))
	}

	if !route.Webhook {
		next.ServeHTTP(w, r)
		return
	}

	sw := helpers.NewStatusWriter(w)
	defer func() {
		if rec := recover(); rec != nil {
			p.finishWebhook(r, route, receipt, http.StatusInternalServerError)
			panic(rec)
		}
	}()
	next.ServeHTTP(sw, r)
	p.finishWebhook(r, route, receipt, sw.Status())
}

// proceed reports whether the request context is still live. A cancelled
// request is reported once and the remaining stages are skipped.
func (p *Pipeline) proceed(w http.ResponseWriter, r *http.Request) bool {
	err := r.Context().Err()
	if err == nil {
		return true
	}
	p.errors.Write(w, r, secure.NewInternalError(fmt.Errorf("request cancelled: %w", err)))
	return false
}

// fail reports err unless the failure was caused by the request being
// cancelled, which proceed reports instead.
func (p *Pipeline) fail(w http.ResponseWriter, r *http.Request, err error) {
	if p.proceed(w, r) {
		p.errors.Write(w, r, err)
	}
}

// finishWebhook completes the reservation of a webhook route, or releases
// it when status is a server error or the request was cancelled.
func (p *Pipeline) finishWebhook(r *http.Request, route Route, receipt webhook.Receipt, status int) {
	if route.Webhook {
		p.webhooks.Finish(r.Context(), receipt, status)
	}
}

func (p *Pipeline) stage(ctx context.Context, name string) (context.Context, trace.Span) {
	return instrumentation.StartSpan(ctx, p.tracer, "pipeline."+name,
		attribute.String(instrumentation.AttrStage, name))
}

// endStage ends span with the outcome of the stage and returns err.
func endStage(span trace.Span, err error) error {
	if err != nil {
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	span.End()
	return err
}
