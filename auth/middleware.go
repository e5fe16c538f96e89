package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	secure "github.com/fanzplatform/fanz-secure"
	"github.com/fanzplatform/fanz-secure/internal/helpers"
	"github.com/fanzplatform/fanz-secure/security"
)

const (
	tokenTypeBearer = "Bearer"
	realm           = "fanz"

	// RFC 6750 error codes
	challengeInvalidToken      = "invalid_token"
	challengeInsufficientScope = "insufficient_scope"
)

// Middleware authenticates the request, authorizes it against required
// and seals the SecurityContext. A SecurityContext is created when the
// request does not carry one yet.
func (a *Authenticator) Middleware(required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			sc, ok := secure.FromContext(ctx)
			if !ok {
				sc = secure.NewSecurityContext(security.GetRequestID(ctx), security.ClientIPResolver{}.Resolve(r))
				ctx = secure.WithSecurityContext(ctx, sc)
				r = r.WithContext(ctx)
			}

			if err := a.Check(ctx, r, sc, required); err != nil {
				a.writeChallenge(w, err, required)
				a.errorWriter(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Check runs authentication and authorization for one request, records the
// identity in sc and seals it. Failures are recorded and emitted as
// security events before the error is returned.
func (a *Authenticator) Check(ctx context.Context, r *http.Request, sc *secure.SecurityContext, required []string) error {
	identity, err := a.Authenticate(ctx, r)
	if err != nil {
		a.authFailed(ctx, sc, err)
		return err
	}

	if err := sc.SetIdentity(identity); err != nil {
		return secure.NewInternalError(fmt.Errorf("failed to record identity: %w", err))
	}
	sc.Seal()

	if !Authorize(identity, required...) {
		missing := Missing(identity, required...)
		a.authorizationDenied(ctx, r, sc, missing)
		return secure.NewAuthError(secure.AuthForbidden, "insufficient permissions")
	}
	return nil
}

func (a *Authenticator) authFailed(ctx context.Context, sc *secure.SecurityContext, err error) {
	reason := secure.AsError(err).Reason
	a.metrics.RecordAuthFailure(ctx, string(reason))

	state := a.recordFailure(ctx, sc.FailureKeys())
	eventType := security.EventAuthFailure
	if errors.Is(err, errDeviceMismatch) {
		eventType = security.EventDeviceMismatch
		state.Severity = state.Severity.Max(security.SeverityMedium)
	}

	a.bus.Emit(ctx, security.Event{
		Type:     eventType,
		Severity: state.Severity,
		Message:  "authentication failed",
		Metadata: map[string]any{
			"reason":   string(reason),
			"attempts": state.Count,
		},
	})
	sc.AddFinding("auth", string(eventType), string(reason))
	a.logger.Debug("Authentication failed",
		"reason", string(reason),
		"error", err)
}

func (a *Authenticator) authorizationDenied(ctx context.Context, r *http.Request, sc *secure.SecurityContext, missing []string) {
	a.metrics.RecordAuthorizationDenied(ctx, r.URL.Path)

	state := a.recordFailure(ctx, sc.FailureKeys())
	identity := sc.Identity()
	a.bus.Emit(ctx, security.Event{
		Type:     security.EventAuthorizationDenied,
		Severity: state.Severity,
		Message:  "missing required capabilities",
		Metadata: map[string]any{
			"capabilities": missing,
			"auth_method":  string(identity.Method),
			"path":         helpers.SafeTruncate(r.URL.Path, 256),
			"attempts":     state.Count,
		},
	})
	sc.AddFinding("auth", security.EventAuthorizationDenied, strings.Join(missing, " "))
}

// recordFailure counts a failure against keys. Without a tracker every
// failure is a first, low severity one.
func (a *Authenticator) recordFailure(ctx context.Context, keys []string) security.FailureState {
	if a.failures == nil {
		return security.FailureState{Count: 1, Severity: security.SeverityLow}
	}
	return a.failures.Record(ctx, keys...)
}

// writeChallenge sets the RFC 6750 WWW-Authenticate header for err.
func (a *Authenticator) writeChallenge(w http.ResponseWriter, err error, required []string) {
	if c := Challenge(err, required); c != "" {
		w.Header().Set("WWW-Authenticate", c)
	}
}

// Challenge returns the WWW-Authenticate value for an authentication or
// authorization failure, or "" for any other error.
func Challenge(err error, required []string) string {
	e := secure.AsError(err)
	if e == nil || e.Kind != secure.KindAuth {
		return ""
	}
	switch e.Reason {
	case secure.AuthMissing:
		return formatWWWAuthenticate("", "", "")
	case secure.AuthForbidden:
		return formatWWWAuthenticate(strings.Join(required, " "), challengeInsufficientScope, e.Message)
	default:
		return formatWWWAuthenticate("", challengeInvalidToken, e.Message)
	}
}

// formatWWWAuthenticate builds a Bearer challenge. Quoted values are
// escaped to keep the header well formed.
func formatWWWAuthenticate(scope, errCode, errorDesc string) string {
	params := []string{fmt.Sprintf(`realm="%s"`, realm)}
	if scope != "" {
		params = append(params, fmt.Sprintf(`scope="%s"`, quote(scope)))
	}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, quote(errorDesc)))
	}
	return tokenTypeBearer + " " + strings.Join(params, ", ")
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
