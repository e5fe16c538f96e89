// Package csrf implements signed double-submit CSRF protection.
//
// A token is base64url(nonce) "." base64url(HMAC-SHA256(key, nonce)). It is
// stored in the fanz_csrf cookie, readable by scripts, and must be echoed in
// the X-CSRF-Token header of every state-changing request. Only tokens
// signed with the configured key are accepted.
package csrf

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	secure "github.com/fanzplatform/fanz-secure"
	"github.com/fanzplatform/fanz-secure/instrumentation"
	"github.com/fanzplatform/fanz-secure/security"
)

const (
	// CookieName holds the token on the client
	CookieName = "fanz_csrf"

	// HeaderName carries the echoed token on unsafe requests, and the
	// freshly issued token on responses
	HeaderName = "X-CSRF-Token"

	nonceSize = 32

	// MinKeySize is the minimum signing key length
	MinKeySize = 32
)

// Failure reasons
const (
	ReasonMissing      = "missing"
	ReasonMismatch     = "mismatch"
	ReasonBadSignature = "bad_signature"
)

// verifyError is the unexported cause of every CSRF failure.
type verifyError struct {
	reason string
}

func (e *verifyError) Error() string {
	return "csrf verification failed: " + e.reason
}

// Reason returns the failure reason of err, or "" when err is not a CSRF failure.
func Reason(err error) string {
	var ve *verifyError
	if errors.As(err, &ve) {
		return ve.reason
	}
	return ""
}

func failure(reason, message string) error {
	return secure.NewCSRFError(message).WithCause(&verifyError{reason: reason})
}

// Config configures a Protector.
type Config struct {
	// Key signs tokens, normally security.Keys.CSRF
	Key []byte

	// InsecureCookie drops the Secure attribute (development over plain http)
	InsecureCookie bool

	// Failures counts failures per identity. Optional.
	Failures *security.FailureTracker

	Bus             *security.Bus
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation

	// ErrorWriter renders failures in the middleware. Nil uses secure.WriteError.
	ErrorWriter secure.ErrorWriter
}

// Protector issues and verifies CSRF tokens.
type Protector struct {
	key          []byte
	secureCookie bool
	failures     *security.FailureTracker
	bus          *security.Bus
	logger       *slog.Logger
	metrics      *instrumentation.Metrics
	errorWriter  secure.ErrorWriter
}

// New creates a Protector.
func New(cfg Config) (*Protector, error) {
	if len(cfg.Key) < MinKeySize {
		return nil, fmt.Errorf("csrf key must be at least %d bytes", MinKeySize)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ErrorWriter == nil {
		cfg.ErrorWriter = secure.WriteError
	}
	p := &Protector{
		key:          cfg.Key,
		secureCookie: !cfg.InsecureCookie,
		failures:     cfg.Failures,
		bus:          cfg.Bus,
		logger:       cfg.Logger,
		errorWriter:  cfg.ErrorWriter,
	}
	if cfg.Instrumentation != nil {
		p.metrics = cfg.Instrumentation.Metrics()
	}
	return p, nil
}

// Issue generates a new signed token.
func (p *Protector) Issue() (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate csrf nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(nonce) + "." +
		base64.RawURLEncoding.EncodeToString(p.sign(nonce)), nil
}

func (p *Protector) sign(nonce []byte) []byte {
	mac := hmac.New(sha256.New, p.key)
	mac.Write(nonce)
	return mac.Sum(nil)
}

// Valid reports whether token carries a valid signature.
func (p *Protector) Valid(token string) bool {
	encNonce, encSig, ok := strings.Cut(token, ".")
	if !ok {
		return false
	}
	nonce, err := base64.RawURLEncoding.DecodeString(encNonce)
	if err != nil || len(nonce) != nonceSize {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(encSig)
	if err != nil {
		return false
	}
	return hmac.Equal(sig, p.sign(nonce))
}

// Verify checks the double-submitted token of r. The header and cookie
// must both be present, equal, and signed by this Protector.
func (p *Protector) Verify(r *http.Request) error {
	header := r.Header.Get(HeaderName)
	if header == "" {
		return failure(ReasonMissing, "missing CSRF token")
	}
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return failure(ReasonMissing, "missing CSRF cookie")
	}
	if subtle.ConstantTimeCompare([]byte(header), []byte(cookie.Value)) != 1 {
		return failure(ReasonMismatch, "CSRF token mismatch")
	}
	if !p.Valid(cookie.Value) {
		return failure(ReasonBadSignature, "invalid CSRF token")
	}
	return nil
}

// Rotate issues a fresh token, sets the cookie and echoes the token in the
// response header. Call it on login and privilege changes.
func (p *Protector) Rotate(w http.ResponseWriter) (string, error) {
	token, err := p.Issue()
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: false,
		Secure:   p.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	w.Header().Set(HeaderName, token)
	return token, nil
}

type tokenContextKey struct{}

// WithToken returns ctx carrying the verified or freshly issued token.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the token the middleware issued or accepted.
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenContextKey{}).(string)
	return token
}

// IsSafeMethod reports whether method cannot change state.
func IsSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

// Middleware passes safe methods, issuing a token when the client has no
// valid one, and verifies every other method.
func (p *Protector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := p.Check(w, r)
		if err != nil {
			p.errorWriter(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithToken(r.Context(), token)))
	})
}

// Check runs the CSRF stage for one request and returns the current token.
// Failures are recorded and emitted before the error is returned.
func (p *Protector) Check(w http.ResponseWriter, r *http.Request) (string, error) {
	if IsSafeMethod(r.Method) {
		if c, err := r.Cookie(CookieName); err == nil && p.Valid(c.Value) {
			return c.Value, nil
		}
		token, err := p.Rotate(w)
		if err != nil {
			return "", secure.NewInternalError(err)
		}
		return token, nil
	}

	if err := p.Verify(r); err != nil {
		p.fail(r, err)
		return "", err
	}
	return r.Header.Get(HeaderName), nil
}

func (p *Protector) fail(r *http.Request, err error) {
	ctx := r.Context()
	reason := Reason(err)
	p.metrics.RecordCSRFFailure(ctx, reason)

	state := security.FailureState{Count: 1, Severity: security.SeverityLow}
	sc, ok := secure.FromContext(ctx)
	if ok && p.failures != nil {
		state = p.failures.Record(ctx, sc.FailureKeys()...)
	}
	if ok {
		sc.AddFinding("csrf", security.EventCSRFFailure, reason)
	}

	p.bus.Emit(ctx, security.Event{
		Type:     security.EventCSRFFailure,
		Severity: state.Severity,
		Message:  "state-changing request failed CSRF verification",
		Metadata: map[string]any{
			"reason":   reason,
			"method":   r.Method,
			"attempts": state.Count,
		},
	})
	p.logger.Debug("CSRF verification failed", "reason", reason, "method", r.Method)
}
