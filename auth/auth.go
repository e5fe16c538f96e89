package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	secure "github.com/fanzplatform/fanz-secure"
	"github.com/fanzplatform/fanz-secure/instrumentation"
	"github.com/fanzplatform/fanz-secure/security"
)

const (
	// SessionCookieName is the encrypted session cookie
	SessionCookieName = "fanz_session"

	// DeviceFingerprintHeader carries the client device fingerprint
	DeviceFingerprintHeader = "X-Device-Fingerprint"

	// DefaultTokenTTL is the lifetime of tokens minted without a TTL
	DefaultTokenTTL = 15 * time.Minute

	// DefaultSessionTTL is the lifetime of session cookies minted without a TTL
	DefaultSessionTTL = 12 * time.Hour
)

var (
	errDeviceMismatch = errors.New("device fingerprint does not match token binding")
	errNoSubject      = errors.New("token has no subject")
)

// Claims are the JWT claims issued and accepted by the Authenticator.
type Claims struct {
	jwt.RegisteredClaims

	Roles []string `json:"roles,omitempty"`
	Caps  []string `json:"caps,omitempty"`
	Scope string   `json:"scope,omitempty"`

	// Fpr is the device binding: hex HMAC-SHA256 of the device fingerprint
	Fpr string `json:"fpr,omitempty"`
}

// Config configures an Authenticator.
type Config struct {
	Security *secure.Config
	Keys     *security.Keys

	// Roles maps role names to capabilities. Nil uses DefaultRoles.
	Roles map[string][]string

	// Failures feeds the severity of auth_failure and authorization_denied events. Optional.
	Failures *security.FailureTracker

	Bus             *security.Bus
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation

	// ErrorWriter renders failures in the middleware. Nil uses secure.WriteError.
	ErrorWriter secure.ErrorWriter

	Now func() time.Time
}

// Authenticator verifies bearer tokens and session cookies.
type Authenticator struct {
	secret        []byte
	issuer        string
	audience      string
	deviceBinding bool
	fprKey        []byte
	cookies       *security.Encryptor
	secureCookies bool
	roles         map[string][]string

	failures    *security.FailureTracker
	bus         *security.Bus
	logger      *slog.Logger
	metrics     *instrumentation.Metrics
	errorWriter secure.ErrorWriter
	now         func() time.Time
}

// New creates an Authenticator. Keys are derived from cfg.Security when
// cfg.Keys is nil.
func New(cfg Config) (*Authenticator, error) {
	if cfg.Security == nil {
		return nil, errors.New("authenticator requires a security config")
	}
	if cfg.Security.JWTSecret == "" {
		return nil, errors.New("authenticator requires a JWT secret")
	}
	keys := cfg.Keys
	if keys == nil {
		var err error
		if keys, err = security.DeriveKeys(cfg.Security); err != nil {
			return nil, fmt.Errorf("failed to derive keys: %w", err)
		}
	}
	enc, err := security.NewEncryptor(keys.SessionCookie)
	if err != nil {
		return nil, fmt.Errorf("failed to create session cookie encryptor: %w", err)
	}

	if cfg.Roles == nil {
		cfg.Roles = DefaultRoles
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ErrorWriter == nil {
		cfg.ErrorWriter = secure.WriteError
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	a := &Authenticator{
		secret:        []byte(cfg.Security.JWTSecret),
		issuer:        cfg.Security.JWTIssuer,
		audience:      cfg.Security.JWTAudience,
		deviceBinding: cfg.Security.DeviceBinding,
		fprKey:        keys.DeviceBinding,
		cookies:       enc,
		secureCookies: !cfg.Security.DevelopmentMode,
		roles:         cfg.Roles,
		failures:      cfg.Failures,
		bus:           cfg.Bus,
		logger:        cfg.Logger,
		errorWriter:   cfg.ErrorWriter,
		now:           cfg.Now,
	}
	if cfg.Instrumentation != nil {
		a.metrics = cfg.Instrumentation.Metrics()
	}
	return a, nil
}

// Authenticate resolves the identity of r from the Authorization header,
// falling back to the session cookie. Failures are *secure.Error values
// with reason MISSING, INVALID or EXPIRED.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (secure.Identity, error) {
	token, method, err := a.credential(r)
	if err != nil {
		return secure.Identity{}, err
	}

	claims, err := a.parse(token)
	if err != nil {
		return secure.Identity{}, err
	}

	if a.deviceBinding {
		if !a.deviceMatches(claims.Fpr, r.Header.Get(DeviceFingerprintHeader)) {
			return secure.Identity{}, secure.NewAuthError(secure.AuthInvalid, "token is not valid for this device").WithCause(errDeviceMismatch)
		}
	}

	id := secure.Identity{
		SubjectID:    claims.Subject,
		Roles:        claims.Roles,
		Capabilities: ResolveCapabilities(a.roles, claims.Roles, claims.Caps, claims.Scope),
		Method:       method,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

// credential extracts the raw token and how it was presented.
func (a *Authenticator) credential(r *http.Request) (string, secure.AuthMethod, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		token = strings.TrimSpace(token)
		if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
			return "", secure.AuthMethodNone, secure.NewAuthError(secure.AuthInvalid, "invalid Authorization header format")
		}
		return token, secure.AuthMethodBearer, nil
	}

	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return "", secure.AuthMethodNone, secure.NewAuthError(secure.AuthMissing, "authentication required")
	}
	plaintext, err := a.cookies.Decrypt(cookie.Value, []byte(SessionCookieName))
	if err != nil {
		return "", secure.AuthMethodNone, secure.NewAuthError(secure.AuthInvalid, "invalid session").WithCause(err)
	}
	return string(plaintext), secure.AuthMethodSession, nil
}

// parse verifies signature, algorithm, expiry, issuer and audience.
func (a *Authenticator) parse(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(security.DefaultClockSkewGracePeriod),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, opts...)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, secure.NewAuthError(secure.AuthExpired, "token has expired").WithCause(err)
	case err != nil:
		return nil, secure.NewAuthError(secure.AuthInvalid, "invalid token").WithCause(err)
	case claims.Subject == "":
		return nil, secure.NewAuthError(secure.AuthInvalid, "invalid token").WithCause(errNoSubject)
	}
	return claims, nil
}

// Fingerprint returns the fpr claim value binding a token to fingerprint.
func (a *Authenticator) Fingerprint(fingerprint string) string {
	mac := hmac.New(sha256.New, a.fprKey)
	mac.Write([]byte(fingerprint))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Authenticator) deviceMatches(claim, fingerprint string) bool {
	if claim == "" || fingerprint == "" {
		return false
	}
	want := a.Fingerprint(fingerprint)
	return hmac.Equal([]byte(claim), []byte(want))
}

// TokenRequest describes a token to mint.
type TokenRequest struct {
	Subject      string
	Roles        []string
	Capabilities []string

	// TTL defaults to DefaultTokenTTL
	TTL time.Duration

	// DeviceFingerprint binds the token to a device when set
	DeviceFingerprint string
}

// IssueToken mints an HS256 token for req and returns it with its expiry.
func (a *Authenticator) IssueToken(req TokenRequest) (string, time.Time, error) {
	if req.Subject == "" {
		return "", time.Time{}, errors.New("token subject is required")
	}
	if req.TTL <= 0 {
		req.TTL = DefaultTokenTTL
	}
	now := a.now()
	expiresAt := now.Add(req.TTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   req.Subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Roles: req.Roles,
		Caps:  req.Capabilities,
	}
	if a.audience != "" {
		claims.Audience = jwt.ClaimStrings{a.audience}
	}
	if req.DeviceFingerprint != "" {
		claims.Fpr = a.Fingerprint(req.DeviceFingerprint)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, expiresAt, nil
}

// SetSessionCookie mints a token for req and stores it encrypted in the
// session cookie.
func (a *Authenticator) SetSessionCookie(w http.ResponseWriter, req TokenRequest) (time.Time, error) {
	if req.TTL <= 0 {
		req.TTL = DefaultSessionTTL
	}
	token, expiresAt, err := a.IssueToken(req)
	if err != nil {
		return time.Time{}, err
	}
	value, err := a.cookies.Encrypt([]byte(token), []byte(SessionCookieName))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to encrypt session: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/",
		Expires:  expiresAt,
		MaxAge:   int(req.TTL / time.Second),
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	return expiresAt, nil
}

// ClearSession expires the session cookie.
func (a *Authenticator) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}
