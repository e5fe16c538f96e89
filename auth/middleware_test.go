package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	secure "github.com/fanzplatform/fanz-secure"
	"github.com/fanzplatform/fanz-secure/internal/eventtest"
	"github.com/fanzplatform/fanz-secure/internal/testutil"
	"github.com/fanzplatform/fanz-secure/security"
	"github.com/fanzplatform/fanz-secure/storage/memory"
)

type middlewareFixture struct {
	auth    *Authenticator
	events  *eventtest.Recorder
	tracker *security.FailureTracker
}

func newMiddlewareFixture(t *testing.T) middlewareFixture {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)
	bus, rec := eventtest.NewBus(t)

	tracker, err := security.NewFailureTracker(security.FailureTrackerConfig{Store: store, Bus: bus})
	require.NoError(t, err)

	a, err := New(Config{
		Security: testutil.Config(t, nil),
		Failures: tracker,
		Bus:      bus,
	})
	require.NoError(t, err)
	return middlewareFixture{auth: a, events: rec, tracker: tracker}
}

// serve runs the middleware and reports the identity seen by the handler.
func serve(t *testing.T, mw func(http.Handler) http.Handler, r *http.Request) (*httptest.ResponseRecorder, *secure.SecurityContext) {
	t.Helper()
	var seen *secure.SecurityContext
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = secure.FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w, seen
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) secure.ErrorResponse {
	t.Helper()
	var body secure.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestMiddleware_AuthenticatesAndSeals(t *testing.T) {
	f := newMiddlewareFixture(t)
	token := testutil.MintToken(t, testutil.JWTSecret, testutil.Claims("fan-1", time.Hour, "fan"))

	w, sc := serve(t, f.auth.Middleware("profile:read"), bearerRequest(token))

	assert.Equal(t, http.StatusNoContent, w.Code)
	require.NotNil(t, sc)
	assert.Equal(t, "fan-1", sc.Identity().SubjectID)
	assert.True(t, sc.Sealed())
	assert.ErrorIs(t, sc.SetIdentity(secure.Identity{SubjectID: "attacker"}), secure.ErrContextSealed)
	assert.Empty(t, f.events.Events())
}

func TestMiddleware_UsesExistingSecurityContext(t *testing.T) {
	f := newMiddlewareFixture(t)
	token := testutil.MintToken(t, testutil.JWTSecret, testutil.Claims("fan-1", time.Hour, "fan"))

	sc := secure.NewSecurityContext("req-1", "203.0.113.9")
	r := bearerRequest(token)
	r = r.WithContext(secure.WithSecurityContext(r.Context(), sc))

	_, seen := serve(t, f.auth.Middleware(), r)
	assert.Same(t, sc, seen)
}

func TestMiddleware_Unauthenticated(t *testing.T) {
	tests := []struct {
		name          string
		header        string
		wantCode      string
		wantChallenge string
	}{
		{
			name:          "missing",
			wantCode:      secure.CodeAuthMissing,
			wantChallenge: `Bearer realm="fanz"`,
		},
		{
			name:          "expired",
			header:        "Bearer " + testutil.MintToken(t, testutil.JWTSecret, testutil.Claims("fan-1", -time.Hour)),
			wantCode:      secure.CodeAuthExpired,
			wantChallenge: `Bearer realm="fanz", error="invalid_token", error_description="token has expired"`,
		},
		{
			name:          "invalid",
			header:        "Bearer garbage",
			wantCode:      secure.CodeAuthInvalid,
			wantChallenge: `Bearer realm="fanz", error="invalid_token", error_description="invalid token"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMiddlewareFixture(t)
			r := httptest.NewRequest(http.MethodGet, "/profile", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}

			w, sc := serve(t, f.auth.Middleware(), r)

			assert.Nil(t, sc, "handler must not run")
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, tt.wantChallenge, w.Header().Get("WWW-Authenticate"))
			assert.Equal(t, tt.wantCode, decodeError(t, w).Code)

			events := f.events.OfType(security.EventAuthFailure)
			require.Len(t, events, 1)
			assert.Equal(t, security.SeverityLow, events[0].Severity)
		})
	}
}

func TestMiddleware_RepeatedFailuresEscalateSeverity(t *testing.T) {
	f := newMiddlewareFixture(t)
	mw := f.auth.Middleware()

	for range 6 {
		r := httptest.NewRequest(http.MethodGet, "/profile", nil)
		r.RemoteAddr = "198.51.100.23:4000"
		r.Header.Set("Authorization", "Bearer garbage")
		serve(t, mw, r)
	}

	events := f.events.OfType(security.EventAuthFailure)
	require.Len(t, events, 6)
	assert.Equal(t, security.SeverityLow, events[1].Severity)
	assert.Equal(t, security.SeverityMedium, events[2].Severity)
	assert.Equal(t, security.SeverityHigh, events[5].Severity)
	assert.Equal(t, int64(6), events[5].Metadata["attempts"])
}

func TestMiddleware_Forbidden(t *testing.T) {
	f := newMiddlewareFixture(t)
	token := testutil.MintToken(t, testutil.JWTSecret, testutil.Claims("fan-1", time.Hour, "fan"))

	w, sc := serve(t, f.auth.Middleware("payouts:read", "profile:read"), bearerRequest(token))

	assert.Nil(t, sc)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, secure.CodeAuthForbidden, decodeError(t, w).Code)
	challenge := w.Header().Get("WWW-Authenticate")
	assert.Contains(t, challenge, `error="insufficient_scope"`)
	assert.Contains(t, challenge, `scope="payouts:read profile:read"`)

	denied := f.events.OfType(security.EventAuthorizationDenied)
	require.Len(t, denied, 1)
	assert.Equal(t, []string{"payouts:read"}, denied[0].Metadata["capabilities"])
	assert.Empty(t, f.events.OfType(security.EventAuthFailure))
}

func TestMiddleware_DeviceMismatchEvent(t *testing.T) {
	store := memory.New()
	t.Cleanup(store.Stop)
	bus, rec := eventtest.NewBus(t)
	a, err := New(Config{
		Security: testutil.Config(t, map[string]string{secure.EnvDeviceBinding: "true"}),
		Bus:      bus,
	})
	require.NoError(t, err)

	token, _, err := a.IssueToken(TokenRequest{Subject: "fan-1", DeviceFingerprint: "laptop"})
	require.NoError(t, err)
	r := bearerRequest(token)
	r.Header.Set(DeviceFingerprintHeader, "phone")

	w, _ := serve(t, a.Middleware(), r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	events := rec.OfType(security.EventDeviceMismatch)
	require.Len(t, events, 1)
	assert.Equal(t, security.SeverityMedium, events[0].Severity)
}

func TestMiddleware_CustomErrorWriter(t *testing.T) {
	var got error
	a, err := New(Config{
		Security: testutil.Config(t, nil),
		ErrorWriter: func(w http.ResponseWriter, _ *http.Request, err error) {
			got = err
			w.WriteHeader(secure.AsError(err).Status)
		},
	})
	require.NoError(t, err)

	w, _ := serve(t, a.Middleware(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.ErrorIs(t, got, secure.ErrAuthMissing)
}

func TestFormatWWWAuthenticate_Escapes(t *testing.T) {
	got := formatWWWAuthenticate(`a"b`, challengeInvalidToken, `bad \ "token"`)
	want := `Bearer realm="fanz", scope="a\"b", error="invalid_token", error_description="bad \\ \"token\""`
	if got != want {
		t.Errorf("formatWWWAuthenticate() = %s, want %s", got, want)
	}
	assert.False(t, strings.Contains(got, "\n"))
}
