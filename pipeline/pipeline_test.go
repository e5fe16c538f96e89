package pipeline

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	secure "github.com/fanzplatform/fanz-secure"
	"github.com/fanzplatform/fanz-secure/auth"
	"github.com/fanzplatform/fanz-secure/csrf"
	"github.com/fanzplatform/fanz-secure/internal/eventtest"
	"github.com/fanzplatform/fanz-secure/internal/testutil"
	"github.com/fanzplatform/fanz-secure/logging"
	"github.com/fanzplatform/fanz-secure/security"
	"github.com/fanzplatform/fanz-secure/storage/memory"
	"github.com/fanzplatform/fanz-secure/validation"
	"github.com/fanzplatform/fanz-secure/webhook"
)

const stripeSecret = "stripe-webhook-secret-value"

var testStart = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type harness struct {
	p       *Pipeline
	handler http.Handler
	events  *eventtest.Recorder
	logs    *bytes.Buffer
	clock   *testutil.MockTime
}

func testSchemas(t *testing.T) *validation.Registry {
	t.Helper()
	reg := validation.NewRegistry()
	reg.MustRegister(validation.Schema{Name: "payment_charge", Fields: map[string]*validation.Field{
		"amount":   {Type: validation.TypeInteger, Required: true, Min: validation.Float(1), Max: validation.Float(100000)},
		"currency": {Type: validation.TypeString, Required: true, Enum: []string{"USD", "EUR"}},
	}})
	reg.MustRegister(validation.Schema{Name: "post_create", Fields: map[string]*validation.Field{
		"title": {Type: validation.TypeString, Required: true, MaxLength: 80, Sanitize: validation.SanitizeStrip},
	}})
	return reg
}

func newHarness(t *testing.T, overrides map[string]string) *harness {
	t.Helper()
	cfg := testutil.Config(t, overrides)
	cfg.WebhookSenderSecrets["stripe"] = stripeSecret

	store := memory.New()
	t.Cleanup(store.Stop)
	bus, rec := eventtest.NewBus(t)

	logs := &bytes.Buffer{}
	logger, cleanup, err := logging.New(logging.Config{Level: "debug", Format: "json", Output: logs, Strict: true})
	require.NoError(t, err)
	t.Cleanup(cleanup)

	clock := testutil.NewMockTime(testStart)
	p, err := New(Options{
		Security: cfg,
		Store:    store,
		Schemas:  testSchemas(t),
		Bus:      bus,
		Logger:   logger,
		Now:      clock.Now,
	})
	require.NoError(t, err)

	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc, _ := secure.FromContext(r.Context())
		input, _ := validation.InputFromContext(r.Context())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"subject": sc.Identity().SubjectID,
			"input":   input,
			"sealed":  sc.Sealed(),
		})
	})

	mux := http.NewServeMux()
	mux.Handle("POST /auth/login", p.Wrap(Route{Name: "login", Tier: secure.TierAuth, Public: true, CSRFExempt: true}, echo))
	mux.Handle("GET /profile", p.Wrap(Route{Name: "profile", Capabilities: []string{"profile:read"}}, echo))
	mux.Handle("POST /payments/charge", p.Wrap(Route{
		Name:         "charge",
		Tier:         secure.TierPayment,
		Capabilities: []string{"payments:charge"},
		Schema:       "payment_charge",
	}, echo))
	mux.Handle("POST /posts", p.Wrap(Route{Name: "posts", Capabilities: []string{"content:write"}, Schema: "post_create"}, echo))
	mux.Handle("POST /webhooks/{sender}", p.Wrap(Route{
		Name:       "webhook",
		Public:     true,
		CSRFExempt: true,
		Webhook:    true,
		Sender:     func(r *http.Request) string { return r.PathValue("sender") },
	}, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
	mux.Handle("GET /panic", p.Wrap(Route{Name: "panic", Public: true}, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	return &harness{p: p, handler: p.Handler(mux), events: rec, logs: logs, clock: clock}
}

func (h *harness) do(r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, r)
	return w
}

func (h *harness) token(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	token, _, err := h.p.Auth().IssueToken(auth.TokenRequest{Subject: subject, Roles: roles})
	require.NoError(t, err)
	return token
}

// withCSRF attaches a matching CSRF cookie and header.
func (h *harness) withCSRF(t *testing.T, r *http.Request) *http.Request {
	t.Helper()
	token, err := h.p.CSRF().Issue()
	require.NoError(t, err)
	r.AddCookie(&http.Cookie{Name: csrf.CookieName, Value: token})
	r.Header.Set(csrf.HeaderName, token)
	return r
}

func jsonPost(path, body, bearer string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		r.Header.Set("Authorization", "Bearer "+bearer)
	}
	return r
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) secure.ErrorResponse {
	t.Helper()
	var body secure.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

// failedLogs returns the request_failed entries written so far.
func (h *harness) failedLogs(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(h.logs.Bytes()))
	for sc.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &entry))
		if entry["msg"] == RequestFailedMessage {
			out = append(out, entry)
		}
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Security: testutil.Config(t, nil)})
	assert.Error(t, err, "store required")
}

func TestPipeline_ExpiredTokenOnPaymentCharge(t *testing.T) {
	h := newHarness(t, nil)
	token := h.token(t, "fan-1", "fan")
	h.clock.Advance(auth.DefaultTokenTTL + time.Minute)

	w := h.do(jsonPost("/payments/charge", `{"amount": 500, "currency": "USD"}`, token))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, secure.CodeAuthExpired, body.Code)
	assert.Empty(t, body.Detail)
	assert.Equal(t, w.Header().Get(secure.RequestIDHeader), body.RequestID)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), `error="invalid_token"`)

	logs := h.failedLogs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, body.RequestID, logs[0]["request_id"])
	assert.Equal(t, secure.CodeAuthExpired, logs[0]["code"])

	events := h.events.OfType(security.EventAuthFailure)
	require.Len(t, events, 1)
	assert.Equal(t, body.RequestID, events[0].RequestID)
	assert.Equal(t, "EXPIRED", events[0].Metadata["reason"])
}

func TestPipeline_LoginRateLimit(t *testing.T) {
	h := newHarness(t, map[string]string{
		secure.EnvRateLimitAuthMax:    "10",
		secure.EnvRateLimitAuthWindow: "60s",
	})

	for i := 1; i <= 10; i++ {
		w := h.do(jsonPost("/auth/login", `{}`, ""))
		require.Equal(t, http.StatusOK, w.Code, "attempt %d", i)
		assert.Equal(t, strconv.Itoa(10-i), w.Header().Get("X-RateLimit-Remaining"))
	}

	w := h.do(jsonPost("/auth/login", `{}`, ""))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Positive(t, retryAfter)

	body := decodeError(t, w)
	assert.Equal(t, secure.CodeRateLimited, body.Code)
	assert.Equal(t, retryAfter, body.RetryAfter)

	events := h.events.OfType(security.EventRateLimitExceeded)
	require.Len(t, events, 1)
	assert.Equal(t, security.SeverityHigh, events[0].Severity)
	assert.Equal(t, "auth", events[0].Metadata["tier"])

	require.Len(t, h.failedLogs(t), 1)
}

func TestPipeline_AuthorizedCharge(t *testing.T) {
	h := newHarness(t, nil)
	r := h.withCSRF(t, jsonPost("/payments/charge", `{"amount": 500, "currency": "EUR"}`, h.token(t, "fan-1", "fan")))

	w := h.do(r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var got struct {
		Subject string         `json:"subject"`
		Input   map[string]any `json:"input"`
		Sealed  bool           `json:"sealed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "fan-1", got.Subject)
	assert.Equal(t, float64(500), got.Input["amount"])
	assert.True(t, got.Sealed)
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Empty(t, h.failedLogs(t))
}

func TestPipeline_StageOrder(t *testing.T) {
	h := newHarness(t, nil)
	fan := h.token(t, "fan-1", "fan")
	creator := h.token(t, "creator-1", "creator")

	tests := []struct {
		name       string
		req        func() *http.Request
		wantStatus int
		wantCode   string
	}{
		{
			name:       "authentication before CSRF",
			req:        func() *http.Request { return jsonPost("/payments/charge", `{}`, "") },
			wantStatus: http.StatusUnauthorized,
			wantCode:   secure.CodeAuthMissing,
		},
		{
			name:       "authorization before CSRF",
			req:        func() *http.Request { return jsonPost("/payments/charge", `{}`, creator) },
			wantStatus: http.StatusForbidden,
			wantCode:   secure.CodeAuthForbidden,
		},
		{
			name:       "CSRF before validation",
			req:        func() *http.Request { return jsonPost("/payments/charge", `{"amount": "lots"}`, fan) },
			wantStatus: http.StatusForbidden,
			wantCode:   secure.CodeCSRFInvalid,
		},
		{
			name: "validation last",
			req: func() *http.Request {
				return h.withCSRF(t, jsonPost("/payments/charge", `{"amount": 0, "currency": "BTC"}`, fan))
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   secure.CodeValidationFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(tt.req())
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, w).Code)
		})
	}
}

func TestPipeline_ForbiddenChallenge(t *testing.T) {
	h := newHarness(t, nil)
	w := h.do(jsonPost("/payments/charge", `{}`, h.token(t, "creator-1", "creator")))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t,
		`Bearer realm="fanz", scope="payments:charge", error="insufficient_scope", error_description="insufficient permissions"`,
		w.Header().Get("WWW-Authenticate"))
	require.Len(t, h.events.OfType(security.EventAuthorizationDenied), 1)
}

func TestPipeline_ValidationFieldsAndSanitizing(t *testing.T) {
	h := newHarness(t, nil)
	creator := h.token(t, "creator-1", "creator")

	w := h.do(h.withCSRF(t, jsonPost("/payments/charge", `{}`, h.token(t, "fan-1", "fan"))))
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decodeError(t, w)
	require.Len(t, body.Fields, 2)
	assert.Equal(t, "amount", body.Fields[0].Field)
	assert.Equal(t, "currency", body.Fields[1].Field)

	w = h.do(h.withCSRF(t, jsonPost("/posts", `{"title": "<script>x()</script>Hello"}`, creator)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"title":"Hello"`)
	require.Len(t, h.events.OfType(security.EventInputSanitized), 1)
}

func TestPipeline_RepeatedFailuresEscalateClientIP(t *testing.T) {
	tests := []struct {
		name    string
		roles   []string
		csrf    bool
		wantErr string
	}{
		{name: "csrf failures", roles: []string{"creator"}, wantErr: "CSRF_INVALID"},
		{name: "authorization denials", roles: []string{"fan"}, csrf: true, wantErr: "AUTH_FORBIDDEN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, map[string]string{secure.EnvFailureEscalationThreshold: "3"})
			bearer := h.token(t, "user-1", tt.roles...)

			for i := 0; i < 3; i++ {
				r := jsonPost("/posts", `{"title":"hi"}`, bearer)
				if tt.csrf {
					r = h.withCSRF(t, r)
				}
				w := h.do(r)
				require.Equal(t, http.StatusForbidden, w.Code)
				require.Equal(t, tt.wantErr, decodeError(t, w).Code)
			}
			require.Len(t, h.events.OfType(security.EventIdentityFlagged), 2, "ip and subject keys are flagged")

			r := httptest.NewRequest(http.MethodGet, "/profile", nil)
			r.Header.Set("Authorization", "Bearer "+h.token(t, "fan-2", "fan"))
			w := h.do(r)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, strconv.Itoa(secure.DefaultAuthMax), w.Header().Get("X-RateLimit-Limit"),
				"standard route from the flagged IP should get the auth limits")

			other := httptest.NewRequest(http.MethodGet, "/profile", nil)
			other.RemoteAddr = "198.51.100.77:4321"
			other.Header.Set("Authorization", "Bearer "+h.token(t, "fan-3", "fan"))
			w = h.do(other)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "100", w.Header().Get("X-RateLimit-Limit"))
		})
	}
}

func TestPipeline_SafeMethodIssuesCSRFToken(t *testing.T) {
	h := newHarness(t, nil)
	r := httptest.NewRequest(http.MethodGet, "/profile", nil)
	r.Header.Set("Authorization", "Bearer "+h.token(t, "fan-1", "fan"))

	w := h.do(r)
	require.Equal(t, http.StatusOK, w.Code)
	token := w.Header().Get(csrf.HeaderName)
	assert.True(t, h.p.CSRF().Valid(token))
}

func TestPipeline_SessionCookieAuth(t *testing.T) {
	h := newHarness(t, nil)
	rec := httptest.NewRecorder()
	_, err := h.p.Auth().SetSessionCookie(rec, auth.TokenRequest{Subject: "fan-9", Roles: []string{"fan"}})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/profile", nil)
	for _, c := range rec.Result().Cookies() {
		r.AddCookie(c)
	}
	w := h.do(r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"subject":"fan-9"`)
}

func signedDelivery(body, secret, key string, ts time.Time) *http.Request {
	r := jsonPost("/webhooks/stripe", body, "")
	r.Header.Set(webhook.SignatureHeader, webhook.Sign([]byte(secret), []byte(body)))
	r.Header.Set(webhook.TimestampHeader, strconv.FormatInt(ts.Unix(), 10))
	r.Header.Set(webhook.IdempotencyKeyHeader, key)
	return r
}

func TestPipeline_Webhook(t *testing.T) {
	h := newHarness(t, nil)
	body := `{"type":"charge.succeeded"}`

	w := h.do(signedDelivery(body, stripeSecret, "evt_1", testStart))
	assert.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = h.do(signedDelivery(body, stripeSecret, "evt_1", testStart))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, secure.CodeWebhookReplay, decodeError(t, w).Code)

	w = h.do(signedDelivery(body, "not-the-secret", "evt_2", testStart))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, secure.CodeWebhookBadSig, decodeError(t, w).Code)

	w = h.do(signedDelivery(body, stripeSecret, "evt_3", testStart.Add(-time.Hour)))
	assert.Equal(t, secure.CodeWebhookStale, decodeError(t, w).Code)

	assert.Len(t, h.events.OfType(security.EventWebhookAccepted), 1)
	assert.Len(t, h.events.OfType(security.EventWebhookReplay), 1)
	assert.Len(t, h.events.OfType(security.EventWebhookRejected), 2)
	assert.Len(t, h.failedLogs(t), 3)
}

func TestPipeline_PanicRecovered(t *testing.T) {
	for _, dev := range []bool{false, true} {
		t.Run("dev="+strconv.FormatBool(dev), func(t *testing.T) {
			overrides := map[string]string{}
			if dev {
				overrides[secure.EnvDevMode] = "true"
			}
			h := newHarness(t, overrides)

			w := h.do(httptest.NewRequest(http.MethodGet, "/panic", nil))
			assert.Equal(t, http.StatusInternalServerError, w.Code)
			body := decodeError(t, w)
			assert.Equal(t, secure.CodeInternal, body.Code)
			assert.Equal(t, "internal server error", body.Message)
			if dev {
				assert.Contains(t, body.Detail, "panic: boom")
			} else {
				assert.Empty(t, body.Detail)
			}

			events := h.events.OfType(security.EventPanicRecovered)
			require.Len(t, events, 1)
			assert.Equal(t, "boom", events[0].Metadata["panic"])

			logs := h.failedLogs(t)
			require.Len(t, logs, 1)
			assert.Equal(t, "ERROR", logs[0]["level"])
		})
	}
}

func TestPipeline_RequestID(t *testing.T) {
	h := newHarness(t, nil)

	r := httptest.NewRequest(http.MethodGet, "/profile", nil)
	r.Header.Set(secure.RequestIDHeader, "upstream-42")
	w := h.do(r)
	assert.Equal(t, "upstream-42", w.Header().Get(secure.RequestIDHeader))
	assert.Equal(t, "upstream-42", decodeError(t, w).RequestID)

	r = httptest.NewRequest(http.MethodGet, "/profile", nil)
	r.Header.Set(secure.RequestIDHeader, "bad id\r\nX-Injected: 1")
	w = h.do(r)
	assert.NotEqual(t, "bad id\r\nX-Injected: 1", w.Header().Get(secure.RequestIDHeader))
	assert.True(t, security.IsValidRequestID(w.Header().Get(secure.RequestIDHeader)))
}

func TestPipeline_CORSPreflight(t *testing.T) {
	h := newHarness(t, nil)

	r := httptest.NewRequest(http.MethodOptions, "/payments/charge", nil)
	r.Header.Set("Origin", "https://app.fanz.example")
	r.Header.Set("Access-Control-Request-Method", http.MethodPost)
	r.Header.Set("Access-Control-Request-Headers", "authorization,x-csrf-token")
	w := h.do(r)
	assert.Equal(t, "https://app.fanz.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	r = httptest.NewRequest(http.MethodOptions, "/payments/charge", nil)
	r.Header.Set("Origin", "https://evil.example")
	r.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w = h.do(r)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestWrap_Standalone(t *testing.T) {
	h := newHarness(t, nil)
	handler := h.p.Wrap(Route{Name: "open", Public: true}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc, ok := secure.FromContext(r.Context())
		require.True(t, ok)
		assert.ErrorIs(t, sc.SetIdentity(secure.Identity{SubjectID: "intruder"}), secure.ErrContextSealed)
		w.WriteHeader(http.StatusAccepted)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/open", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.NotEmpty(t, w.Header().Get(secure.RequestIDHeader))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}
