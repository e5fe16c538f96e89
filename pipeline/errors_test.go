package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	secure "github.com/fanzplatform/fanz-secure"
)

func newTestErrorHandler(devMode bool) (*ErrorHandler, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewErrorHandler(logger, devMode), buf
}

func TestErrorHandler_Write(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantLevel  string
	}{
		{
			name:       "auth error",
			err:        secure.NewAuthError(secure.AuthInvalid, "invalid token"),
			wantStatus: http.StatusUnauthorized,
			wantCode:   secure.CodeAuthInvalid,
			wantLevel:  "INFO",
		},
		{
			name:       "rate limit",
			err:        secure.NewRateLimitError(30 * time.Second),
			wantStatus: http.StatusTooManyRequests,
			wantCode:   secure.CodeRateLimited,
			wantLevel:  "WARN",
		},
		{
			name:       "library error becomes internal",
			err:        errors.New("redis: connection refused"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   secure.CodeInternal,
			wantLevel:  "ERROR",
		},
		{
			name:       "cancelled request",
			err:        secure.NewInternalError(fmt.Errorf("request cancelled: %w", context.Canceled)),
			wantStatus: http.StatusInternalServerError,
			wantCode:   secure.CodeInternal,
			wantLevel:  "DEBUG",
		},
		{
			name:       "nil error",
			err:        nil,
			wantStatus: http.StatusInternalServerError,
			wantCode:   secure.CodeInternal,
			wantLevel:  "ERROR",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, logs := newTestErrorHandler(false)
			w := httptest.NewRecorder()
			w.Header().Set(secure.RequestIDHeader, "req-1")
			h.Write(w, httptest.NewRequest(http.MethodPost, "/x", nil), tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)
			var body secure.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCode, body.Code)
			assert.Equal(t, "req-1", body.RequestID)
			assert.Empty(t, body.Detail)
			assert.NotContains(t, w.Body.String(), "redis")

			var entry map[string]any
			require.NoError(t, json.Unmarshal(logs.Bytes(), &entry))
			assert.Equal(t, RequestFailedMessage, entry["msg"])
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, "req-1", entry["request_id"])
			assert.Equal(t, tt.wantCode, entry["code"])
		})
	}
}

func TestErrorHandler_DevModeDetail(t *testing.T) {
	h, logs := newTestErrorHandler(true)
	w := httptest.NewRecorder()
	h.Write(w, httptest.NewRequest(http.MethodGet, "/x", nil), errors.New("redis: connection refused"))

	var body secure.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body.Detail, "redis: connection refused")
	assert.Equal(t, "internal server error", body.Message)
	assert.Contains(t, logs.String(), "redis: connection refused")
}

func TestErrorHandler_Challenge(t *testing.T) {
	h, _ := newTestErrorHandler(false)

	w := httptest.NewRecorder()
	h.Write(w, httptest.NewRequest(http.MethodGet, "/x", nil), secure.NewAuthError(secure.AuthMissing, "missing credentials"))
	assert.Equal(t, `Bearer realm="fanz"`, w.Header().Get("WWW-Authenticate"))

	w = httptest.NewRecorder()
	w.Header().Set("WWW-Authenticate", "preset")
	h.Write(w, httptest.NewRequest(http.MethodGet, "/x", nil), secure.NewAuthError(secure.AuthExpired, "token has expired"))
	assert.Equal(t, "preset", w.Header().Get("WWW-Authenticate"))

	w = httptest.NewRecorder()
	h.Write(w, httptest.NewRequest(http.MethodGet, "/x", nil), secure.NewCSRFError("invalid CSRF token"))
	assert.Empty(t, w.Header().Get("WWW-Authenticate"))
}

func TestErrorHandler_ValidationFieldsLogged(t *testing.T) {
	h, logs := newTestErrorHandler(false)
	w := httptest.NewRecorder()
	err := secure.NewValidationError([]secure.FieldError{
		{Field: "amount", Message: "is required"},
		{Field: "currency", Message: "is required"},
	})
	r := httptest.NewRequest(http.MethodPost, "/x", nil)
	sc := secure.NewSecurityContext("req-9", "203.0.113.7")
	h.Write(w, r.WithContext(secure.WithSecurityContext(r.Context(), sc)), err)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(logs.Bytes(), &entry))
	assert.Equal(t, float64(2), entry["fields"])
	assert.Equal(t, "req-9", entry["request_id"])
	assert.Equal(t, "203.0.113.7", entry["client_ip"])
}
