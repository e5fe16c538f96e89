package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestGenerateRequestID(t *testing.T) {
	id1 := GenerateRequestID()
	id2 := GenerateRequestID()

	if id1 == id2 {
		t.Error("Expected unique request IDs")
	}
	if _, err := uuid.Parse(id1); err != nil {
		t.Errorf("request ID %q is not a UUID: %v", id1, err)
	}
	if !IsValidRequestID(id1) {
		t.Errorf("generated request ID %q should be valid", id1)
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "test-request-id-123")
	if got := GetRequestID(ctx); got != "test-request-id-123" {
		t.Errorf("Expected test-request-id-123, got %s", got)
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("Expected empty string, got %s", got)
	}
}

func TestIsValidRequestID(t *testing.T) {
	tests := []struct {
		name      string
		requestID string
		valid     bool
	}{
		{name: "alphanumeric", requestID: "abc123", valid: true},
		{name: "uuid", requestID: "550e8400-e29b-41d4-a716-446655440000", valid: true},
		{name: "underscores", requestID: "req_abc_123", valid: true},
		{name: "max length", requestID: strings.Repeat("a", 128), valid: true},
		{name: "empty", requestID: "", valid: false},
		{name: "too long", requestID: strings.Repeat("a", 129), valid: false},
		{name: "CRLF injection", requestID: "abc\r\nSet-Cookie: x=y", valid: false},
		{name: "spaces", requestID: "abc 123", valid: false},
		{name: "html", requestID: "<script>", valid: false},
		{name: "unicode", requestID: "ïd", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidRequestID(tt.requestID); got != tt.valid {
				t.Errorf("IsValidRequestID(%q) = %v, want %v", tt.requestID, got, tt.valid)
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		upstream string
		wantSame bool
	}{
		{name: "keeps valid upstream ID", upstream: "upstream-id-42", wantSame: true},
		{name: "replaces missing ID", upstream: "", wantSame: false},
		{name: "replaces unsafe ID", upstream: "bad id;drop", wantSame: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.upstream != "" {
				req.Header.Set(RequestIDHeader, tt.upstream)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			echoed := w.Header().Get(RequestIDHeader)
			if echoed == "" || echoed != seen {
				t.Fatalf("response header %q and context %q should carry the same ID", echoed, seen)
			}
			if tt.wantSame && seen != tt.upstream {
				t.Errorf("request ID = %q, want upstream %q", seen, tt.upstream)
			}
			if !tt.wantSame {
				if seen == tt.upstream {
					t.Errorf("unsafe upstream ID %q should have been replaced", tt.upstream)
				}
				if _, err := uuid.Parse(seen); err != nil {
					t.Errorf("replacement %q is not a UUID", seen)
				}
			}
		})
	}
}
