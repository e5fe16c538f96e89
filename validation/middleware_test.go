package validation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	secure "github.com/fanzplatform/fanz-secure"
	"github.com/fanzplatform/fanz-secure/internal/eventtest"
	"github.com/fanzplatform/fanz-secure/security"
)

func newTestValidator(t *testing.T, maxBody int64) (*Validator, *eventtest.Recorder) {
	t.Helper()
	bus, rec := eventtest.NewBus(t)
	v, err := NewValidator(ValidatorConfig{
		Registry:     newTestRegistry(t),
		MaxBodyBytes: maxBody,
		Bus:          bus,
	})
	require.NoError(t, err)
	return v, rec
}

type capture struct {
	input  map[string]any
	called bool
}

func (c *capture) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.called = true
		c.input, _ = InputFromContext(r.Context())
	})
}

func jsonRequest(body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/posts", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json; charset=utf-8")
	return r
}

func TestNewValidator_RequiresRegistry(t *testing.T) {
	_, err := NewValidator(ValidatorConfig{})
	assert.Error(t, err)
}

func TestMiddleware_PassesValidatedInput(t *testing.T) {
	v, rec := newTestValidator(t, 0)
	c := &capture{}

	w := httptest.NewRecorder()
	v.Middleware("post_create")(c.handler()).ServeHTTP(w, jsonRequest(`{"title": "<b>Hi</b>", "body": "text"}`))

	require.True(t, c.called)
	assert.Equal(t, "Hi", c.input["title"])

	events := rec.OfType(security.EventInputSanitized)
	require.Len(t, events, 1)
	assert.Equal(t, []string{"title"}, events[0].Metadata["fields"])
}

func TestMiddleware_RejectsInvalidInput(t *testing.T) {
	v, rec := newTestValidator(t, 0)
	c := &capture{}

	sc := secure.NewSecurityContext("req-v", "203.0.113.4")
	r := jsonRequest(`{"body": "text", "admin": true}`)
	r = r.WithContext(secure.WithSecurityContext(r.Context(), sc))

	w := httptest.NewRecorder()
	v.Middleware("post_create")(c.handler()).ServeHTTP(w, r)

	assert.False(t, c.called)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var body secure.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, secure.CodeValidationFailed, body.Code)
	assert.Equal(t, "req-v", body.RequestID)
	require.Len(t, body.Fields, 2)
	assert.Equal(t, "admin", body.Fields[0].Field)
	assert.Equal(t, "title", body.Fields[1].Field)

	events := rec.OfType(security.EventValidationFailure)
	require.Len(t, events, 1)
	assert.Equal(t, "post_create", events[0].Metadata["schema"])
	assert.Len(t, sc.Findings(), 1)
}

func TestMiddleware_MalformedBodies(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		contentType string
	}{
		{name: "not json", body: `title=hi`, contentType: "application/json"},
		{name: "array", body: `[1,2]`, contentType: "application/json"},
		{name: "trailing data", body: `{"title":"a","body":"b"} {}`, contentType: "application/json"},
		{name: "form content type", body: `title=hi`, contentType: "application/x-www-form-urlencoded"},
		{name: "too large", body: `{"title":"a","body":"` + strings.Repeat("x", 2048) + `"}`, contentType: "application/json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, rec := newTestValidator(t, 1024)
			c := &capture{}
			r := httptest.NewRequest(http.MethodPost, "/posts", strings.NewReader(tt.body))
			r.Header.Set("Content-Type", tt.contentType)

			w := httptest.NewRecorder()
			v.Middleware("post_create")(c.handler()).ServeHTTP(w, r)

			assert.False(t, c.called)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), secure.CodeBadRequest)
			assert.Empty(t, rec.Events())
		})
	}
}

func TestMiddleware_EmptyBodyIsEmptyObject(t *testing.T) {
	v, _ := newTestValidator(t, 0)
	c := &capture{}

	w := httptest.NewRecorder()
	v.Middleware("post_create")(c.handler()).ServeHTTP(w, jsonRequest(""))

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), `"title"`)
}

func TestMiddleware_SafeMethodsUseQuery(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(Schema{Name: "feed", Fields: map[string]*Field{
		"page": {Type: TypeInteger, Min: Float(1)},
		"tag":  {Type: TypeArray, Items: &Field{Type: TypeString}},
	}})
	v, err := NewValidator(ValidatorConfig{Registry: reg})
	require.NoError(t, err)
	c := &capture{}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/feed?page=3&tag=a&tag=b", nil)
	v.Middleware("feed")(c.handler()).ServeHTTP(w, r)

	require.True(t, c.called)
	assert.Equal(t, int64(3), c.input["page"])
	assert.Equal(t, []any{"a", "b"}, c.input["tag"])

	c = &capture{}
	w = httptest.NewRecorder()
	v.Middleware("feed")(c.handler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/feed?page=3&debug=1", nil))
	assert.False(t, c.called)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestMiddleware_CustomErrorWriter(t *testing.T) {
	var got error
	v, err := NewValidator(ValidatorConfig{
		Registry: newTestRegistry(t),
		ErrorWriter: func(w http.ResponseWriter, _ *http.Request, err error) {
			got = err
			w.WriteHeader(http.StatusTeapot)
		},
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	v.Middleware("post_create")(http.NotFoundHandler()).ServeHTTP(w, jsonRequest(`{}`))
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.ErrorIs(t, got, secure.ErrValidation)
}
