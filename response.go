package secure

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// RequestIDHeader carries the request correlation id.
const RequestIDHeader = "X-Request-ID"

// ErrorWriter renders a failed request. Middleware constructed without one
// falls back to WriteError.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Code       string       `json:"code"`
	Message    string       `json:"message"`
	RequestID  string       `json:"requestId"`
	Fields     []FieldError `json:"fields,omitempty"`
	RetryAfter int          `json:"retryAfter,omitempty"`
	Detail     string       `json:"detail,omitempty"`
}

// NewErrorResponse builds the client-facing body for e. Detail is only set
// when includeDetail is true.
func NewErrorResponse(e *Error, requestID string, includeDetail bool) ErrorResponse {
	resp := ErrorResponse{
		Code:      e.Code,
		Message:   e.Message,
		RequestID: requestID,
		Fields:    e.Fields,
	}
	if e.Kind == KindRateLimit && e.RetryAfter > 0 {
		resp.RetryAfter = RetryAfterSeconds(e.RetryAfter)
	}
	if includeDetail {
		resp.Detail = e.Error()
	}
	return resp
}

// RequestIDFor returns the request id of r from its SecurityContext, or
// from the response header set by the request id middleware.
func RequestIDFor(w http.ResponseWriter, r *http.Request) string {
	if sc, ok := FromContext(r.Context()); ok && sc.RequestID() != "" {
		return sc.RequestID()
	}
	if id := w.Header().Get(RequestIDHeader); id != "" {
		return id
	}
	return "-"
}

// WriteError converts err with AsError and writes it as JSON, setting
// Retry-After for rate limit errors.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, AsError(err), RequestIDFor(w, r), false)
}

// WriteErrorDetail is WriteError for development mode: the body carries
// the internal error text.
func WriteErrorDetail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, AsError(err), RequestIDFor(w, r), true)
}

func writeError(w http.ResponseWriter, e *Error, requestID string, detail bool) {
	status := e.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	h := w.Header()
	if e.Kind == KindRateLimit && e.RetryAfter > 0 {
		h.Set("Retry-After", strconv.Itoa(RetryAfterSeconds(e.RetryAfter)))
	}
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(NewErrorResponse(e, requestID, detail))
}

// RetryAfterSeconds rounds d up to whole seconds, with a minimum of 1.
func RetryAfterSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}
