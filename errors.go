package secure

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind classifies an Error into one of the taxonomy families.
type Kind string

const (
	KindConfig     Kind = "config"
	KindAuth       Kind = "auth"
	KindCSRF       Kind = "csrf"
	KindValidation Kind = "validation"
	KindRateLimit  Kind = "rate_limit"
	KindWebhook    Kind = "webhook"
	KindBadRequest Kind = "bad_request"
	KindNotFound   Kind = "not_found"
	KindMethod     Kind = "method_not_allowed"
	KindInternal   Kind = "internal"
)

// Reason refines a Kind (e.g. EXPIRED for an auth error).
type Reason string

// Auth failure reasons
const (
	AuthMissing   Reason = "MISSING"
	AuthInvalid   Reason = "INVALID"
	AuthExpired   Reason = "EXPIRED"
	AuthForbidden Reason = "FORBIDDEN"
)

// Webhook failure reasons
const (
	WebhookMissingSig Reason = "MISSING_SIG"
	WebhookBadSig     Reason = "BAD_SIG"
	WebhookStale      Reason = "STALE"
	WebhookReplay     Reason = "REPLAY"
)

// Error codes as they appear in client responses
const (
	CodeAuthMissing       = "AUTH_MISSING"
	CodeAuthInvalid       = "AUTH_INVALID"
	CodeAuthExpired       = "AUTH_EXPIRED"
	CodeAuthForbidden     = "AUTH_FORBIDDEN"
	CodeCSRFInvalid       = "CSRF_INVALID"
	CodeValidationFailed  = "VALIDATION_FAILED"
	CodeBadRequest        = "BAD_REQUEST"
	CodeRateLimited       = "RATE_LIMITED"
	CodeWebhookMissingSig = "WEBHOOK_MISSING_SIG"
	CodeWebhookBadSig     = "WEBHOOK_BAD_SIG"
	CodeWebhookStale      = "WEBHOOK_STALE"
	CodeWebhookReplay     = "WEBHOOK_REPLAY"
	CodeNotFound          = "NOT_FOUND"
	CodeMethodNotAllowed  = "METHOD_NOT_ALLOWED"
	CodeInternal          = "INTERNAL_ERROR"
)

// FieldError describes why a single input field failed validation.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the normalized error type every middleware stage returns.
// Message is safe to show to clients; Cause is for internal logs only.
type Error struct {
	Kind       Kind
	Reason     Reason
	Code       string
	Message    string
	Status     int
	Fields     []FieldError
	RetryAfter time.Duration
	Cause      error
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	if e.Reason != "" {
		fmt.Fprintf(&b, " (%s %s)", e.Kind, e.Reason)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same kind and reason.
// This lets callers write errors.Is(err, secure.ErrAuthExpired).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Reason == "" || e.Reason == t.Reason)
}

// WithCause returns a copy of e carrying cause.
func (e *Error) WithCause(cause error) *Error {
	c := *e
	c.Cause = cause
	return &c
}

// Sentinel values for errors.Is comparisons
var (
	ErrAuthMissing   = &Error{Kind: KindAuth, Reason: AuthMissing}
	ErrAuthInvalid   = &Error{Kind: KindAuth, Reason: AuthInvalid}
	ErrAuthExpired   = &Error{Kind: KindAuth, Reason: AuthExpired}
	ErrAuthForbidden = &Error{Kind: KindAuth, Reason: AuthForbidden}
	ErrCSRF          = &Error{Kind: KindCSRF}
	ErrValidation    = &Error{Kind: KindValidation}
	ErrRateLimited   = &Error{Kind: KindRateLimit}
	ErrWebhook       = &Error{Kind: KindWebhook}
	ErrBadRequest    = &Error{Kind: KindBadRequest}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrMethod        = &Error{Kind: KindMethod}
	ErrInternal      = &Error{Kind: KindInternal}
)

// NewAuthError creates an authentication or authorization error.
func NewAuthError(reason Reason, message string) *Error {
	e := &Error{Kind: KindAuth, Reason: reason, Message: message, Status: http.StatusUnauthorized}
	switch reason {
	case AuthMissing:
		e.Code = CodeAuthMissing
	case AuthExpired:
		e.Code = CodeAuthExpired
	case AuthForbidden:
		e.Code = CodeAuthForbidden
		e.Status = http.StatusForbidden
	default:
		e.Reason = AuthInvalid
		e.Code = CodeAuthInvalid
	}
	return e
}

// NewCSRFError creates a CSRF verification error.
func NewCSRFError(message string) *Error {
	return &Error{Kind: KindCSRF, Code: CodeCSRFInvalid, Message: message, Status: http.StatusForbidden}
}

// NewValidationError creates a validation error naming every failing field.
func NewValidationError(fields []FieldError) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    CodeValidationFailed,
		Message: "request input failed validation",
		Status:  http.StatusUnprocessableEntity,
		Fields:  fields,
	}
}

// NewBadRequestError creates an error for requests that cannot be parsed at all.
func NewBadRequestError(message string) *Error {
	return &Error{Kind: KindBadRequest, Code: CodeBadRequest, Message: message, Status: http.StatusBadRequest}
}

// NewNotFoundError reports a request for a path no route serves.
func NewNotFoundError() *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: "not found", Status: http.StatusNotFound}
}

// NewMethodNotAllowedError reports a known path requested with a method
// it does not serve.
func NewMethodNotAllowedError() *Error {
	return &Error{
		Kind:    KindMethod,
		Code:    CodeMethodNotAllowed,
		Message: "method not allowed",
		Status:  http.StatusMethodNotAllowed,
	}
}

// NewRateLimitError creates a rate limit error carrying Retry-After semantics.
func NewRateLimitError(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimit,
		Code:       CodeRateLimited,
		Message:    "too many requests",
		Status:     http.StatusTooManyRequests,
		RetryAfter: retryAfter,
	}
}

// NewWebhookError creates a webhook verification error.
func NewWebhookError(reason Reason, message string) *Error {
	e := &Error{Kind: KindWebhook, Reason: reason, Message: message, Status: http.StatusUnauthorized}
	switch reason {
	case WebhookMissingSig:
		e.Code = CodeWebhookMissingSig
	case WebhookStale:
		e.Code = CodeWebhookStale
	case WebhookReplay:
		e.Code = CodeWebhookReplay
		e.Status = http.StatusConflict
	default:
		e.Reason = WebhookBadSig
		e.Code = CodeWebhookBadSig
	}
	return e
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(cause error) *Error {
	return &Error{
		Kind:    KindInternal,
		Code:    CodeInternal,
		Message: "internal server error",
		Status:  http.StatusInternalServerError,
		Cause:   cause,
	}
}

// AsError converts any error into an *Error. Errors that are not already
// part of the taxonomy become internal errors so nothing library-specific
// reaches a client.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewInternalError(err)
}
