package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	secure "github.com/fanzplatform/fanz-secure"
	"github.com/fanzplatform/fanz-secure/auth"
)

// RequestFailedMessage is the message of the single log entry written for
// every failed request.
const RequestFailedMessage = "request_failed"

// ErrorHandler renders pipeline failures as JSON and logs them. Clients
// only see the code, message and request id; the full error chain goes to
// the log under the same request id.
type ErrorHandler struct {
	logger  *slog.Logger
	devMode bool
}

// NewErrorHandler creates an ErrorHandler. devMode adds the internal error
// text to responses as "detail".
func NewErrorHandler(logger *slog.Logger, devMode bool) *ErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorHandler{logger: logger, devMode: devMode}
}

// Write implements secure.ErrorWriter.
func (h *ErrorHandler) Write(w http.ResponseWriter, r *http.Request, err error) {
	e := secure.AsError(err)
	if e == nil {
		e = secure.NewInternalError(errors.New("nil error reported as failure"))
	}

	if e.Kind == secure.KindAuth && w.Header().Get("WWW-Authenticate") == "" {
		w.Header().Set("WWW-Authenticate", auth.Challenge(e, nil))
	}

	h.log(w, r, e)

	if h.devMode {
		secure.WriteErrorDetail(w, r, e)
		return
	}
	secure.WriteError(w, r, e)
}

func (h *ErrorHandler) log(w http.ResponseWriter, r *http.Request, e *secure.Error) {
	status := e.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	level := slog.LevelInfo
	switch {
	case errors.Is(e, context.Canceled):
		level = slog.LevelDebug
	case status >= http.StatusInternalServerError:
		level = slog.LevelError
	case e.Kind == secure.KindRateLimit:
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		slog.String("request_id", secure.RequestIDFor(w, r)),
		slog.String("code", e.Code),
		slog.Int("status", status),
		slog.String("kind", string(e.Kind)),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", e.Error()),
	}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", string(e.Reason)))
	}
	if len(e.Fields) > 0 {
		attrs = append(attrs, slog.Int("fields", len(e.Fields)))
	}
	if sc, ok := secure.FromContext(r.Context()); ok {
		attrs = append(attrs, slog.String("client_ip", sc.ClientIP()))
	}
	h.logger.LogAttrs(r.Context(), level, RequestFailedMessage, attrs...)
}
