package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"strings"

	secure "github.com/fanzplatform/fanz-secure"
	"github.com/fanzplatform/fanz-secure/security"
)

// Redacted replaces the value of every redacted attribute.
const Redacted = "[REDACTED]"

// RequestIDKey is the attribute every record carries.
const RequestIDKey = "request_id"

// maxDepth bounds recursion into nested groups and maps.
const maxDepth = 8

// defaultSensitive are key fragments that mark an attribute as secret.
// Keys are compared lowercased with '_', '-' and '.' removed.
var defaultSensitive = []string{
	"password", "passwd", "secret", "token", "authorization", "cookie",
	"ssn", "socialsecurity", "card", "cvv", "cvc", "apikey",
	"privatekey", "signature", "credential", "fingerprint",
}

// defaultAllowlist are the keys strict mode lets through unchanged.
var defaultAllowlist = []string{
	RequestIDKey, "event_type", "severity", "detail", "occurred_at",
	"subject_hash", "key_hash", "client_ip", "metadata", "method", "route",
	"path", "status", "duration_ms", "code", "kind", "reason", "error",
	"tier", "mode", "attempts", "limit", "escalated", "retry_after_s",
	"subscriber", "stage", "sender", "schema", "fields", "field", "panic",
	"component", "addr", "version", "config", "backend", "window_s",
	"failures", "threshold", "capabilities", "auth_method", "result",
	"origin", "removed", "count",
}

// HandlerOptions configures a RedactingHandler.
type HandlerOptions struct {
	// Strict redacts every key not in the allowlist
	Strict bool

	// Allowlist adds keys to the strict-mode allowlist
	Allowlist []string

	// Sensitive adds key fragments to the sensitive list
	Sensitive []string
}

type redactor struct {
	strict    bool
	allowed   map[string]bool
	sensitive []string
}

// RedactingHandler is a slog.Handler that removes secrets and personal
// data before records reach the wrapped handler:
//
//   - attributes whose key names a secret are replaced with [REDACTED],
//     including inside groups and map[string]any values
//   - card numbers (13-19 digits passing the Luhn check), SSNs, JWTs and
//     bearer credentials inside string values are masked
//   - in strict mode every key outside the allowlist is redacted
//   - every record carries request_id, "-" when the context has none
type RedactingHandler struct {
	next   slog.Handler
	r      *redactor
	groups []string

	// hasRequestID is set once request_id was added through WithAttrs
	hasRequestID bool
}

// NewRedactingHandler wraps next.
func NewRedactingHandler(next slog.Handler, opts HandlerOptions) *RedactingHandler {
	r := &redactor{
		strict:    opts.Strict,
		allowed:   make(map[string]bool),
		sensitive: append(slices.Clone(defaultSensitive), opts.Sensitive...),
	}
	for _, k := range defaultAllowlist {
		r.allowed[k] = true
	}
	for _, k := range opts.Allowlist {
		r.allowed[k] = true
	}
	for i, s := range r.sensitive {
		r.sensitive[i] = normalizeKey(s)
	}
	return &RedactingHandler{next: next, r: r}
}

// Enabled implements slog.Handler.
func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *RedactingHandler) Handle(ctx context.Context, record slog.Record) error {
	out := slog.NewRecord(record.Time, record.Level, maskString(record.Message), record.PC)

	seenRequestID := h.hasRequestID
	record.Attrs(func(a slog.Attr) bool {
		if len(h.groups) == 0 && a.Key == RequestIDKey {
			seenRequestID = true
		}
		out.AddAttrs(h.r.attr(a, 0))
		return true
	})
	if !seenRequestID {
		out.AddAttrs(slog.String(RequestIDKey, requestIDFrom(ctx)))
	}
	return h.next.Handle(ctx, out)
}

// WithAttrs implements slog.Handler.
func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	hasRequestID := h.hasRequestID
	for i, a := range attrs {
		if len(h.groups) == 0 && a.Key == RequestIDKey {
			hasRequestID = true
		}
		redacted[i] = h.r.attr(a, 0)
	}
	return &RedactingHandler{
		next:         h.next.WithAttrs(redacted),
		r:            h.r,
		groups:       h.groups,
		hasRequestID: hasRequestID,
	}
}

// WithGroup implements slog.Handler.
func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &RedactingHandler{
		next:         h.next.WithGroup(name),
		r:            h.r,
		groups:       append(slices.Clone(h.groups), name),
		hasRequestID: h.hasRequestID,
	}
}

func requestIDFrom(ctx context.Context) string {
	if ctx == nil {
		return "-"
	}
	if id := security.GetRequestID(ctx); id != "" {
		return id
	}
	if sc, ok := secure.FromContext(ctx); ok && sc.RequestID() != "" {
		return sc.RequestID()
	}
	return "-"
}

func normalizeKey(k string) string {
	k = strings.ToLower(k)
	return strings.NewReplacer("_", "", "-", "", ".", "", " ", "").Replace(k)
}

func (r *redactor) isSensitive(key string) bool {
	n := normalizeKey(key)
	for _, s := range r.sensitive {
		if strings.Contains(n, s) {
			return true
		}
	}
	return false
}

func (r *redactor) attr(a slog.Attr, depth int) slog.Attr {
	if a.Key != "" && r.isSensitive(a.Key) {
		return slog.String(a.Key, Redacted)
	}

	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		if depth >= maxDepth {
			return slog.String(a.Key, Redacted)
		}
		children := v.Group()
		out := make([]any, 0, len(children))
		for _, c := range children {
			out = append(out, r.attr(c, depth+1))
		}
		return slog.Group(a.Key, out...)
	}

	if r.strict && a.Key != "" && !r.allowed[a.Key] {
		return slog.String(a.Key, Redacted)
	}
	return slog.Attr{Key: a.Key, Value: r.value(v, depth)}
}

func (r *redactor) value(v slog.Value, depth int) slog.Value {
	switch v.Kind() {
	case slog.KindString:
		return slog.StringValue(maskString(v.String()))
	case slog.KindAny:
		return r.anyValue(v.Any(), depth)
	default:
		return v
	}
}

func (r *redactor) anyValue(x any, depth int) slog.Value {
	if depth >= maxDepth {
		return slog.StringValue(Redacted)
	}
	switch t := x.(type) {
	case nil:
		return slog.AnyValue(nil)
	case error:
		return slog.StringValue(maskString(t.Error()))
	case string:
		return slog.StringValue(maskString(t))
	case []byte:
		return slog.StringValue(maskString(string(t)))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = r.mapValue(k, val, depth+1)
		}
		return slog.AnyValue(out)
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, val := range t {
			if r.isSensitive(k) {
				out[k] = Redacted
			} else {
				out[k] = maskString(val)
			}
		}
		return slog.AnyValue(out)
	case []string:
		out := make([]string, len(t))
		for i, s := range t {
			out[i] = maskString(s)
		}
		return slog.AnyValue(out)
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = r.mapValue("", val, depth+1)
		}
		return slog.AnyValue(out)
	case fmt.Stringer:
		return slog.StringValue(maskString(t.String()))
	default:
		return r.structValue(x, depth)
	}
}

// structValue redacts values the handler would otherwise print verbatim,
// e.g. structs and typed maps, by converting them to their JSON form first.
// Values that cannot be converted are dropped.
func (r *redactor) structValue(x any, depth int) slog.Value {
	switch reflect.ValueOf(x).Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return slog.AnyValue(x)
	}

	b, err := json.Marshal(x)
	if err != nil {
		return slog.StringValue(Redacted)
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return slog.StringValue(Redacted)
	}
	switch generic.(type) {
	case map[string]any, []any, string:
		return r.anyValue(generic, depth)
	}
	return slog.AnyValue(generic)
}

// mapValue redacts one map entry. In strict mode map keys are subject to
// the allowlist like attribute keys.
func (r *redactor) mapValue(key string, val any, depth int) any {
	if key != "" && (r.isSensitive(key) || (r.strict && !r.allowed[key])) {
		return Redacted
	}
	return r.anyValue(val, depth).Any()
}
