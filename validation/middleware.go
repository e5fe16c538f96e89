package validation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	secure "github.com/fanzplatform/fanz-secure"
	"github.com/fanzplatform/fanz-secure/instrumentation"
	"github.com/fanzplatform/fanz-secure/security"
)

// DefaultMaxBodyBytes bounds decoded request bodies.
const DefaultMaxBodyBytes = 1 << 20

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	Registry *Registry

	// MaxBodyBytes defaults to DefaultMaxBodyBytes
	MaxBodyBytes int64

	Bus             *security.Bus
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation

	// ErrorWriter renders failures in the middleware. Nil uses secure.WriteError.
	ErrorWriter secure.ErrorWriter
}

// Validator decodes request input and validates it against registered schemas.
type Validator struct {
	registry     *Registry
	maxBodyBytes int64
	bus          *security.Bus
	logger       *slog.Logger
	metrics      *instrumentation.Metrics
	errorWriter  secure.ErrorWriter
}

// NewValidator creates a Validator.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if cfg.Registry == nil {
		return nil, errors.New("validator requires a schema registry")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ErrorWriter == nil {
		cfg.ErrorWriter = secure.WriteError
	}
	v := &Validator{
		registry:     cfg.Registry,
		maxBodyBytes: cfg.MaxBodyBytes,
		bus:          cfg.Bus,
		logger:       cfg.Logger,
		errorWriter:  cfg.ErrorWriter,
	}
	if cfg.Instrumentation != nil {
		v.metrics = cfg.Instrumentation.Metrics()
	}
	return v, nil
}

// Registry returns the schema registry.
func (v *Validator) Registry() *Registry {
	return v.registry
}

type inputContextKey struct{}

// WithInput stores validated input in ctx.
func WithInput(ctx context.Context, input map[string]any) context.Context {
	return context.WithValue(ctx, inputContextKey{}, input)
}

// InputFromContext returns the validated input stored by the middleware.
func InputFromContext(ctx context.Context) (map[string]any, bool) {
	input, ok := ctx.Value(inputContextKey{}).(map[string]any)
	return input, ok
}

// Middleware validates requests against the schema called schema and
// passes the validated input to next through the request context.
func (v *Validator) Middleware(schema string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			input, err := v.Check(w, r, schema)
			if err != nil {
				v.errorWriter(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithInput(r.Context(), input)))
		})
	}
}

// Check decodes and validates the input of r. Bodies are read as JSON;
// safe methods are validated from their query string instead.
func (v *Validator) Check(w http.ResponseWriter, r *http.Request, schema string) (map[string]any, error) {
	ctx := r.Context()

	var raw map[string]any
	var err error
	fromQuery := isSafeMethod(r.Method)
	if fromQuery {
		raw = queryInput(r)
	} else {
		raw, err = v.decodeBody(w, r)
		if err != nil {
			return nil, err
		}
	}

	res, err := v.registry.ValidateResult(schema, raw, fromQuery)
	if err != nil {
		v.failed(ctx, schema, err)
		return nil, err
	}

	if len(res.Sanitized) > 0 {
		v.bus.Emit(ctx, security.Event{
			Type:     security.EventInputSanitized,
			Severity: security.SeverityLow,
			Message:  "markup removed from input",
			Metadata: map[string]any{
				"schema": schema,
				"fields": res.Sanitized,
			},
		})
		if sc, ok := secure.FromContext(ctx); ok {
			sc.AddFinding("validation", security.EventInputSanitized, strings.Join(res.Sanitized, ","))
		}
	}
	return res.Input, nil
}

func (v *Validator) failed(ctx context.Context, schema string, err error) {
	e := secure.AsError(err)
	if e.Kind != secure.KindValidation {
		return
	}
	v.metrics.RecordValidationFailure(ctx, schema)

	fields := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		fields[i] = f.Field
	}
	v.bus.Emit(ctx, security.Event{
		Type:     security.EventValidationFailure,
		Severity: security.SeverityLow,
		Message:  "request input rejected by schema",
		Metadata: map[string]any{
			"schema": schema,
			"fields": fields,
			"count":  len(fields),
		},
	})
	if sc, ok := secure.FromContext(ctx); ok {
		sc.AddFinding("validation", security.EventValidationFailure, strings.Join(fields, ","))
	}
}

// decodeBody reads a single JSON object. An empty body is an empty object.
func (v *Validator) decodeBody(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || (mediaType != "application/json" && !strings.HasSuffix(mediaType, "+json")) {
			return nil, secure.NewBadRequestError("request body must be JSON")
		}
	}
	if r.Body == nil {
		return map[string]any{}, nil
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, v.maxBodyBytes))
	dec.UseNumber()

	var input map[string]any
	if err := dec.Decode(&input); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return map[string]any{}, nil
		case errors.As(err, &tooLarge):
			return nil, secure.NewBadRequestError("request body is too large").WithCause(err)
		default:
			return nil, secure.NewBadRequestError("request body is not a valid JSON object").WithCause(err)
		}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, secure.NewBadRequestError("request body must contain a single JSON object")
	}
	if input == nil {
		input = map[string]any{}
	}
	return input, nil
}

func queryInput(r *http.Request) map[string]any {
	query := r.URL.Query()
	input := make(map[string]any, len(query))
	for key, values := range query {
		if len(values) == 1 {
			input[key] = values[0]
			continue
		}
		items := make([]any, len(values))
		for i, val := range values {
			items[i] = val
		}
		input[key] = items
	}
	return input
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
