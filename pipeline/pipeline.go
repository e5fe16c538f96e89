// Package pipeline assembles the security stages into one HTTP middleware
// chain with a fixed order:
//
//	request id -> security headers, CORS -> SecurityContext -> rate limit
//	-> authentication, authorization (then sealed) -> CSRF -> webhook
//	-> validation -> handler
//
// Handler applies the route-independent stages once around a router, and
// Wrap applies the per-route stages around each endpoint. A failing stage
// stops the request; its error is rendered by the ErrorHandler, which logs
// exactly one request_failed entry. Panics are recovered as INTERNAL_ERROR.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	secure "github.com/fanzplatform/fanz-secure"
	"github.com/fanzplatform/fanz-secure/auth"
	"github.com/fanzplatform/fanz-secure/csrf"
	"github.com/fanzplatform/fanz-secure/instrumentation"
	"github.com/fanzplatform/fanz-secure/security"
	"github.com/fanzplatform/fanz-secure/storage"
	"github.com/fanzplatform/fanz-secure/validation"
	"github.com/fanzplatform/fanz-secure/webhook"
)

// CORS settings shared by every route
var (
	corsAllowedMethods = []string{
		http.MethodGet, http.MethodHead, http.MethodPost,
		http.MethodPut, http.MethodPatch, http.MethodDelete,
	}
	corsAllowedHeaders = []string{
		"Authorization", "Content-Type", csrf.HeaderName, secure.RequestIDHeader,
		auth.DeviceFingerprintHeader, webhook.IdempotencyKeyHeader,
	}
	corsExposedHeaders = []string{
		secure.RequestIDHeader, csrf.HeaderName, "Retry-After",
		"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset",
	}
)

// corsMaxAge is how long browsers may cache a preflight, in seconds
const corsMaxAge = 600

// Options configures a Pipeline. Every stage is built from Security.
type Options struct {
	Security *secure.Config

	// Store holds rate limit counters, failure counts and webhook reservations
	Store storage.Store

	// Fallback serves rate limit checks while Store fails. Optional.
	Fallback storage.Store

	// Schemas are the validation schemas routes refer to. Nil means an empty registry.
	Schemas *validation.Registry

	// Roles maps roles to capabilities. Nil uses auth.DefaultRoles.
	Roles map[string][]string

	Bus             *security.Bus
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
	Now             func() time.Time
}

// Pipeline runs the security stages for every request.
type Pipeline struct {
	limiter   *security.RateLimiter
	failures  *security.FailureTracker
	auth      *auth.Authenticator
	csrf      *csrf.Protector
	webhooks  *webhook.Verifier
	validator *validation.Validator
	errors    *ErrorHandler

	resolver security.ClientIPResolver
	cors     *cors.Cors
	hsts     bool

	bus      *security.Bus
	logger   *slog.Logger
	inst     *instrumentation.Instrumentation
	metrics  *instrumentation.Metrics
	tracer   trace.Tracer
	otelOpts []otelhttp.Option
	now      func() time.Time
}

// New builds every stage from opts.
func New(opts Options) (*Pipeline, error) {
	cfg := opts.Security
	if cfg == nil {
		return nil, errors.New("pipeline requires a security config")
	}
	if opts.Store == nil {
		return nil, errors.New("pipeline requires a store")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Schemas == nil {
		opts.Schemas = validation.NewRegistry()
	}

	p := &Pipeline{
		errors: NewErrorHandler(opts.Logger, cfg.DevelopmentMode),
		resolver: security.ClientIPResolver{
			TrustProxy:        cfg.TrustProxy,
			TrustedProxyCount: cfg.TrustedProxyCount,
		},
		cors:   newCORS(cfg),
		hsts:   !cfg.DevelopmentMode,
		bus:    opts.Bus,
		logger: opts.Logger,
		inst:   opts.Instrumentation,
		now:    opts.Now,
	}
	if inst := opts.Instrumentation; inst != nil {
		p.metrics = inst.Metrics()
		p.tracer = inst.Tracer("pipeline")
		p.otelOpts = []otelhttp.Option{
			otelhttp.WithTracerProvider(inst.TracerProvider()),
			otelhttp.WithMeterProvider(inst.MeterProvider()),
		}
	}
	p.otelOpts = append(p.otelOpts, otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
		return "HTTP " + r.Method
	}))

	keys, err := security.DeriveKeys(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to derive keys: %w", err)
	}

	p.failures, err = security.NewFailureTracker(security.FailureTrackerConfig{
		Store:           opts.Store,
		Threshold:       cfg.FailureEscalationThreshold,
		Window:          cfg.FailureWindow,
		Bus:             opts.Bus,
		Logger:          opts.Logger,
		Instrumentation: opts.Instrumentation,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create failure tracker: %w", err)
	}

	limits := make(map[secure.Tier]secure.TierLimit, len(secure.Tiers))
	for _, tier := range secure.Tiers {
		limits[tier] = cfg.Limit(tier)
	}
	p.limiter, err = security.NewRateLimiter(security.RateLimiterConfig{
		Limits:          limits,
		Store:           opts.Store,
		Fallback:        opts.Fallback,
		Failures:        p.failures,
		Bus:             opts.Bus,
		Logger:          opts.Logger,
		Instrumentation: opts.Instrumentation,
		Now:             opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	p.auth, err = auth.New(auth.Config{
		Security:        cfg,
		Keys:            keys,
		Roles:           opts.Roles,
		Failures:        p.failures,
		Bus:             opts.Bus,
		Logger:          opts.Logger,
		Instrumentation: opts.Instrumentation,
		ErrorWriter:     p.errors.Write,
		Now:             opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create authenticator: %w", err)
	}

	p.csrf, err = csrf.New(csrf.Config{
		Key:             keys.CSRF,
		InsecureCookie:  cfg.DevelopmentMode,
		Failures:        p.failures,
		Bus:             opts.Bus,
		Logger:          opts.Logger,
		Instrumentation: opts.Instrumentation,
		ErrorWriter:     p.errors.Write,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create CSRF protector: %w", err)
	}

	whCfg := webhook.ConfigFrom(cfg, opts.Store)
	whCfg.Failures = p.failures
	whCfg.Bus = opts.Bus
	whCfg.Logger = opts.Logger
	whCfg.Instrumentation = opts.Instrumentation
	whCfg.ErrorWriter = p.errors.Write
	whCfg.Now = opts.Now
	p.webhooks, err = webhook.NewVerifier(whCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook verifier: %w", err)
	}

	p.validator, err = validation.NewValidator(validation.ValidatorConfig{
		Registry:        opts.Schemas,
		Bus:             opts.Bus,
		Logger:          opts.Logger,
		Instrumentation: opts.Instrumentation,
		ErrorWriter:     p.errors.Write,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}
	return p, nil
}

func newCORS(cfg *secure.Config) *cors.Cors {
	opts := cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   corsAllowedMethods,
		AllowedHeaders:   corsAllowedHeaders,
		ExposedHeaders:   corsExposedHeaders,
		AllowCredentials: true,
		MaxAge:           corsMaxAge,
	}
	// rs/cors treats an empty origin list as "allow all"
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowOriginFunc = func(string) bool { return false }
	}
	return cors.New(opts)
}

// Auth returns the authentication stage.
func (p *Pipeline) Auth() *auth.Authenticator { return p.auth }

// CSRF returns the CSRF stage.
func (p *Pipeline) CSRF() *csrf.Protector { return p.csrf }

// RateLimiter returns the rate limit stage.
func (p *Pipeline) RateLimiter() *security.RateLimiter { return p.limiter }

// Webhooks returns the webhook stage.
func (p *Pipeline) Webhooks() *webhook.Verifier { return p.webhooks }

// Validator returns the validation stage.
func (p *Pipeline) Validator() *validation.Validator { return p.validator }

// Failures returns the failure tracker shared by the stages.
func (p *Pipeline) Failures() *security.FailureTracker { return p.failures }

// Errors returns the error handler.
func (p *Pipeline) Errors() *ErrorHandler { return p.errors }
