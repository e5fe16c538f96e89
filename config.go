package secure

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Environment variable names read by LoadConfig
const (
	EnvJWTSecret                  = "JWT_SECRET"
	EnvJWTIssuer                  = "JWT_ISSUER"
	EnvJWTAudience                = "JWT_AUDIENCE"
	EnvSessionSecret              = "SESSION_SECRET"
	EnvEncryptionKey              = "ENCRYPTION_KEY"
	EnvCSRFSecret                 = "CSRF_SECRET"
	EnvWebhookSecret              = "WEBHOOK_SECRET"
	EnvWebhookSenderSecrets       = "WEBHOOK_SENDER_SECRETS"
	EnvWebhookTolerance           = "WEBHOOK_TOLERANCE"
	EnvWebhookRetention           = "WEBHOOK_RETENTION"
	EnvRateLimitWindow            = "RATE_LIMIT_WINDOW"
	EnvRateLimitMax               = "RATE_LIMIT_MAX"
	EnvRateLimitAuthWindow        = "RATE_LIMIT_AUTH_WINDOW"
	EnvRateLimitAuthMax           = "RATE_LIMIT_AUTH_MAX"
	EnvRateLimitPaymentWindow     = "RATE_LIMIT_PAYMENT_WINDOW"
	EnvRateLimitPaymentMax        = "RATE_LIMIT_PAYMENT_MAX"
	EnvCORSAllowedOrigins         = "CORS_ALLOWED_ORIGINS"
	EnvDeviceBinding              = "DEVICE_BINDING"
	EnvTrustProxy                 = "TRUST_PROXY"
	EnvTrustedProxyCount          = "TRUSTED_PROXY_COUNT"
	EnvStoreBackend               = "STORE_BACKEND"
	EnvValkeyAddr                 = "VALKEY_ADDR"
	EnvValkeyPassword             = "VALKEY_PASSWORD"
	EnvValkeyDB                   = "VALKEY_DB"
	EnvStoreKeyPrefix             = "STORE_KEY_PREFIX"
	EnvDashboardURL               = "DASHBOARD_URL"
	EnvDashboardTokenURL          = "DASHBOARD_TOKEN_URL"
	EnvDashboardClientID          = "DASHBOARD_CLIENT_ID"
	EnvDashboardClientSecret      = "DASHBOARD_CLIENT_SECRET"
	EnvFailureEscalationThreshold = "FAILURE_ESCALATION_THRESHOLD"
	EnvFailureWindow              = "FAILURE_WINDOW"
	EnvDevMode                    = "DEV_MODE"
	EnvLogLevel                   = "LOG_LEVEL"
	EnvLogFormat                  = "LOG_FORMAT"
	EnvLogFile                    = "LOG_FILE"
)

// Store backends
const (
	StoreBackendMemory = "memory"
	StoreBackendValkey = "valkey"
)

// Defaults applied when optional settings are absent
const (
	DefaultAuthMax                    = 10
	DefaultAuthWindow                 = time.Minute
	DefaultPaymentMax                 = 5
	DefaultPaymentWindow              = time.Minute
	DefaultWebhookTolerance           = 5 * time.Minute
	DefaultWebhookRetention           = 24 * time.Hour
	DefaultTrustedProxyCount          = 1
	DefaultFailureEscalationThreshold = 10
	DefaultFailureWindow              = 15 * time.Minute
	DefaultStoreKeyPrefix             = "fanz:"
	DefaultWebhookSender              = "default"
)

// Config is the process-wide security configuration. It is immutable once
// LoadConfig has returned it.
type Config struct {
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	SessionSecret string
	EncryptionKey string

	// CSRFSecret signs CSRF tokens. Empty means a key derived from SessionSecret.
	CSRFSecret string

	WebhookSecret string

	// WebhookSenderSecrets maps sender names to their shared secrets.
	// The DefaultWebhookSender entry always holds WebhookSecret.
	WebhookSenderSecrets map[string]string
	WebhookTolerance     time.Duration
	WebhookRetention     time.Duration

	RateLimits map[Tier]TierLimit

	CORSAllowedOrigins []string

	DeviceBinding     bool
	TrustProxy        bool
	TrustedProxyCount int

	Store     StoreConfig
	Dashboard DashboardConfig

	FailureEscalationThreshold int
	FailureWindow              time.Duration

	// DevelopmentMode exposes internal error details to clients and relaxes
	// transport checks. Never enable in production.
	DevelopmentMode bool

	Log LogConfig
}

// StoreConfig selects the shared counter and idempotency store.
type StoreConfig struct {
	Backend        string
	ValkeyAddress  string
	ValkeyPassword string
	ValkeyDB       int
	KeyPrefix      string
}

// DashboardConfig configures the optional external event sink.
type DashboardConfig struct {
	URL          string
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// Enabled reports whether a dashboard sink is configured.
func (d DashboardConfig) Enabled() bool {
	return d.URL != ""
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string
	Format string
	File   string
}

// Limit returns the limit for tier, falling back to the standard tier.
func (c *Config) Limit(tier Tier) TierLimit {
	if l, ok := c.RateLimits[tier]; ok {
		return l
	}
	return c.RateLimits[TierStandard]
}

// LogValue implements slog.LogValuer. Secrets are never included.
func (c *Config) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("store_backend", c.Store.Backend),
		slog.Int("cors_origins", len(c.CORSAllowedOrigins)),
		slog.Bool("device_binding", c.DeviceBinding),
		slog.Bool("trust_proxy", c.TrustProxy),
		slog.Bool("dashboard", c.Dashboard.Enabled()),
		slog.Bool("development_mode", c.DevelopmentMode),
		slog.Int("webhook_senders", len(c.WebhookSenderSecrets)),
	}
	for _, tier := range Tiers {
		l := c.Limit(tier)
		attrs = append(attrs, slog.String("limit_"+string(tier), fmt.Sprintf("%d/%s", l.Max, l.Window)))
	}
	return slog.GroupValue(attrs...)
}

// LoadConfig reads and validates configuration from the process environment.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	return LoadConfigFrom(v)
}

// LoadConfigFile reads configuration from a YAML or JSON file, with
// environment variables taking precedence over file values.
func LoadConfigFile(path string) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return LoadConfigFrom(v)
}

// LoadConfigFrom builds a Config from v and validates it, returning a
// *ConfigError naming every invalid setting.
func LoadConfigFrom(v *viper.Viper) (*Config, error) {
	p := &problems{}
	r := reader{v: v, p: p}

	cfg := &Config{
		JWTSecret:     r.str(EnvJWTSecret),
		JWTIssuer:     r.str(EnvJWTIssuer),
		JWTAudience:   r.str(EnvJWTAudience),
		SessionSecret: r.str(EnvSessionSecret),
		EncryptionKey: r.str(EnvEncryptionKey),
		CSRFSecret:    r.str(EnvCSRFSecret),
		WebhookSecret: r.str(EnvWebhookSecret),

		WebhookTolerance: r.duration(EnvWebhookTolerance, DefaultWebhookTolerance),
		WebhookRetention: r.duration(EnvWebhookRetention, DefaultWebhookRetention),

		CORSAllowedOrigins: r.list(EnvCORSAllowedOrigins),

		DeviceBinding:     r.boolean(EnvDeviceBinding),
		TrustProxy:        r.boolean(EnvTrustProxy),
		TrustedProxyCount: r.integer(EnvTrustedProxyCount, DefaultTrustedProxyCount),

		Store: StoreConfig{
			Backend:        strings.ToLower(r.strDefault(EnvStoreBackend, StoreBackendMemory)),
			ValkeyAddress:  r.str(EnvValkeyAddr),
			ValkeyPassword: r.str(EnvValkeyPassword),
			ValkeyDB:       r.integer(EnvValkeyDB, 0),
			KeyPrefix:      r.strDefault(EnvStoreKeyPrefix, DefaultStoreKeyPrefix),
		},
		Dashboard: DashboardConfig{
			URL:          r.str(EnvDashboardURL),
			TokenURL:     r.str(EnvDashboardTokenURL),
			ClientID:     r.str(EnvDashboardClientID),
			ClientSecret: r.str(EnvDashboardClientSecret),
		},

		FailureEscalationThreshold: r.integer(EnvFailureEscalationThreshold, DefaultFailureEscalationThreshold),
		FailureWindow:              r.duration(EnvFailureWindow, DefaultFailureWindow),

		DevelopmentMode: r.boolean(EnvDevMode),

		Log: LogConfig{
			Level:  r.strDefault(EnvLogLevel, "info"),
			Format: r.strDefault(EnvLogFormat, "json"),
			File:   r.str(EnvLogFile),
		},
	}

	cfg.RateLimits = map[Tier]TierLimit{
		TierStandard: {
			Max:    r.requiredInteger(EnvRateLimitMax),
			Window: r.requiredDuration(EnvRateLimitWindow),
		},
		TierAuth: {
			Max:    r.integer(EnvRateLimitAuthMax, DefaultAuthMax),
			Window: r.duration(EnvRateLimitAuthWindow, DefaultAuthWindow),
		},
		TierPayment: {
			Max:    r.integer(EnvRateLimitPaymentMax, DefaultPaymentMax),
			Window: r.duration(EnvRateLimitPaymentWindow, DefaultPaymentWindow),
		},
	}

	cfg.WebhookSenderSecrets = r.pairs(EnvWebhookSenderSecrets)
	if cfg.WebhookSecret != "" {
		cfg.WebhookSenderSecrets[DefaultWebhookSender] = cfg.WebhookSecret
	}

	validateConfig(cfg, p)

	if err := p.err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// reader pulls typed values out of viper and records parse failures.
type reader struct {
	v *viper.Viper
	p *problems
}

func (r reader) key(env string) string {
	return strings.ToLower(env)
}

func (r reader) str(env string) string {
	return strings.TrimSpace(r.v.GetString(r.key(env)))
}

func (r reader) strDefault(env, def string) string {
	if s := r.str(env); s != "" {
		return s
	}
	return def
}

func (r reader) boolean(env string) bool {
	s := r.str(env)
	if s == "" {
		return false
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		r.p.add(env, "must be a boolean")
		return false
	}
	return b
}

func (r reader) integer(env string, def int) int {
	s := r.str(env)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		r.p.add(env, "must be an integer")
		return def
	}
	return n
}

func (r reader) requiredInteger(env string) int {
	if r.str(env) == "" {
		r.p.add(env, "is required")
		return 0
	}
	return r.integer(env, 0)
}

// duration accepts a Go duration ("90s", "15m") or a bare number of seconds.
func (r reader) duration(env string, def time.Duration) time.Duration {
	s := r.str(env)
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		r.p.add(env, "must be a duration (e.g. 60s) or a number of seconds")
		return def
	}
	return d
}

func (r reader) requiredDuration(env string) time.Duration {
	if r.str(env) == "" {
		r.p.add(env, "is required")
		return 0
	}
	return r.duration(env, 0)
}

// list reads a comma separated list; config files may also use a YAML sequence.
func (r reader) list(env string) []string {
	// viper splits plain strings on whitespace, which breaks "a=b, c = d"
	var items []string
	switch v := r.v.Get(r.key(env)).(type) {
	case nil:
	case string:
		items = []string{v}
	default:
		items = r.v.GetStringSlice(r.key(env))
	}

	var out []string
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// pairs reads "name=value" entries from a list.
func (r reader) pairs(env string) map[string]string {
	out := make(map[string]string)
	for _, item := range r.list(env) {
		name, value, ok := strings.Cut(item, "=")
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)
		if !ok || name == "" || value == "" {
			r.p.add(env, "entries must have the form sender=secret")
			continue
		}
		out[name] = value
	}
	return out
}
