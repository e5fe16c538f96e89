package secure

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/fanzplatform/fanz-secure/internal/helpers"
)

// Minimum lengths of secret settings
const (
	MinJWTSecretLength     = 32
	MinSessionSecretLength = 32
	MinEncryptionKeyLength = 32
	MinCSRFSecretLength    = 32
	MinWebhookSecretLength = 16
)

// Bounds of numeric settings
const (
	MinRateLimitWindow   = time.Second
	MaxRateLimitWindow   = 24 * time.Hour
	MaxRateLimitMax      = 1_000_000
	MaxTrustedProxyCount = 10
	MinWebhookTolerance  = time.Second
	MaxWebhookTolerance  = time.Hour
)

// ConfigProblem is one invalid configuration setting. Reason never contains
// the configured value.
type ConfigProblem struct {
	Field  string
	Reason string
}

func (p ConfigProblem) String() string {
	return p.Field + ": " + p.Reason
}

// ConfigError reports every invalid setting found by LoadConfig.
type ConfigError struct {
	Problems []ConfigProblem
}

// ErrConfig matches any *ConfigError with errors.Is.
var ErrConfig = &Error{Kind: KindConfig}

func (e *ConfigError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = p.String()
	}
	return fmt.Sprintf("invalid security configuration (%d problems): %s", len(e.Problems), strings.Join(parts, "; "))
}

// Is reports whether target is ErrConfig.
func (e *ConfigError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindConfig
}

type problems struct {
	list []ConfigProblem
}

func (p *problems) add(field, reason string) {
	p.list = append(p.list, ConfigProblem{Field: field, Reason: reason})
}

func (p *problems) has(field string) bool {
	for _, existing := range p.list {
		if existing.Field == field {
			return true
		}
	}
	return false
}

func (p *problems) err() error {
	if len(p.list) == 0 {
		return nil
	}
	return &ConfigError{Problems: p.list}
}

func validateConfig(c *Config, p *problems) {
	requireSecret(p, EnvJWTSecret, c.JWTSecret, MinJWTSecretLength)
	requireSecret(p, EnvSessionSecret, c.SessionSecret, MinSessionSecretLength)
	requireSecret(p, EnvEncryptionKey, c.EncryptionKey, MinEncryptionKeyLength)
	requireSecret(p, EnvWebhookSecret, c.WebhookSecret, MinWebhookSecretLength)
	if c.CSRFSecret != "" && len(c.CSRFSecret) < MinCSRFSecretLength {
		p.add(EnvCSRFSecret, fmt.Sprintf("must be at least %d characters when set", MinCSRFSecretLength))
	}
	for sender, secret := range c.WebhookSenderSecrets {
		if sender != DefaultWebhookSender && len(secret) < MinWebhookSecretLength {
			p.add(EnvWebhookSenderSecrets, fmt.Sprintf("secret for sender %q must be at least %d characters", sender, MinWebhookSecretLength))
		}
	}

	validateRateLimits(c, p)
	validateCORSOrigins(c, p)

	if c.TrustedProxyCount < 0 || c.TrustedProxyCount > MaxTrustedProxyCount {
		p.add(EnvTrustedProxyCount, fmt.Sprintf("must be between 0 and %d", MaxTrustedProxyCount))
	}

	if c.WebhookTolerance < MinWebhookTolerance || c.WebhookTolerance > MaxWebhookTolerance {
		p.add(EnvWebhookTolerance, fmt.Sprintf("must be between %s and %s", MinWebhookTolerance, MaxWebhookTolerance))
	}
	if c.WebhookRetention < c.WebhookTolerance {
		p.add(EnvWebhookRetention, "must be at least the webhook tolerance")
	}

	switch c.Store.Backend {
	case StoreBackendMemory:
	case StoreBackendValkey:
		if c.Store.ValkeyAddress == "" {
			p.add(EnvValkeyAddr, "is required when STORE_BACKEND is valkey")
		}
	default:
		p.add(EnvStoreBackend, "must be memory or valkey")
	}
	if c.Store.ValkeyDB < 0 {
		p.add(EnvValkeyDB, "must not be negative")
	}

	validateDashboard(c, p)

	if c.FailureEscalationThreshold < 1 {
		p.add(EnvFailureEscalationThreshold, "must be at least 1")
	}
	if c.FailureWindow <= 0 {
		p.add(EnvFailureWindow, "must be positive")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		p.add(EnvLogLevel, "must be debug, info, warn or error")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		p.add(EnvLogFormat, "must be json or text")
	}
}

func requireSecret(p *problems, field, value string, minLen int) {
	switch {
	case value == "":
		p.add(field, "is required")
	case len(value) < minLen:
		p.add(field, fmt.Sprintf("must be at least %d characters", minLen))
	}
}

func validateRateLimits(c *Config, p *problems) {
	fields := map[Tier][2]string{
		TierStandard: {EnvRateLimitMax, EnvRateLimitWindow},
		TierAuth:     {EnvRateLimitAuthMax, EnvRateLimitAuthWindow},
		TierPayment:  {EnvRateLimitPaymentMax, EnvRateLimitPaymentWindow},
	}

	valid := make(map[Tier]bool, len(Tiers))
	for _, tier := range Tiers {
		l := c.RateLimits[tier]
		maxField, windowField := fields[tier][0], fields[tier][1]
		ok := !p.has(maxField) && !p.has(windowField)
		if !p.has(maxField) && (l.Max < 1 || l.Max > MaxRateLimitMax) {
			p.add(maxField, fmt.Sprintf("must be between 1 and %d", MaxRateLimitMax))
			ok = false
		}
		if !p.has(windowField) && (l.Window < MinRateLimitWindow || l.Window > MaxRateLimitWindow) {
			p.add(windowField, fmt.Sprintf("must be between %s and %s", MinRateLimitWindow, MaxRateLimitWindow))
			ok = false
		}
		valid[tier] = ok
	}

	if !valid[TierStandard] {
		return
	}
	standard := c.RateLimits[TierStandard].PerSecond()
	for _, tier := range []Tier{TierAuth, TierPayment} {
		if valid[tier] && c.RateLimits[tier].PerSecond() > standard {
			p.add(fields[tier][0], "sensitive tier must be at least as strict as the standard tier")
		}
	}
}

// validateCORSOrigins checks each origin is scheme://host[:port] with no
// path, and that plain http is only used for loopback or private hosts.
func validateCORSOrigins(c *Config, p *problems) {
	if len(c.CORSAllowedOrigins) == 0 {
		p.add(EnvCORSAllowedOrigins, "is required")
		return
	}
	for i, origin := range c.CORSAllowedOrigins {
		field := fmt.Sprintf("%s[%d]", EnvCORSAllowedOrigins, i)
		if origin == "*" {
			if !c.DevelopmentMode {
				p.add(field, "wildcard origin is only allowed in development mode")
			}
			continue
		}
		if strings.HasSuffix(origin, "/") {
			p.add(field, "must not have a trailing slash")
			continue
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			p.add(field, "must have the form scheme://host[:port]")
			continue
		}
		if u.Path != "" || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
			p.add(field, "must not contain a path, query, fragment or credentials")
			continue
		}
		switch u.Scheme {
		case "https":
		case "http":
			if !c.DevelopmentMode && !helpers.IsLocalHostname(u.Hostname()) {
				p.add(field, "http origins are only allowed for loopback or private hosts")
			}
		default:
			p.add(field, "scheme must be http or https")
		}
	}
}

func validateDashboard(c *Config, p *problems) {
	d := c.Dashboard
	if d.URL != "" {
		u, err := url.Parse(d.URL)
		switch {
		case err != nil || !u.IsAbs() || u.Host == "":
			p.add(EnvDashboardURL, "must be an absolute URL")
		case u.Scheme != "https" && u.Scheme != "http":
			p.add(EnvDashboardURL, "scheme must be http or https")
		case !c.DevelopmentMode && helpers.IsLocalHostname(u.Hostname()):
			p.add(EnvDashboardURL, "must not point at a loopback or private host")
		case !c.DevelopmentMode && u.Scheme != "https":
			p.add(EnvDashboardURL, "must use https")
		}
	}

	set := 0
	for _, s := range []string{d.TokenURL, d.ClientID, d.ClientSecret} {
		if s != "" {
			set++
		}
	}
	if set != 0 && set != 3 {
		p.add(EnvDashboardTokenURL, "DASHBOARD_TOKEN_URL, DASHBOARD_CLIENT_ID and DASHBOARD_CLIENT_SECRET must be set together")
	}
	if set != 0 && d.URL == "" {
		p.add(EnvDashboardURL, "is required when dashboard credentials are set")
	}
}
