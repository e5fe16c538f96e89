// Package testutil provides testing utilities for the fanz-secure packages.
package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"maps"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"

	secure "github.com/fanzplatform/fanz-secure"
)

// Test secrets. Long enough to pass config validation.
const (
	JWTSecret     = "test-jwt-secret-0123456789abcdef0123456789"
	SessionSecret = "test-session-secret-0123456789abcdef01234"
	EncryptionKey = "test-encryption-key-0123456789abcdef0123"
	WebhookSecret = "test-webhook-secret-0123"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// ValidEnv returns a complete, valid set of configuration values keyed by
// environment variable name.
func ValidEnv() map[string]string {
	return map[string]string{
		secure.EnvJWTSecret:          JWTSecret,
		secure.EnvSessionSecret:      SessionSecret,
		secure.EnvEncryptionKey:      EncryptionKey,
		secure.EnvWebhookSecret:      WebhookSecret,
		secure.EnvRateLimitWindow:    "60s",
		secure.EnvRateLimitMax:       "100",
		secure.EnvCORSAllowedOrigins: "https://app.fanz.example",
	}
}

// Viper returns a viper instance holding env merged over ValidEnv. An empty
// value in env removes the key.
func Viper(env map[string]string) *viper.Viper {
	values := ValidEnv()
	maps.Copy(values, env)

	v := viper.New()
	for k, val := range values {
		if val == "" {
			continue
		}
		v.Set(strings.ToLower(k), val)
	}
	return v
}

// Config loads a valid configuration with the given overrides and fails
// the test if it does not validate.
func Config(t testing.TB, overrides map[string]string) *secure.Config {
	t.Helper()
	cfg, err := secure.LoadConfigFrom(Viper(overrides))
	if err != nil {
		t.Fatalf("failed to load test config: %v", err)
	}
	return cfg
}

// MintToken signs claims with HS256 using secret.
func MintToken(t testing.TB, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

// Claims returns standard claims for subject expiring after ttl (negative
// for an already expired token), with optional roles.
func Claims(subject string, ttl time.Duration, roles ...string) jwt.MapClaims {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if len(roles) > 0 {
		claims["roles"] = roles
	}
	return claims
}

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
