// Package webhook verifies signed inbound webhooks.
//
// Checks run in a fixed order and the first failure wins:
//
//  1. the signature header is present (MISSING_SIG)
//  2. HMAC-SHA256 of the raw body under the sender's secret matches (BAD_SIG)
//  3. the timestamp header lies within the tolerance, past or future (STALE)
//  4. the idempotency key has not been seen within the retention (REPLAY)
//
// Idempotency keys are scoped per sender and stored as wh:<sender>:<digest>.
// A delivery without a key is identified by its signature.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	secure "github.com/fanzplatform/fanz-secure"
	"github.com/fanzplatform/fanz-secure/instrumentation"
	"github.com/fanzplatform/fanz-secure/security"
	"github.com/fanzplatform/fanz-secure/storage"
)

// Request headers
const (
	SignatureHeader      = "X-Fanz-Signature"
	TimestampHeader      = "X-Fanz-Timestamp"
	IdempotencyKeyHeader = "Idempotency-Key"

	// LegacyIdempotencyKeyHeader is accepted when IdempotencyKeyHeader is absent
	LegacyIdempotencyKeyHeader = "X-Idempotency-Key"

	signaturePrefix = "sha256="
)

const (
	// MaxIdempotencyKeyLength bounds accepted idempotency keys.
	MaxIdempotencyKeyLength = 255

	DefaultMaxBodyBytes int64 = 1 << 20
)

// Reservation states
const (
	statePending   = "pending"
	stateCompleted = "completed"
)

var errUnknownSender = errors.New("no secret configured for sender")

// Config configures a Verifier.
type Config struct {
	// Secrets maps sender names to shared secrets
	Secrets map[string]string

	// Store holds idempotency reservations
	Store storage.Store

	// Tolerance is the accepted clock difference of the timestamp header.
	// Default secure.DefaultWebhookTolerance.
	Tolerance time.Duration

	// Retention is how long processed keys are remembered.
	// Default secure.DefaultWebhookRetention.
	Retention time.Duration

	// MaxBodyBytes caps the body read by the middleware. Default 1 MiB.
	MaxBodyBytes int64

	// Failures escalates repeated bad signatures from one client
	Failures *security.FailureTracker

	Bus             *security.Bus
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation

	// ErrorWriter renders failures in the middleware. Nil uses secure.WriteError.
	ErrorWriter secure.ErrorWriter

	Now func() time.Time
}

// ConfigFrom fills the secret and window settings of a Config from cfg.
func ConfigFrom(cfg *secure.Config, store storage.Store) Config {
	secrets := make(map[string]string, len(cfg.WebhookSenderSecrets)+1)
	for sender, secret := range cfg.WebhookSenderSecrets {
		secrets[sender] = secret
	}
	secrets[secure.DefaultWebhookSender] = cfg.WebhookSecret
	return Config{
		Secrets:   secrets,
		Store:     store,
		Tolerance: cfg.WebhookTolerance,
		Retention: cfg.WebhookRetention,
	}
}

// Verifier checks webhook deliveries.
type Verifier struct {
	secrets     map[string][]byte
	store       storage.Store
	tolerance   time.Duration
	retention   time.Duration
	maxBody     int64
	failures    *security.FailureTracker
	bus         *security.Bus
	logger      *slog.Logger
	metrics     *instrumentation.Metrics
	errorWriter secure.ErrorWriter
	now         func() time.Time
}

// NewVerifier creates a Verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.Store == nil {
		return nil, errors.New("webhook verifier requires a store")
	}
	if len(cfg.Secrets) == 0 {
		return nil, errors.New("webhook verifier requires at least one sender secret")
	}
	secrets := make(map[string][]byte, len(cfg.Secrets))
	for sender, secret := range cfg.Secrets {
		if secret == "" {
			return nil, fmt.Errorf("empty secret for webhook sender %q", sender)
		}
		secrets[sender] = []byte(secret)
	}

	if cfg.Tolerance <= 0 {
		cfg.Tolerance = secure.DefaultWebhookTolerance
	}
	if cfg.Retention <= 0 {
		cfg.Retention = secure.DefaultWebhookRetention
	}
	if cfg.Retention < cfg.Tolerance {
		return nil, errors.New("webhook retention must be at least the tolerance")
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
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	v := &Verifier{
		secrets:     secrets,
		store:       cfg.Store,
		tolerance:   cfg.Tolerance,
		retention:   cfg.Retention,
		maxBody:     cfg.MaxBodyBytes,
		failures:    cfg.Failures,
		bus:         cfg.Bus,
		logger:      cfg.Logger,
		errorWriter: cfg.ErrorWriter,
		now:         cfg.Now,
	}
	if cfg.Instrumentation != nil {
		v.metrics = cfg.Instrumentation.Metrics()
	}
	return v, nil
}

// Receipt identifies an accepted delivery whose idempotency key is reserved.
type Receipt struct {
	Sender         string
	IdempotencyKey string
	Timestamp      time.Time

	// FromSignature is set when the delivery carried no idempotency key
	FromSignature bool

	storeKey string
}

// Sign returns the signature header value for body under secret.
func Sign(secret, body []byte) string {
	return signaturePrefix + hex.EncodeToString(mac(secret, body))
}

func mac(secret, body []byte) []byte {
	m := hmac.New(sha256.New, secret)
	m.Write(body)
	return m.Sum(nil)
}

// Verify runs every check against one delivery and reserves its
// idempotency key. Callers must Complete or Release the receipt.
func (v *Verifier) Verify(ctx context.Context, sender string, rawBody []byte, headers http.Header) (Receipt, error) {
	if sender == "" {
		sender = secure.DefaultWebhookSender
	}

	sigHeader := strings.TrimSpace(headers.Get(SignatureHeader))
	if sigHeader == "" {
		return Receipt{}, secure.NewWebhookError(secure.WebhookMissingSig, "missing webhook signature")
	}

	secret, ok := v.secrets[sender]
	if !ok {
		return Receipt{}, secure.NewWebhookError(secure.WebhookBadSig, "invalid webhook signature").WithCause(errUnknownSender)
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(sigHeader, signaturePrefix))
	if err != nil || !hmac.Equal(provided, mac(secret, rawBody)) {
		return Receipt{}, secure.NewWebhookError(secure.WebhookBadSig, "invalid webhook signature")
	}

	ts, err := parseTimestamp(headers.Get(TimestampHeader))
	if err != nil {
		return Receipt{}, secure.NewWebhookError(secure.WebhookStale, "missing or invalid webhook timestamp").WithCause(err)
	}
	if !security.WithinTolerance(ts, v.now(), v.tolerance) {
		return Receipt{}, secure.NewWebhookError(secure.WebhookStale, "webhook timestamp outside the accepted window")
	}

	receipt := Receipt{Sender: sender, Timestamp: ts}
	key := idempotencyKey(headers)
	if len(key) > MaxIdempotencyKeyLength {
		return Receipt{}, secure.NewBadRequestError("idempotency key is too long")
	}
	if key == "" {
		key = hex.EncodeToString(provided)
		receipt.FromSignature = true
	}
	receipt.IdempotencyKey = key
	receipt.storeKey = reservationKey(sender, key)

	reserved, err := v.store.SetIfAbsent(ctx, receipt.storeKey, statePending, v.tolerance)
	if err != nil {
		return Receipt{}, secure.NewInternalError(fmt.Errorf("failed to reserve idempotency key: %w", err))
	}
	if !reserved {
		return Receipt{}, secure.NewWebhookError(secure.WebhookReplay, "webhook already processed")
	}
	return receipt, nil
}

// Complete marks a reserved delivery as processed for the retention window.
func (v *Verifier) Complete(ctx context.Context, r Receipt) error {
	if r.storeKey == "" {
		return nil
	}
	if err := v.store.Set(ctx, r.storeKey, stateCompleted, v.retention); err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	return nil
}

// Release frees the reservation so the sender can retry the delivery.
func (v *Verifier) Release(ctx context.Context, r Receipt) error {
	if r.storeKey == "" {
		return nil
	}
	if err := v.store.Delete(ctx, r.storeKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

func idempotencyKey(h http.Header) string {
	if key := strings.TrimSpace(h.Get(IdempotencyKeyHeader)); key != "" {
		return key
	}
	return strings.TrimSpace(h.Get(LegacyIdempotencyKeyHeader))
}

// reservationKey hashes the sender-chosen key so it cannot inject
// separators into the store key.
func reservationKey(sender, key string) string {
	sum := sha256.Sum256([]byte(key))
	return storage.Key("wh", sender, hex.EncodeToString(sum[:]))
}

// parseTimestamp accepts unix seconds.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("timestamp header is missing")
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp is not unix seconds: %w", err)
	}
	return time.Unix(secs, 0), nil
}
