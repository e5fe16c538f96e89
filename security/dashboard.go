package security

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/fanzplatform/fanz-secure/instrumentation"
	"github.com/fanzplatform/fanz-secure/internal/helpers"
)

// Dashboard sink defaults
const (
	DefaultDashboardRate    = 10.0
	DefaultDashboardBurst   = 20
	DefaultDashboardTimeout = 5 * time.Second
)

// Delivery results reported in metrics
const (
	deliveryOK        = "ok"
	deliveryThrottled = "throttled"
	deliveryFailed    = "failed"
)

// DashboardSinkConfig configures a DashboardSink.
type DashboardSinkConfig struct {
	// URL receives one JSON POST per event
	URL string

	// TokenURL, ClientID and ClientSecret enable OAuth2 client credentials
	// authentication when all are set
	TokenURL     string
	ClientID     string
	ClientSecret string

	// RatePerSecond and Burst throttle outbound deliveries
	RatePerSecond float64
	Burst         int

	// Timeout bounds each delivery including token acquisition
	Timeout time.Duration

	// HTTPClient is the base client. Default: a client with Timeout.
	HTTPClient *http.Client

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// DashboardSink forwards security events to the monitoring dashboard.
// Register it with Bus.SubscribeAsync; deliveries are best effort and
// events over the throttle are discarded.
type DashboardSink struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	timeout time.Duration
	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// dashboardPayload is the wire form of an event. The subject id is
// replaced by its hash.
type dashboardPayload struct {
	Type        string         `json:"type"`
	Severity    Severity       `json:"severity"`
	Message     string         `json:"message"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	RequestID   string         `json:"requestId,omitempty"`
	ClientIP    string         `json:"clientIp,omitempty"`
	SubjectHash string         `json:"subjectHash,omitempty"`
}

// NewDashboardSink creates a sink posting to cfg.URL.
func NewDashboardSink(cfg DashboardSinkConfig) (*DashboardSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("dashboard sink requires a URL")
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultDashboardRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultDashboardBurst
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultDashboardTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		// The token source fetches tokens with the base client
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, client)
		client = cc.Client(tokenCtx)
		client.Timeout = cfg.Timeout
	}

	s := &DashboardSink{
		url:     cfg.URL,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
	if cfg.Instrumentation != nil {
		s.metrics = cfg.Instrumentation.Metrics()
	}
	return s, nil
}

// HandleEvent posts event to the dashboard. Throttled events are dropped
// without an error.
func (s *DashboardSink) HandleEvent(ctx context.Context, event Event) error {
	if !s.limiter.Allow() {
		s.metrics.RecordDashboardDelivery(ctx, deliveryThrottled)
		s.logger.Debug("Dashboard delivery throttled", "event_type", event.Type)
		return nil
	}

	body, err := json.Marshal(dashboardPayload{
		Type:        event.Type,
		Severity:    event.Severity,
		Message:     event.Message,
		Metadata:    event.Metadata,
		Timestamp:   event.Timestamp,
		RequestID:   event.RequestID,
		ClientIP:    event.ClientIP,
		SubjectHash: helpers.HashForLogging(event.SubjectID),
	})
	if err != nil {
		s.metrics.RecordDashboardDelivery(ctx, deliveryFailed)
		return fmt.Errorf("failed to encode dashboard event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		s.metrics.RecordDashboardDelivery(ctx, deliveryFailed)
		return fmt.Errorf("failed to build dashboard request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "fanz-secure")

	resp, err := s.client.Do(req)
	if err != nil {
		s.metrics.RecordDashboardDelivery(ctx, deliveryFailed)
		return fmt.Errorf("dashboard delivery failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.metrics.RecordDashboardDelivery(ctx, deliveryFailed)
		return fmt.Errorf("dashboard responded with status %d", resp.StatusCode)
	}
	s.metrics.RecordDashboardDelivery(ctx, deliveryOK)
	return nil
}
