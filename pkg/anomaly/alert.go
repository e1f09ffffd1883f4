package anomaly

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aegis-labs/aegis/core/pkg/contracts"
)

// Alert is one outbound webhook notification. Condition keys the
// at-most-once guarantee: the same detected condition never fires twice.
type Alert struct {
	Condition string             `json:"condition"`
	Severity  contracts.Severity `json:"-"`
	ActorID   string             `json:"actor_id,omitempty"`
	TenantID  string             `json:"tenant_id,omitempty"`
	Detail    string             `json:"detail"`
	At        time.Time          `json:"at"`
}

// MarshalJSON includes the severity as its string name.
func (a Alert) MarshalJSON() ([]byte, error) {
	type alias Alert
	return json.Marshal(struct {
		alias
		Severity string `json:"severity"`
	}{alias(a), a.Severity.String()})
}

// Alerter posts severity-filtered alerts to a webhook, throttled and
// deduplicated per condition.
type Alerter struct {
	url         string
	client      *http.Client
	limiter     *rate.Limiter
	minSeverity contracts.Severity
	log         *slog.Logger

	mu   sync.Mutex
	sent map[string]struct{}
}

// AlerterOption configures an Alerter.
type AlerterOption func(*Alerter)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) AlerterOption {
	return func(a *Alerter) { a.client = c }
}

// WithMinSeverity drops alerts below the given severity.
func WithMinSeverity(s contracts.Severity) AlerterOption {
	return func(a *Alerter) { a.minSeverity = s }
}

// WithRateLimit overrides the default send throttle.
func WithRateLimit(l *rate.Limiter) AlerterOption {
	return func(a *Alerter) { a.limiter = l }
}

// WithAlertLogger sets the structured logger.
func WithAlertLogger(log *slog.Logger) AlerterOption {
	return func(a *Alerter) { a.log = log }
}

// NewAlerter creates a webhook alerter. The default throttle allows one
// alert per second with a burst of five.
func NewAlerter(url string, opts ...AlerterOption) *Alerter {
	a := &Alerter{
		url:         url,
		client:      &http.Client{Timeout: 10 * time.Second},
		limiter:     rate.NewLimiter(rate.Every(time.Second), 5),
		minSeverity: contracts.SeverityHigh,
		log:         slog.Default(),
		sent:        make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Send posts the alert unless it is below the severity floor, already
// fired for this condition, or throttled.
func (a *Alerter) Send(ctx context.Context, alert Alert) error {
	if alert.Severity < a.minSeverity {
		return nil
	}

	a.mu.Lock()
	if _, dup := a.sent[alert.Condition]; dup {
		a.mu.Unlock()
		return nil
	}
	a.sent[alert.Condition] = struct{}{}
	a.mu.Unlock()

	if !a.limiter.Allow() {
		a.log.Warn("alert throttled", "condition", alert.Condition)
		return nil
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("anomaly: encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("anomaly: build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("anomaly: post alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("anomaly: webhook returned %s", resp.Status)
	}

	a.log.Info("alert sent", "condition", alert.Condition, "severity", alert.Severity.String())
	return nil
}
