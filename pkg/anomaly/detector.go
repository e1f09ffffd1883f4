// Package anomaly detects abuse patterns from the audit trail itself:
// trailing-window counts per actor and event kind are recomputed from
// ledger queries on every evaluation, so detection stays correct across
// restarts without a separately maintained counter.
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aegis-labs/aegis/core/pkg/contracts"
	"github.com/aegis-labs/aegis/core/pkg/ledger"
	"github.com/aegis-labs/aegis/core/pkg/trust"
)

// Kind identifies a tracked violation class. The value doubles as the
// ledger event type.
type Kind string

const (
	KindAuthFailure            Kind = "auth.failure"
	KindCrossTenantAttempt     Kind = "tenant.cross_attempt"
	KindRoleEscalationAttempt  Kind = "role.escalation_attempt"
	KindUnauthorizedCapability Kind = "capability.unauthorized"
)

var kindSeverity = map[Kind]contracts.Severity{
	KindAuthFailure:            contracts.SeverityLow,
	KindCrossTenantAttempt:     contracts.SeverityHigh,
	KindRoleEscalationAttempt:  contracts.SeverityHigh,
	KindUnauthorizedCapability: contracts.SeverityMedium,
}

// highSeverityKinds feed the company-wide systemic counter.
var highSeverityKinds = []string{
	string(KindCrossTenantAttempt),
	string(KindRoleEscalationAttempt),
}

// Config carries the window and thresholds.
type Config struct {
	Window               time.Duration `yaml:"window"`
	AuthFailureThreshold int           `yaml:"auth_failure_threshold"`
	CrossTenantThreshold int           `yaml:"cross_tenant_threshold"`
	SystemicThreshold    int           `yaml:"systemic_threshold"`
	LockoutDuration      time.Duration `yaml:"lockout_duration"`
}

// DefaultConfig returns the documented default thresholds.
func DefaultConfig() Config {
	return Config{
		Window:               time.Hour,
		AuthFailureThreshold: 5,
		CrossTenantThreshold: 3,
		SystemicThreshold:    10,
		LockoutDuration:      30 * time.Minute,
	}
}

// Finding is what one RecordViolation evaluation concluded.
type Finding struct {
	Kind        Kind               `json:"kind"`
	Severity    contracts.Severity `json:"-"`
	WindowCount int                `json:"window_count"`
	LockedOut   bool               `json:"locked_out"`
	Systemic    bool               `json:"systemic"`
}

// Detector evaluates rolling windows against the ledger and applies the
// configured effects: lockout, trust penalty, alert.
type Detector struct {
	ledger   *ledger.Ledger
	lockouts LockoutStore
	trust    *trust.Service
	alerter  *Alerter
	cfg      Config
	clock    func() time.Time
	log      *slog.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(d *Detector) { d.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(d *Detector) { d.log = log }
}

// NewDetector creates the detector. trust and alerter may be nil when the
// corresponding effect is unwanted.
func NewDetector(led *ledger.Ledger, lockouts LockoutStore, trustSvc *trust.Service, alerter *Alerter, cfg Config, opts ...Option) *Detector {
	d := &Detector{
		ledger:   led,
		lockouts: lockouts,
		trust:    trustSvc,
		alerter:  alerter,
		cfg:      cfg,
		clock:    time.Now,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func chainFor(a contracts.Actor) string {
	if a.TenantID == "" {
		return "global"
	}
	return "tenant_" + a.TenantID
}

// RecordViolation appends the violation to the ledger, recomputes the
// actor's trailing window for that kind, and applies any triggered
// effects. The returned Finding reports what fired.
func (d *Detector) RecordViolation(ctx context.Context, actor contracts.Actor, kind Kind, detail string) (*Finding, error) {
	severity, ok := kindSeverity[kind]
	if !ok {
		return nil, fmt.Errorf("anomaly: unknown kind %q", kind)
	}

	if _, err := d.ledger.Append(ctx, chainFor(actor), string(kind), actor, map[string]any{
		"kind":     string(kind),
		"severity": severity.String(),
		"detail":   detail,
	}); err != nil {
		return nil, fmt.Errorf("anomaly: record violation: %w", err)
	}

	now := d.clock().UTC()
	since := now.Add(-d.cfg.Window)
	count, err := d.ledger.CountEvents(ctx, ledger.EventFilter{
		ActorID:    actor.ID,
		EventTypes: []string{string(kind)},
		Since:      since,
	})
	if err != nil {
		return nil, fmt.Errorf("anomaly: count window: %w", err)
	}

	finding := &Finding{Kind: kind, Severity: severity, WindowCount: count}

	switch kind {
	case KindAuthFailure:
		if count >= d.cfg.AuthFailureThreshold {
			until := now.Add(d.cfg.LockoutDuration)
			if err := d.lockouts.Lock(ctx, actor.ID, until); err != nil {
				return nil, fmt.Errorf("anomaly: apply lockout: %w", err)
			}
			finding.LockedOut = true
			severity = contracts.SeverityHigh
			d.log.Warn("actor locked out",
				"actor_id", actor.ID, "kind", string(kind), "count", count, "until", until)
			d.alert(ctx, Alert{
				Condition: fmt.Sprintf("lockout:%s", actor.ID),
				Severity:  contracts.SeverityHigh,
				ActorID:   actor.ID,
				TenantID:  actor.TenantID,
				Detail:    fmt.Sprintf("%d auth failures in %s, locked out until %s", count, d.cfg.Window, until.Format(time.RFC3339)),
			})
		}
	case KindCrossTenantAttempt:
		if count >= d.cfg.CrossTenantThreshold {
			severity = contracts.SeverityCritical
			d.alert(ctx, Alert{
				Condition: fmt.Sprintf("cross_tenant:%s", actor.ID),
				Severity:  contracts.SeverityCritical,
				ActorID:   actor.ID,
				TenantID:  actor.TenantID,
				Detail:    fmt.Sprintf("%d cross-tenant attempts in %s", count, d.cfg.Window),
			})
		}
	}
	finding.Severity = severity

	if d.trust != nil {
		if _, err := d.trust.UpdateTrustScore(ctx, actor, string(kind), severity, detail); err != nil {
			return nil, fmt.Errorf("anomaly: trust penalty: %w", err)
		}
	}

	systemic, err := d.checkSystemic(ctx, since)
	if err != nil {
		return nil, err
	}
	finding.Systemic = systemic
	return finding, nil
}

// checkSystemic counts high-severity violations company-wide over the
// window and raises one alert when the threshold is crossed.
func (d *Detector) checkSystemic(ctx context.Context, since time.Time) (bool, error) {
	count, err := d.ledger.CountEvents(ctx, ledger.EventFilter{
		EventTypes: highSeverityKinds,
		Since:      since,
	})
	if err != nil {
		return false, fmt.Errorf("anomaly: count systemic window: %w", err)
	}
	if count < d.cfg.SystemicThreshold {
		return false, nil
	}

	d.log.Warn("systemic anomaly threshold crossed", "count", count, "window", d.cfg.Window)
	d.alert(ctx, Alert{
		Condition: fmt.Sprintf("systemic:%s", since.Truncate(d.cfg.Window).Format(time.RFC3339)),
		Severity:  contracts.SeverityCritical,
		Detail:    fmt.Sprintf("%d high-severity violations company-wide in %s", count, d.cfg.Window),
	})
	return true, nil
}

// WindowCount returns the actor's trailing count for a kind without
// recording anything.
func (d *Detector) WindowCount(ctx context.Context, actorID string, kind Kind) (int, error) {
	return d.ledger.CountEvents(ctx, ledger.EventFilter{
		ActorID:    actorID,
		EventTypes: []string{string(kind)},
		Since:      d.clock().UTC().Add(-d.cfg.Window),
	})
}

// IsLockedOut reports whether the actor is currently locked out and, if
// so, until when.
func (d *Detector) IsLockedOut(ctx context.Context, actorID string) (bool, time.Time, error) {
	until, ok, err := d.lockouts.Get(ctx, actorID)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("anomaly: lockout lookup: %w", err)
	}
	if !ok || !until.After(d.clock().UTC()) {
		return false, time.Time{}, nil
	}
	return true, until, nil
}

// ClearLockout lifts an actor's lockout early.
func (d *Detector) ClearLockout(ctx context.Context, actorID string) error {
	return d.lockouts.Clear(ctx, actorID)
}

func (d *Detector) alert(ctx context.Context, a Alert) {
	if d.alerter == nil {
		return
	}
	a.At = d.clock().UTC()
	if err := d.alerter.Send(ctx, a); err != nil {
		d.log.Warn("alert delivery failed", "condition", a.Condition, "error", err)
	}
}
