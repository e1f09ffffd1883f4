// Package governor is the single entry point for callers: it combines the
// trust score, risk assessment and policy verdict into one decision,
// creates approval requests for escalations, and appends every evaluation
// to the audit ledger.
package governor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aegis-labs/aegis/core/pkg/anomaly"
	"github.com/aegis-labs/aegis/core/pkg/approval"
	"github.com/aegis-labs/aegis/core/pkg/contracts"
	"github.com/aegis-labs/aegis/core/pkg/ledger"
	"github.com/aegis-labs/aegis/core/pkg/observability"
	"github.com/aegis-labs/aegis/core/pkg/policy"
	"github.com/aegis-labs/aegis/core/pkg/trust"
)

// Config carries the governor's own constants; component configs live with
// their components.
type Config struct {
	// ViolationLookback bounds the recent_violations count fed to policy.
	ViolationLookback time.Duration `yaml:"violation_lookback"`
	// DegradationWindow and DegradationThreshold trip conservative mode:
	// that many high-severity violations company-wide inside the window.
	DegradationWindow    time.Duration `yaml:"degradation_window"`
	DegradationThreshold int           `yaml:"degradation_threshold"`
	// EscalationRoles are the ordered step roles of a multi-step
	// escalation approval.
	EscalationRoles []string `yaml:"escalation_roles"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ViolationLookback:    24 * time.Hour,
		DegradationWindow:    15 * time.Minute,
		DegradationThreshold: 20,
		EscalationRoles:      []string{"manager", "director"},
	}
}

// Decision is the governor's answer for one request.
type Decision struct {
	Decision     contracts.Decision  `json:"decision"`
	Reason       string              `json:"reason"`
	Action       policy.Action       `json:"action,omitempty"`
	MatchedRules []string            `json:"matched_rules,omitempty"`
	RiskScore    float64             `json:"risk_score"`
	RiskLevel    contracts.RiskLevel `json:"risk_level"`
	TrustScore   float64             `json:"trust_score"`
	ApprovalID   string              `json:"approval_id,omitempty"`
	EvaluatedAt  time.Time           `json:"evaluated_at"`
}

// Restriction describes an active manual or automatic block on an actor.
type Restriction struct {
	ActorID string    `json:"actor_id"`
	Kind    string    `json:"kind"`
	Until   time.Time `json:"until"`
}

// SystemStatus is the governor's health summary.
type SystemStatus struct {
	Degraded           bool      `json:"degraded"`
	ViolationsInWindow int       `json:"violations_in_window"`
	At                 time.Time `json:"at"`
}

// Governor orchestrates the governance components.
type Governor struct {
	engine    *policy.Engine
	trust     *trust.Service
	trustCfg  trust.Config
	approvals *approval.Manager
	detector  *anomaly.Detector
	ledger    *ledger.Ledger
	obs       *observability.Provider
	cfg       Config
	clock     func() time.Time
	log       *slog.Logger
	degraded  atomic.Bool
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(g *Governor) { g.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(g *Governor) { g.log = log }
}

// WithObservability attaches the OTel provider.
func WithObservability(obs *observability.Provider) Option {
	return func(g *Governor) { g.obs = obs }
}

// New creates the governor over its collaborators.
func New(engine *policy.Engine, trustSvc *trust.Service, trustCfg trust.Config, approvals *approval.Manager, detector *anomaly.Detector, led *ledger.Ledger, cfg Config, opts ...Option) *Governor {
	g := &Governor{
		engine:    engine,
		trust:     trustSvc,
		trustCfg:  trustCfg,
		approvals: approvals,
		detector:  detector,
		ledger:    led,
		cfg:       cfg,
		clock:     time.Now,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

var violationEventTypes = []string{
	string(anomaly.KindAuthFailure),
	string(anomaly.KindCrossTenantAttempt),
	string(anomaly.KindRoleEscalationAttempt),
	string(anomaly.KindUnauthorizedCapability),
}

func chainFor(a contracts.Actor) string {
	if a.TenantID == "" {
		return "global"
	}
	return "tenant_" + a.TenantID
}

// Evaluate decides one capability request. Internal faults degrade to a
// blocked decision; the error return covers only infrastructure failures
// the caller should retry.
func (g *Governor) Evaluate(ctx context.Context, actor contracts.Actor, capability string, payload map[string]any) (*Decision, error) {
	start := g.clock()
	var span trace.Span
	if g.obs != nil {
		ctx, span = g.obs.StartSpan(ctx, "governor.evaluate",
			trace.WithAttributes(
				attribute.String("actor.id", actor.ID),
				attribute.String("capability", capability),
			))
		defer span.End()
	}

	decision, err := g.evaluate(ctx, actor, capability, payload)
	if err != nil {
		return nil, err
	}

	if g.obs != nil {
		g.obs.RecordDecision(ctx, string(decision.Decision),
			attribute.String("capability", capability),
			attribute.String("risk_level", decision.RiskLevel.String()))
		g.obs.RecordDuration(ctx, g.clock().Sub(start))
		span.SetAttributes(attribute.String("decision", string(decision.Decision)))
	}
	return decision, nil
}

func (g *Governor) evaluate(ctx context.Context, actor contracts.Actor, capability string, payload map[string]any) (*Decision, error) {
	now := g.clock().UTC()

	if g.detector != nil {
		locked, until, err := g.detector.IsLockedOut(ctx, actor.ID)
		if err != nil {
			return nil, fmt.Errorf("governor: lockout check: %w", err)
		}
		if locked {
			d := &Decision{
				Decision:    contracts.DecisionBlocked,
				Reason:      fmt.Sprintf("actor locked out until %s", until.Format(time.RFC3339)),
				EvaluatedAt: now,
			}
			return d, g.record(ctx, actor, capability, payload, d, nil)
		}
	}

	trustScore, err := g.trust.GetTrustScore(ctx, actor.ID)
	if err != nil {
		return nil, fmt.Errorf("governor: trust lookup: %w", err)
	}
	assessment := g.trustCfg.CalculateRiskScore(trust.RiskInput{
		Actor:      actor,
		Capability: capability,
		TrustScore: trustScore,
		At:         now,
	})

	if g.degraded.Load() && assessment.Level > contracts.RiskLevelLow {
		d := &Decision{
			Decision:    contracts.DecisionBlocked,
			Reason:      "system degraded, only low-risk requests served",
			RiskScore:   assessment.Score,
			RiskLevel:   assessment.Level,
			TrustScore:  trustScore,
			EvaluatedAt: now,
		}
		return d, g.record(ctx, actor, capability, payload, d, nil)
	}

	recentViolations, err := g.ledger.CountEvents(ctx, ledger.EventFilter{
		ActorID:    actor.ID,
		EventTypes: violationEventTypes,
		Since:      now.Add(-g.cfg.ViolationLookback),
	})
	if err != nil {
		return nil, fmt.Errorf("governor: count violations: %w", err)
	}

	input := map[string]any{}
	for k, v := range payload {
		input[k] = v
	}
	input["capability"] = capability
	input["actor_id"] = actor.ID
	input["tenant_id"] = actor.TenantID
	input["user_role"] = actor.Role
	input["trust_score"] = trustScore
	input["risk_score"] = assessment.Score
	input["risk_level"] = assessment.Level.String()
	input["recent_violations"] = recentViolations
	input["is_off_peak"] = assessment.OffPeak
	input["is_weekend"] = assessment.Weekend
	if _, ok := input["cross_tenant"]; !ok {
		crossTenant := false
		if target, ok := payload["target_tenant_id"].(string); ok && target != "" && actor.TenantID != "" && target != actor.TenantID {
			crossTenant = true
		}
		input["cross_tenant"] = crossTenant
	}

	verdict, err := g.engine.Evaluate(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		// Fail closed rather than surface an engine fault as an outage.
		g.log.Error("policy evaluation failed, denying", "actor_id", actor.ID, "error", err)
		verdict = &policy.Verdict{Action: policy.ActionDeny, DefaultDeny: true}
	}

	d := &Decision{
		Action:       verdict.Action,
		MatchedRules: verdict.MatchedRules,
		RiskScore:    assessment.Score,
		RiskLevel:    assessment.Level,
		TrustScore:   trustScore,
		EvaluatedAt:  now,
	}

	switch verdict.Action {
	case policy.ActionAllow:
		d.Decision = contracts.DecisionAllowed
		d.Reason = reasonFor(verdict, "allowed by policy")
	case policy.ActionChallenge:
		d.Decision = contracts.DecisionPendingApproval
		d.Reason = reasonFor(verdict, "confirmation required")
		req, err := g.approvals.CreateApproval(ctx, approval.CreateInput{
			Requestor:   actor,
			RequestType: "challenge.confirmation",
			Payload:     input,
			RiskScore:   assessment.Score,
		})
		if err != nil {
			return nil, fmt.Errorf("governor: create challenge: %w", err)
		}
		d.ApprovalID = req.ID
	case policy.ActionEscalate:
		d.Decision = contracts.DecisionPendingApproval
		d.Reason = reasonFor(verdict, "escalated for approval")
		steps := make([]approval.StepSpec, 0, len(g.cfg.EscalationRoles))
		for _, role := range g.cfg.EscalationRoles {
			steps = append(steps, approval.StepSpec{RequiredRole: role})
		}
		req, err := g.approvals.CreateApproval(ctx, approval.CreateInput{
			Requestor:   actor,
			RequestType: "capability.escalation",
			Payload:     input,
			RiskScore:   assessment.Score,
			Steps:       steps,
		})
		if err != nil {
			return nil, fmt.Errorf("governor: create escalation: %w", err)
		}
		d.ApprovalID = req.ID
	default:
		d.Decision = contracts.DecisionBlocked
		if verdict.DefaultDeny {
			d.Reason = "no policy rule matched"
		} else {
			d.Reason = reasonFor(verdict, "denied by policy")
		}
	}

	g.log.Info("request evaluated",
		"actor_id", actor.ID, "capability", capability,
		"decision", string(d.Decision), "risk_level", d.RiskLevel.String(),
		"trust_score", trustScore, "matched_rules", d.MatchedRules)

	return d, g.record(ctx, actor, capability, payload, d, verdict)
}

func reasonFor(v *policy.Verdict, fallback string) string {
	if len(v.MatchedRules) > 0 {
		return fmt.Sprintf("%s (rule %s)", fallback, v.MatchedRules[0])
	}
	return fallback
}

// record appends the decision to the actor's chain; every evaluation
// reaches the ledger regardless of outcome.
func (g *Governor) record(ctx context.Context, actor contracts.Actor, capability string, payload map[string]any, d *Decision, verdict *policy.Verdict) error {
	event := map[string]any{
		"capability":  capability,
		"decision":    string(d.Decision),
		"reason":      d.Reason,
		"risk_score":  d.RiskScore,
		"risk_level":  d.RiskLevel.String(),
		"trust_score": d.TrustScore,
		"payload":     payload,
	}
	if verdict != nil {
		event["matched_rules"] = verdict.MatchedRules
		event["rules_version"] = verdict.RulesVersion
		event["default_deny"] = verdict.DefaultDeny
	}
	if d.ApprovalID != "" {
		event["approval_id"] = d.ApprovalID
	}
	if _, err := g.ledger.Append(ctx, chainFor(actor), "governance.decision", actor, event); err != nil {
		return fmt.Errorf("governor: ledger write-through: %w", err)
	}
	return nil
}

// GetActiveRestriction returns the actor's current restriction, or nil.
func (g *Governor) GetActiveRestriction(ctx context.Context, actorID string) (*Restriction, error) {
	if g.detector == nil {
		return nil, nil
	}
	locked, until, err := g.detector.IsLockedOut(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, nil
	}
	return &Restriction{ActorID: actorID, Kind: "lockout", Until: until}, nil
}

// LiftRestriction clears an actor's lockout as a manual override, recorded
// against the lifting actor.
func (g *Governor) LiftRestriction(ctx context.Context, actorID string, liftedBy contracts.Actor) error {
	if g.detector == nil {
		return nil
	}
	if err := g.detector.ClearLockout(ctx, actorID); err != nil {
		return fmt.Errorf("governor: lift restriction: %w", err)
	}
	g.log.Info("restriction lifted", "actor_id", actorID, "lifted_by", liftedBy.ID)
	if _, err := g.ledger.Append(ctx, chainFor(liftedBy), "restriction.lifted", liftedBy, map[string]any{
		"actor_id": actorID,
	}); err != nil {
		return fmt.Errorf("governor: ledger write-through: %w", err)
	}
	return nil
}

// GracefulDegradationCheck recomputes the system-wide abnormal-rate signal
// and flips conservative mode accordingly. Returns the new state.
func (g *Governor) GracefulDegradationCheck(ctx context.Context) (bool, error) {
	count, err := g.ledger.CountEvents(ctx, ledger.EventFilter{
		EventTypes: violationEventTypes,
		Since:      g.clock().UTC().Add(-g.cfg.DegradationWindow),
	})
	if err != nil {
		return g.degraded.Load(), fmt.Errorf("governor: degradation check: %w", err)
	}

	degraded := count >= g.cfg.DegradationThreshold
	was := g.degraded.Swap(degraded)
	if degraded != was {
		if degraded {
			g.log.Warn("entering degraded mode", "violations_in_window", count)
		} else {
			g.log.Info("leaving degraded mode", "violations_in_window", count)
		}
	}
	return degraded, nil
}

// GetSystemStatus reports the degradation signal without mutating it.
func (g *Governor) GetSystemStatus(ctx context.Context) (*SystemStatus, error) {
	now := g.clock().UTC()
	count, err := g.ledger.CountEvents(ctx, ledger.EventFilter{
		EventTypes: violationEventTypes,
		Since:      now.Add(-g.cfg.DegradationWindow),
	})
	if err != nil {
		return nil, fmt.Errorf("governor: system status: %w", err)
	}
	return &SystemStatus{
		Degraded:           g.degraded.Load(),
		ViolationsInWindow: count,
		At:                 now,
	}, nil
}
