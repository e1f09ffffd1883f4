// Package trust maintains per-actor trust scores in [0,100]: decayed by
// violation severity, recovered over idle time, and blended with capability
// sensitivity into a request risk score.
package trust

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aegis-labs/aegis/core/pkg/contracts"
	"github.com/aegis-labs/aegis/core/pkg/ledger"
)

const (
	maxScore = 100.0
	minScore = 0.0
)

// Config carries the decay, recovery and risk-blend constants. The exact
// curves are configuration; the contract is that decay is monotone in
// severity and scores stay clamped to [0,100].
type Config struct {
	// Points removed per violation, by severity tier.
	DecayLow      float64 `yaml:"decay_low"`
	DecayMedium   float64 `yaml:"decay_medium"`
	DecayHigh     float64 `yaml:"decay_high"`
	DecayCritical float64 `yaml:"decay_critical"`

	// RecoveryIdle is how long an actor must stay violation-free before
	// recovery starts; RecoveryPerDay is the recovery rate after that.
	RecoveryIdle   time.Duration `yaml:"recovery_idle"`
	RecoveryPerDay float64       `yaml:"recovery_per_day"`

	// Risk blend weights; they should sum to 1.
	WeightCapability  float64 `yaml:"weight_capability"`
	WeightTrust       float64 `yaml:"weight_trust"`
	WeightRole        float64 `yaml:"weight_role"`
	WeightSituational float64 `yaml:"weight_situational"`

	// CapabilitySensitivity maps capability identifiers to a 0-100
	// sensitivity; unknown capabilities use DefaultSensitivity.
	CapabilitySensitivity map[string]float64 `yaml:"capability_sensitivity"`
	DefaultSensitivity    float64            `yaml:"default_sensitivity"`

	// RoleRisk maps roles to a 0-100 base risk; unknown roles use
	// DefaultRoleRisk.
	RoleRisk        map[string]float64 `yaml:"role_risk"`
	DefaultRoleRisk float64            `yaml:"default_role_risk"`

	// Off-peak window boundaries (local hours) for situational risk.
	OffPeakStartHour int `yaml:"off_peak_start_hour"`
	OffPeakEndHour   int `yaml:"off_peak_end_hour"`
}

// DefaultConfig returns the documented default constants.
func DefaultConfig() Config {
	return Config{
		DecayLow:          2,
		DecayMedium:       5,
		DecayHigh:         12,
		DecayCritical:     25,
		RecoveryIdle:      72 * time.Hour,
		RecoveryPerDay:    1,
		WeightCapability:  0.40,
		WeightTrust:       0.30,
		WeightRole:        0.15,
		WeightSituational: 0.15,
		CapabilitySensitivity: map[string]float64{
			"READ_COMPANY_DATA":  70,
			"EXPORT_REPORT":      55,
			"MANAGE_USERS":       80,
			"APPROVE_PAYMENT":    90,
			"DELETE_RECORDS":     85,
			"CROSS_TENANT_QUERY": 95,
		},
		DefaultSensitivity: 40,
		RoleRisk: map[string]float64{
			"admin":      30,
			"manager":    40,
			"employee":   50,
			"contractor": 70,
			"service":    45,
		},
		DefaultRoleRisk:  60,
		OffPeakStartHour: 20,
		OffPeakEndHour:   7,
	}
}

func (c Config) decayFor(sev contracts.Severity) float64 {
	switch sev {
	case contracts.SeverityLow:
		return c.DecayLow
	case contracts.SeverityMedium:
		return c.DecayMedium
	case contracts.SeverityHigh:
		return c.DecayHigh
	case contracts.SeverityCritical:
		return c.DecayCritical
	default:
		return c.DecayMedium
	}
}

// Score is the persisted trust record of one actor. Records are created
// lazily at 100 and never deleted.
type Score struct {
	ActorID         string     `json:"actor_id"`
	Score           float64    `json:"score"`
	LastViolationAt *time.Time `json:"last_violation_at,omitempty"`
	LastDecay       string     `json:"last_decay,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Store persists trust scores.
type Store interface {
	Get(ctx context.Context, actorID string) (*Score, error) // ErrNoRecord if absent
	Put(ctx context.Context, s *Score) error
}

// Service applies decay and recovery over a Store, write-through to the
// ledger so scores can be reconstructed from history alone.
type Service struct {
	store   Store
	cfg     Config
	ledger  *ledger.Ledger
	chainFn func(contracts.Actor) string
	clock   func() time.Time
	log     *slog.Logger
	locks   sync.Map // actorID -> *sync.Mutex
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) { s.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) { s.log = log }
}

// WithChainFn overrides how actors map to ledger chains.
func WithChainFn(fn func(contracts.Actor) string) ServiceOption {
	return func(s *Service) { s.chainFn = fn }
}

// NewService creates the trust score service.
func NewService(store Store, cfg Config, led *ledger.Ledger, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		cfg:     cfg,
		ledger:  led,
		chainFn: tenantChain,
		clock:   time.Now,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func tenantChain(a contracts.Actor) string {
	if a.TenantID == "" {
		return "global"
	}
	return "tenant_" + a.TenantID
}

// GetTrustScore returns the actor's effective score with idle recovery
// applied. A missing record defaults optimistically to 100.
func (s *Service) GetTrustScore(ctx context.Context, actorID string) (float64, error) {
	record, err := s.store.Get(ctx, actorID)
	if err != nil {
		if err == ErrNoRecord {
			return maxScore, nil
		}
		return 0, fmt.Errorf("trust: load score for %s: %w", actorID, err)
	}
	return s.effectiveScore(record, s.clock()), nil
}

// UpdateTrustScore decays the actor's score by the severity tier, floored
// at zero, and appends the old/new/delta to the ledger.
func (s *Service) UpdateTrustScore(ctx context.Context, actor contracts.Actor, violationType string, sev contracts.Severity, reason string) (*Score, error) {
	lock := s.actorLock(actor.ID)
	lock.Lock()
	defer lock.Unlock()

	now := s.clock().UTC()
	record, err := s.store.Get(ctx, actor.ID)
	if err != nil {
		if err != ErrNoRecord {
			return nil, fmt.Errorf("trust: load score for %s: %w", actor.ID, err)
		}
		record = &Score{ActorID: actor.ID, Score: maxScore, UpdatedAt: now}
	}

	old := s.effectiveScore(record, now)
	delta := s.cfg.decayFor(sev)
	updated := clamp(old - delta)

	record.Score = updated
	record.LastViolationAt = &now
	record.LastDecay = sev.String()
	record.UpdatedAt = now

	// Ledger before store: a lost store write can be replayed from the
	// ledger, a lost ledger entry cannot.
	if s.ledger != nil {
		_, err := s.ledger.Append(ctx, s.chainFn(actor), "trust.decay", actor, map[string]any{
			"violation_type": violationType,
			"severity":       sev.String(),
			"old_score":      old,
			"new_score":      updated,
			"delta":          old - updated,
			"reason":         reason,
		})
		if err != nil {
			return nil, fmt.Errorf("trust: ledger write-through: %w", err)
		}
	}
	if err := s.store.Put(ctx, record); err != nil {
		return nil, fmt.Errorf("trust: persist score for %s: %w", actor.ID, err)
	}

	s.log.Info("trust score decayed",
		"actor_id", actor.ID, "violation_type", violationType, "severity", sev.String(),
		"old", old, "new", updated, "delta", old-updated, "reason", reason)
	return record, nil
}

// Checkpoint persists any accrued idle recovery for an actor. Called by
// the background sweeper so long-idle actors converge toward 100 durably.
func (s *Service) Checkpoint(ctx context.Context, actor contracts.Actor) error {
	lock := s.actorLock(actor.ID)
	lock.Lock()
	defer lock.Unlock()

	record, err := s.store.Get(ctx, actor.ID)
	if err != nil {
		if err == ErrNoRecord {
			return nil
		}
		return fmt.Errorf("trust: load score for %s: %w", actor.ID, err)
	}

	now := s.clock().UTC()
	effective := s.effectiveScore(record, now)
	if effective <= record.Score {
		return nil
	}

	old := record.Score
	record.Score = effective
	record.UpdatedAt = now

	if s.ledger != nil {
		_, err := s.ledger.Append(ctx, s.chainFn(actor), "trust.recovered", actor, map[string]any{
			"old_score": old,
			"new_score": effective,
		})
		if err != nil {
			return fmt.Errorf("trust: ledger write-through: %w", err)
		}
	}
	if err := s.store.Put(ctx, record); err != nil {
		return fmt.Errorf("trust: persist recovery for %s: %w", actor.ID, err)
	}
	return nil
}

// effectiveScore applies time-proportional recovery: nothing until the
// actor has been violation-free for RecoveryIdle, then RecoveryPerDay
// points per day, anchored at the last persisted update so checkpoints
// never double-count.
func (s *Service) effectiveScore(record *Score, now time.Time) float64 {
	score := clamp(record.Score)
	if score >= maxScore {
		return score
	}

	recoveryStart := record.UpdatedAt
	if record.LastViolationAt != nil {
		gate := record.LastViolationAt.Add(s.cfg.RecoveryIdle)
		if gate.After(recoveryStart) {
			recoveryStart = gate
		}
	}
	if !now.After(recoveryStart) {
		return score
	}

	days := now.Sub(recoveryStart).Hours() / 24
	return clamp(score + days*s.cfg.RecoveryPerDay)
}

func (s *Service) actorLock(actorID string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(actorID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func clamp(v float64) float64 {
	if v < minScore {
		return minScore
	}
	if v > maxScore {
		return maxScore
	}
	return v
}
