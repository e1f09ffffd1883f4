package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-labs/aegis/core/pkg/contracts"
	"github.com/aegis-labs/aegis/core/pkg/ledger"
)

// Config carries the workflow constants: who outranks whom and how long a
// request stays decidable per priority.
type Config struct {
	// RoleRanks orders approval authority; a higher rank may decide steps
	// assigned to a lower-ranked role. Unknown roles rank 0 and can only
	// decide steps assigned to them directly.
	RoleRanks map[string]int `yaml:"role_ranks"`
	// DefaultApproverRole is used when a request is created without
	// explicit steps.
	DefaultApproverRole string `yaml:"default_approver_role"`
	// TTLs selects expires_at by priority.
	TTLLow      time.Duration `yaml:"ttl_low"`
	TTLMedium   time.Duration `yaml:"ttl_medium"`
	TTLHigh     time.Duration `yaml:"ttl_high"`
	TTLCritical time.Duration `yaml:"ttl_critical"`
}

// DefaultConfig returns the documented default workflow constants.
func DefaultConfig() Config {
	return Config{
		RoleRanks: map[string]int{
			"manager":  1,
			"director": 2,
			"admin":    3,
		},
		DefaultApproverRole: "manager",
		TTLLow:              7 * 24 * time.Hour,
		TTLMedium:           72 * time.Hour,
		TTLHigh:             24 * time.Hour,
		TTLCritical:         4 * time.Hour,
	}
}

func (c Config) ttlFor(p Priority) time.Duration {
	switch p {
	case PriorityLow:
		return c.TTLLow
	case PriorityMedium:
		return c.TTLMedium
	case PriorityHigh:
		return c.TTLHigh
	default:
		return c.TTLCritical
	}
}

func (c Config) rank(role string) int { return c.RoleRanks[role] }

// StepSpec describes one requested approval stage.
type StepSpec struct {
	RequiredRole string
	AssignedToID string
}

// CreateInput is everything the governor supplies when escalating.
type CreateInput struct {
	Requestor   contracts.Actor
	RequestType string
	Payload     any
	RiskScore   float64
	// Steps in decision order; empty means a single step assigned to the
	// default approver role.
	Steps []StepSpec
}

// Decision is an approver's verdict on the current step.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Manager drives the approval state machine over a Store, appending every
// lifecycle event to the ledger.
type Manager struct {
	store   Store
	cfg     Config
	ledger  *ledger.Ledger
	chainFn func(tenantID string) string
	clock   func() time.Time
	log     *slog.Logger
	locks   sync.Map // request ID -> *sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager creates the workflow manager.
func NewManager(store Store, cfg Config, led *ledger.Ledger, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		cfg:    cfg,
		ledger: led,
		chainFn: func(tenantID string) string {
			if tenantID == "" {
				return "global"
			}
			return "tenant_" + tenantID
		},
		clock: time.Now,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateApproval opens a new pending request with its ordered steps.
func (m *Manager) CreateApproval(ctx context.Context, in CreateInput) (*Request, error) {
	if in.Requestor.ID == "" || in.RequestType == "" {
		return nil, fmt.Errorf("%w: requestor and request_type are required", ErrInvalidInput)
	}

	var payload json.RawMessage
	if in.Payload != nil {
		raw, err := json.Marshal(in.Payload)
		if err != nil {
			return nil, fmt.Errorf("approval: encode payload: %w", err)
		}
		payload = raw
	}

	specs := in.Steps
	if len(specs) == 0 {
		specs = []StepSpec{{RequiredRole: m.cfg.DefaultApproverRole}}
	}
	steps := make([]Step, len(specs))
	for i, s := range specs {
		if s.RequiredRole == "" {
			return nil, fmt.Errorf("%w: step %d has no required role", ErrInvalidInput, i+1)
		}
		steps[i] = Step{
			StepNumber:   i + 1,
			RequiredRole: s.RequiredRole,
			Status:       StatusPending,
			AssignedToID: s.AssignedToID,
		}
	}

	now := m.clock().UTC()
	priority := PriorityForRisk(in.RiskScore)
	req := &Request{
		ID:                uuid.New().String(),
		TenantID:          in.Requestor.TenantID,
		RequestType:       in.RequestType,
		RequestPayload:    payload,
		RiskScore:         in.RiskScore,
		Status:            StatusPending,
		Priority:          priority,
		RequestorID:       in.Requestor.ID,
		CurrentApproverID: steps[0].AssignedToID,
		ExpiresAt:         now.Add(m.cfg.ttlFor(priority)),
		CreatedAt:         now,
		UpdatedAt:         now,
		Steps:             steps,
	}
	if err := m.appendEvent(ctx, req, "approval.created", in.Requestor, map[string]any{
		"approval_id":  req.ID,
		"request_type": req.RequestType,
		"risk_score":   req.RiskScore,
		"priority":     string(req.Priority),
		"expires_at":   req.ExpiresAt,
	}); err != nil {
		return nil, err
	}
	if err := m.store.Put(ctx, req); err != nil {
		return nil, fmt.Errorf("approval: persist request: %w", err)
	}

	m.log.Info("approval created",
		"approval_id", req.ID, "request_type", req.RequestType,
		"priority", string(req.Priority), "steps", len(req.Steps),
		"requestor_id", req.RequestorID)
	return req, nil
}

// Get returns a request by ID.
func (m *Manager) Get(ctx context.Context, id string) (*Request, error) {
	return m.store.Get(ctx, id)
}

// DecideApproval applies an approver's verdict to the current step. Only
// the assigned approver, or an actor whose role outranks the step's
// required role, may decide. A request that is no longer open returns
// ErrNotPending, which keeps retried decisions idempotent.
func (m *Manager) DecideApproval(ctx context.Context, id string, approver contracts.Actor, decision Decision, notes string) (*Request, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, fmt.Errorf("%w: unknown decision %q", ErrInvalidInput, decision)
	}

	lock := m.requestLock(id)
	lock.Lock()
	defer lock.Unlock()

	req, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !req.Status.decidable() {
		return nil, fmt.Errorf("%w: status is %s", ErrNotPending, req.Status)
	}

	step := req.CurrentStep()
	if step == nil {
		return nil, fmt.Errorf("%w: no open step", ErrNotPending)
	}
	if !m.mayDecide(req, step, approver) {
		return nil, fmt.Errorf("%w: %s (role %s) is not the assigned approver for step %d",
			ErrUnauthorized, approver.ID, approver.Role, step.StepNumber)
	}

	now := m.clock().UTC()
	if decision == DecisionReject {
		step.Status = StatusRejected
		step.Decision = notes
		req.Status = StatusRejected
		req.CurrentApproverID = ""
	} else {
		step.Status = StatusApproved
		step.Decision = notes
		if next := req.CurrentStep(); next != nil {
			req.Status = StatusPending
			req.CurrentApproverID = next.AssignedToID
		} else {
			req.Status = StatusApproved
			req.ApprovedByID = approver.ID
			req.CurrentApproverID = ""
		}
	}
	req.UpdatedAt = now

	if err := m.appendEvent(ctx, req, "approval.decided", approver, map[string]any{
		"approval_id": req.ID,
		"step":        step.StepNumber,
		"decision":    string(decision),
		"notes":       notes,
		"status":      string(req.Status),
	}); err != nil {
		return nil, err
	}
	if err := m.store.Put(ctx, req); err != nil {
		return nil, fmt.Errorf("approval: persist decision: %w", err)
	}

	m.log.Info("approval decided",
		"approval_id", req.ID, "step", step.StepNumber, "decision", string(decision),
		"approver_id", approver.ID, "status", string(req.Status))
	return req, nil
}

// Escalate raises the request one level and reassigns it. The request
// stays decidable; escalation_level never decreases.
func (m *Manager) Escalate(ctx context.Context, id string, actor contracts.Actor, newApproverID, reason string) (*Request, error) {
	lock := m.requestLock(id)
	lock.Lock()
	defer lock.Unlock()

	req, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !req.Status.decidable() {
		return nil, fmt.Errorf("%w: status is %s", ErrNotPending, req.Status)
	}

	req.Status = StatusEscalated
	req.EscalationLevel++
	req.CurrentApproverID = newApproverID
	if step := req.CurrentStep(); step != nil {
		step.AssignedToID = newApproverID
	}
	req.UpdatedAt = m.clock().UTC()

	if err := m.appendEvent(ctx, req, "approval.escalated", actor, map[string]any{
		"approval_id":      req.ID,
		"escalation_level": req.EscalationLevel,
		"new_approver_id":  newApproverID,
		"reason":           reason,
	}); err != nil {
		return nil, err
	}
	if err := m.store.Put(ctx, req); err != nil {
		return nil, fmt.Errorf("approval: persist escalation: %w", err)
	}

	m.log.Info("approval escalated",
		"approval_id", req.ID, "level", req.EscalationLevel,
		"new_approver_id", newApproverID, "reason", reason)
	return req, nil
}

// GetPendingApprovals lists open requests the actor may decide, oldest
// first.
func (m *Manager) GetPendingApprovals(ctx context.Context, actor contracts.Actor) ([]*Request, error) {
	open, err := m.store.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("approval: list open requests: %w", err)
	}
	var out []*Request
	for _, req := range open {
		step := req.CurrentStep()
		if step == nil {
			continue
		}
		if m.mayDecide(req, step, actor) {
			out = append(out, req)
		}
	}
	return out, nil
}

// SweepExpired marks every non-terminal request past its deadline as
// expired. Returns the requests it transitioned.
func (m *Manager) SweepExpired(ctx context.Context) ([]*Request, error) {
	now := m.clock().UTC()
	stale, err := m.store.ExpiredBefore(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("approval: list expired requests: %w", err)
	}

	var swept []*Request
	for _, req := range stale {
		lock := m.requestLock(req.ID)
		lock.Lock()

		fresh, err := m.store.Get(ctx, req.ID)
		if err != nil {
			lock.Unlock()
			return swept, err
		}
		if fresh.Status.Terminal() || fresh.ExpiresAt.After(now) {
			lock.Unlock()
			continue
		}

		fresh.Status = StatusExpired
		fresh.CurrentApproverID = ""
		fresh.UpdatedAt = now
		for i := range fresh.Steps {
			if fresh.Steps[i].Status.decidable() {
				fresh.Steps[i].Status = StatusExpired
			}
		}

		system := contracts.Actor{ID: "system", TenantID: fresh.TenantID, Role: "system"}
		if err := m.appendEvent(ctx, fresh, "approval.expired", system, map[string]any{
			"approval_id": fresh.ID,
			"expires_at":  fresh.ExpiresAt,
		}); err != nil {
			lock.Unlock()
			return swept, err
		}
		if err := m.store.Put(ctx, fresh); err != nil {
			lock.Unlock()
			return swept, fmt.Errorf("approval: persist expiry: %w", err)
		}
		lock.Unlock()

		m.log.Info("approval expired", "approval_id", fresh.ID, "expired_at", fresh.ExpiresAt)
		swept = append(swept, fresh)
	}
	return swept, nil
}

// mayDecide checks the authority rule: the step's direct assignee, or any
// actor whose role outranks the step's required role.
func (m *Manager) mayDecide(req *Request, step *Step, actor contracts.Actor) bool {
	if actor.ID == "" {
		return false
	}
	if req.TenantID != "" && actor.TenantID != "" && actor.TenantID != req.TenantID {
		return false
	}
	if step.AssignedToID != "" && step.AssignedToID == actor.ID {
		return true
	}
	if actor.Role == step.RequiredRole {
		return true
	}
	return m.cfg.rank(actor.Role) > m.cfg.rank(step.RequiredRole)
}

// appendEvent writes the lifecycle record. Callers append before persisting
// to the store, so a lost store write can be rebuilt from the ledger.
func (m *Manager) appendEvent(ctx context.Context, req *Request, eventType string, actor contracts.Actor, payload map[string]any) error {
	if m.ledger == nil {
		return nil
	}
	if _, err := m.ledger.Append(ctx, m.chainFn(req.TenantID), eventType, actor, payload); err != nil {
		return fmt.Errorf("approval: ledger write-through: %w", err)
	}
	return nil
}

func (m *Manager) requestLock(id string) *sync.Mutex {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}
