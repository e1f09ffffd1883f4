// Package approval implements the human approval workflow created when a
// governance decision escalates: a queued, possibly multi-step request that
// tracks who must decide, escalates to higher authority, and expires.
package approval

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a request or step. APPROVED and
// REJECTED are terminal; ESCALATED is decidable again; EXPIRED is set
// only by the sweep.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusEscalated Status = "escalated"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// decidable reports whether a decision or escalation may still act on it.
func (s Status) decidable() bool {
	return s == StatusPending || s == StatusEscalated
}

// Priority orders the approval queue and selects the expiry TTL.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// PriorityForRisk maps a risk score to a queue priority.
func PriorityForRisk(score float64) Priority {
	switch {
	case score < 25:
		return PriorityLow
	case score < 50:
		return PriorityMedium
	case score < 75:
		return PriorityHigh
	default:
		return PriorityCritical
	}
}

var (
	ErrNotFound     = errors.New("approval: not found")
	ErrNotPending   = errors.New("approval: not pending")
	ErrUnauthorized = errors.New("approval: actor may not decide this request")
	ErrInvalidInput = errors.New("approval: invalid input")
)

// Step is one ordered approval stage. The parent's effective state derives
// from the lowest-numbered step that is still open.
type Step struct {
	StepNumber   int    `json:"step_number"`
	RequiredRole string `json:"required_role"`
	Status       Status `json:"status"`
	Decision     string `json:"decision,omitempty"`
	AssignedToID string `json:"assigned_to_id,omitempty"`
}

// Request is one approval workflow instance. Status transitions are
// monotone and escalation_level only increases.
type Request struct {
	ID                string          `json:"id"`
	TenantID          string          `json:"tenant_id,omitempty"`
	RequestType       string          `json:"request_type"`
	RequestPayload    json.RawMessage `json:"request_payload,omitempty"`
	RiskScore         float64         `json:"risk_score"`
	Status            Status          `json:"status"`
	Priority          Priority        `json:"priority"`
	RequestorID       string          `json:"requestor_id"`
	CurrentApproverID string          `json:"current_approver_id,omitempty"`
	ApprovedByID      string          `json:"approved_by_id,omitempty"`
	EscalationLevel   int             `json:"escalation_level"`
	ExpiresAt         time.Time       `json:"expires_at"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	Steps             []Step          `json:"steps,omitempty"`
}

// CurrentStep returns the lowest-numbered step that is still open, or nil
// when every step is closed (or the request has none).
func (r *Request) CurrentStep() *Step {
	for i := range r.Steps {
		if r.Steps[i].Status.decidable() {
			return &r.Steps[i]
		}
	}
	return nil
}
