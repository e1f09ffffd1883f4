package policy

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"
)

// Action is the outcome a matched rule requests from the governor.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionDeny      Action = "deny"
	ActionChallenge Action = "challenge"
	ActionEscalate  Action = "escalate"
)

var (
	// ErrRuleNotFound is returned when removing or fetching an unknown rule.
	ErrRuleNotFound = errors.New("policy: rule not found")
	// ErrInvalidRule is returned for rules that fail validation. Rejected
	// before any ledger write.
	ErrInvalidRule = errors.New("policy: invalid rule")
)

// Rule is a single declarative policy rule. Rules are totally ordered by
// ascending Priority; the first match wins, which keeps the rule list
// auditable top to bottom.
type Rule struct {
	ID         string               `json:"id"`
	Conditions map[string]Condition `json:"-"`
	Actions    []Action             `json:"actions"`
	Priority   int                  `json:"priority"`

	// GuardSrc is an optional CEL expression evaluated against the full
	// request context after the conditions match. A guard that errors or
	// returns false vetoes the match.
	GuardSrc string `json:"guard,omitempty"`

	guard cel.Program
}

// Primary returns the rule's primary action (the first in the list).
func (r *Rule) Primary() Action {
	if len(r.Actions) == 0 {
		return ActionDeny
	}
	return r.Actions[0]
}

// ValidateRule checks structural validity: non-empty id, at least one
// condition and one recognized action.
func ValidateRule(r *Rule) error {
	if r == nil {
		return fmt.Errorf("%w: nil rule", ErrInvalidRule)
	}
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRule)
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("%w: rule %s has no conditions", ErrInvalidRule, r.ID)
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("%w: rule %s has no actions", ErrInvalidRule, r.ID)
	}
	for _, a := range r.Actions {
		switch a {
		case ActionAllow, ActionDeny, ActionChallenge, ActionEscalate:
		default:
			return fmt.Errorf("%w: rule %s has unknown action %q", ErrInvalidRule, r.ID, a)
		}
	}
	return nil
}
