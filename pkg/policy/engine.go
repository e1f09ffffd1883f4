package policy

import (
	"context"
	"fmt"
	"log/slog"
)

// Verdict is the outcome of one evaluation. A default deny is a normal,
// successful result, not an error: no rule matched and the engine fails
// closed.
type Verdict struct {
	Action       Action      `json:"action"`
	MatchedRules []string    `json:"matched_rules"`
	DefaultDeny  bool        `json:"default_deny"`
	RulesVersion uint64      `json:"rules_version"`
	Trace        []TraceStep `json:"trace,omitempty"`
}

// TraceStep records why each scanned rule matched or not.
type TraceStep struct {
	RuleID  string `json:"rule_id"`
	Matched bool   `json:"matched"`
	Reason  string `json:"reason,omitempty"`
}

// Engine evaluates a request context against the store's rule snapshot.
type Engine struct {
	store *Store
	log   *slog.Logger
}

// NewEngine creates an Engine over a rule store.
func NewEngine(store *Store, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: store, log: log}
}

// Store exposes the underlying rule store for runtime mutation.
func (e *Engine) Store() *Store {
	return e.store
}

// Evaluate scans rules in ascending priority order and returns the first
// match's primary action. A rule matches when every condition key is
// present in the context and its predicate holds, and its guard (if any)
// evaluates to true. No match means default deny.
func (e *Engine) Evaluate(ctx context.Context, input map[string]any) (*Verdict, error) {
	snap := e.store.snap.Load()
	verdict := &Verdict{
		Action:       ActionDeny,
		MatchedRules: []string{},
		DefaultDeny:  true,
		RulesVersion: snap.version,
	}

	for _, rule := range snap.rules {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		matched, reason := ruleMatches(rule, input)
		verdict.Trace = append(verdict.Trace, TraceStep{RuleID: rule.ID, Matched: matched, Reason: reason})
		if !matched {
			continue
		}

		verdict.Action = rule.Primary()
		verdict.MatchedRules = []string{rule.ID}
		verdict.DefaultDeny = false
		return verdict, nil
	}

	e.log.Debug("no policy rule matched, failing closed", "rules", len(snap.rules))
	return verdict, nil
}

func ruleMatches(rule *Rule, input map[string]any) (bool, string) {
	for field, cond := range rule.Conditions {
		value, present := input[field]
		if !present {
			return false, fmt.Sprintf("field %q absent", field)
		}
		if !cond.Matches(value) {
			return false, fmt.Sprintf("condition on %q not satisfied", field)
		}
	}

	if rule.guard != nil {
		out, _, err := rule.guard.Eval(map[string]any{"context": input})
		if err != nil {
			// Guard failure vetoes the match rather than failing the
			// evaluation.
			return false, fmt.Sprintf("guard error: %v", err)
		}
		pass, ok := out.Value().(bool)
		if !ok || !pass {
			return false, "guard returned false"
		}
	}
	return true, ""
}
