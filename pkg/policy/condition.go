// Package policy implements the declarative rule engine behind governance
// decisions: prioritized first-match-wins rules over a request context, a
// small operator-facing DSL, and an atomically swapped rule snapshot so
// evaluators never observe a half-updated list.
package policy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// Op is a condition predicate operator.
type Op string

const (
	OpEq    Op = "eq"
	OpNe    Op = "ne"
	OpGt    Op = "gt"
	OpGte   Op = "gte"
	OpLt    Op = "lt"
	OpLte   Op = "lte"
	OpIn    Op = "in"
	OpNin   Op = "nin"
	OpRegex Op = "regex"
)

// Condition is a single field predicate, parsed once at rule-load time.
type Condition struct {
	Op      Op
	Value   any
	Values  []any
	Pattern *regexp.Regexp
}

// Eq builds an equality condition.
func Eq(v any) Condition { return Condition{Op: OpEq, Value: v} }

// Ne builds a not-equal condition.
func Ne(v any) Condition { return Condition{Op: OpNe, Value: v} }

// Gt builds a greater-than condition.
func Gt(v any) Condition { return Condition{Op: OpGt, Value: v} }

// Gte builds a greater-or-equal condition.
func Gte(v any) Condition { return Condition{Op: OpGte, Value: v} }

// Lt builds a less-than condition.
func Lt(v any) Condition { return Condition{Op: OpLt, Value: v} }

// Lte builds a less-or-equal condition.
func Lte(v any) Condition { return Condition{Op: OpLte, Value: v} }

// In builds a membership condition.
func In(values ...any) Condition { return Condition{Op: OpIn, Values: values} }

// Nin builds a non-membership condition.
func Nin(values ...any) Condition { return Condition{Op: OpNin, Values: values} }

// Regex builds a pattern condition. Panics on an invalid pattern; use
// ParseConditionJSON or the DSL for untrusted input.
func Regex(pattern string) Condition {
	return Condition{Op: OpRegex, Pattern: regexp.MustCompile(pattern)}
}

// Matches reports whether the predicate holds for the given context value.
// Unsupported comparisons evaluate to false (fail-closed).
func (c Condition) Matches(v any) bool {
	switch c.Op {
	case OpEq:
		return looseEq(v, c.Value)
	case OpNe:
		return !looseEq(v, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		a, aok := toFloat(v)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false
		}
		switch c.Op {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	case OpIn:
		for _, candidate := range c.Values {
			if looseEq(v, candidate) {
				return true
			}
		}
		return false
	case OpNin:
		for _, candidate := range c.Values {
			if looseEq(v, candidate) {
				return false
			}
		}
		return true
	case OpRegex:
		s, ok := v.(string)
		return ok && c.Pattern != nil && c.Pattern.MatchString(s)
	default:
		return false
	}
}

// ParseConditionJSON converts a JSON-shaped condition into a typed
// Condition. A bare scalar means equality; an object carries exactly one
// operator key, e.g. {"gt": 10} or {"in": ["A","B"]}.
func ParseConditionJSON(raw any) (Condition, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return Eq(raw), nil
	}
	if len(obj) != 1 {
		return Condition{}, fmt.Errorf("policy: condition object must have exactly one operator, got %d", len(obj))
	}

	for op, operand := range obj {
		switch Op(op) {
		case OpEq:
			return Eq(operand), nil
		case OpNe:
			return Ne(operand), nil
		case OpGt:
			return Gt(operand), nil
		case OpGte:
			return Gte(operand), nil
		case OpLt:
			return Lt(operand), nil
		case OpLte:
			return Lte(operand), nil
		case OpIn, OpNin:
			list, ok := operand.([]any)
			if !ok {
				return Condition{}, fmt.Errorf("policy: %s operand must be a list", op)
			}
			if Op(op) == OpIn {
				return In(list...), nil
			}
			return Nin(list...), nil
		case OpRegex:
			pattern, ok := operand.(string)
			if !ok {
				return Condition{}, fmt.Errorf("policy: regex operand must be a string")
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return Condition{}, fmt.Errorf("policy: invalid regex %q: %w", pattern, err)
			}
			return Condition{Op: OpRegex, Pattern: re}, nil
		default:
			return Condition{}, fmt.Errorf("policy: unknown operator %q", op)
		}
	}
	return Condition{}, fmt.Errorf("policy: empty condition object")
}

func looseEq(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
