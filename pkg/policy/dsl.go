package policy

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// The rule DSL is operator-facing, one rule per line:
//
//	RULE high_risk_capability_deny: risk_level = "HIGH" -> deny [10]
//	RULE low_trust_challenge: trust_score < 60 -> challenge [20]
//	RULE vendor_escalate: tenant_id in ["t1","t2"], capability ~ "^admin\." -> escalate [5]
//
// Unparseable lines are skipped with a warning, not fatal: a partially
// broken document must still load its valid rules.

var (
	dslLineRe     = regexp.MustCompile(`^RULE\s+([A-Za-z_][\w-]*)\s*:\s*(.+?)\s*->\s*(.+)$`)
	dslPriorityRe = regexp.MustCompile(`\[\s*(-?\d+)\s*\]\s*$`)
	dslWordOpRe   = regexp.MustCompile(`^([A-Za-z_][\w.]*)\s+(in|nin)\s+(.+)$`)
	dslSymOpRe    = regexp.MustCompile(`^([A-Za-z_][\w.]*)\s*(==|!=|>=|<=|=|>|<|~)\s*(.+)$`)
)

// ParseDSL parses a rule document. It returns the successfully parsed
// rules and one warning per skipped line.
func ParseDSL(text string, log *slog.Logger) ([]*Rule, []string) {
	if log == nil {
		log = slog.Default()
	}

	rules := make([]*Rule, 0)
	warnings := make([]string, 0)
	warn := func(lineNo int, format string, args ...any) {
		msg := fmt.Sprintf("line %d: %s", lineNo, fmt.Sprintf(format, args...))
		warnings = append(warnings, msg)
		log.Warn("skipping unparseable rule line", "detail", msg)
	}

	for i, line := range strings.Split(text, "\n") {
		lineNo := i + 1
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		m := dslLineRe.FindStringSubmatch(line)
		if m == nil {
			warn(lineNo, "expected `RULE <id>: <cond>,... -> <action>,... [<priority>]`")
			continue
		}
		id, condsPart, actionsPart := m[1], m[2], m[3]

		priority := 0
		if pm := dslPriorityRe.FindStringSubmatch(actionsPart); pm != nil {
			priority, _ = strconv.Atoi(pm[1])
			actionsPart = strings.TrimSpace(dslPriorityRe.ReplaceAllString(actionsPart, ""))
		}

		actions := make([]Action, 0, 2)
		for _, a := range strings.Split(actionsPart, ",") {
			actions = append(actions, Action(strings.TrimSpace(a)))
		}

		conditions := make(map[string]Condition, 4)
		condErr := ""
		for _, token := range splitConditions(condsPart) {
			field, cond, err := parseConditionToken(token)
			if err != nil {
				condErr = err.Error()
				break
			}
			conditions[field] = cond
		}
		if condErr != "" {
			warn(lineNo, "rule %s: %s", id, condErr)
			continue
		}

		rule := &Rule{ID: id, Conditions: conditions, Actions: actions, Priority: priority}
		if err := ValidateRule(rule); err != nil {
			warn(lineNo, "%v", err)
			continue
		}
		rules = append(rules, rule)
	}

	return rules, warnings
}

// splitConditions splits on commas that are not inside brackets or quotes.
func splitConditions(s string) []string {
	parts := make([]string, 0, 4)
	depth := 0
	inQuote := false
	start := 0
	for i, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
		case inQuote:
		case r == '[':
			depth++
		case r == ']':
			depth--
		case r == ',' && depth == 0:
			parts = append(parts, strings.TrimSpace(s[start:i]))
			start = i + 1
		}
	}
	if tail := strings.TrimSpace(s[start:]); tail != "" {
		parts = append(parts, tail)
	}
	return parts
}

func parseConditionToken(token string) (string, Condition, error) {
	if m := dslWordOpRe.FindStringSubmatch(token); m != nil {
		values, err := parseListLiteral(m[3])
		if err != nil {
			return "", Condition{}, fmt.Errorf("condition %q: %w", token, err)
		}
		if m[2] == "in" {
			return m[1], In(values...), nil
		}
		return m[1], Nin(values...), nil
	}

	m := dslSymOpRe.FindStringSubmatch(token)
	if m == nil {
		return "", Condition{}, fmt.Errorf("cannot parse condition %q", token)
	}
	field, op, rawValue := m[1], m[2], strings.TrimSpace(m[3])

	if op == "~" {
		pattern, ok := unquote(rawValue)
		if !ok {
			pattern = rawValue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return "", Condition{}, fmt.Errorf("condition %q: invalid regex: %w", token, err)
		}
		return field, Condition{Op: OpRegex, Pattern: re}, nil
	}

	value := parseScalarLiteral(rawValue)
	switch op {
	case "=", "==":
		return field, Eq(value), nil
	case "!=":
		return field, Ne(value), nil
	case ">":
		return field, Gt(value), nil
	case ">=":
		return field, Gte(value), nil
	case "<":
		return field, Lt(value), nil
	case "<=":
		return field, Lte(value), nil
	}
	return "", Condition{}, fmt.Errorf("unknown operator %q", op)
}

func parseListLiteral(s string) ([]any, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, fmt.Errorf("expected a [list]")
	}
	inner := strings.TrimSpace(s[1 : len(s)-1])
	if inner == "" {
		return []any{}, nil
	}
	values := make([]any, 0, 4)
	for _, item := range strings.Split(inner, ",") {
		values = append(values, parseScalarLiteral(strings.TrimSpace(item)))
	}
	return values, nil
}

func parseScalarLiteral(s string) any {
	if unquoted, ok := unquote(s); ok {
		return unquoted
	}
	if s == "true" {
		return true
	}
	if s == "false" {
		return false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func unquote(s string) (string, bool) {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		if unquoted, err := strconv.Unquote(s); err == nil {
			return unquoted, true
		}
		return s[1 : len(s)-1], true
	}
	return "", false
}
