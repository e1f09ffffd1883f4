// Package contracts holds the shared types exchanged between the governance
// components: actor identity, risk levels, violation severities, and the
// final decision vocabulary returned to callers.
package contracts

import (
	"fmt"
	"strings"
)

// Actor is the identity supplied by the surrounding session layer.
type Actor struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id,omitempty"`
	Role     string `json:"role"`
}

// Decision is the final outcome of a governance evaluation.
type Decision string

const (
	DecisionAllowed         Decision = "allowed"
	DecisionBlocked         Decision = "blocked"
	DecisionPendingApproval Decision = "pending_approval"
)

// RiskLevel represents the severity bucket of a computed risk score.
type RiskLevel int

const (
	RiskLevelLow RiskLevel = iota + 1
	RiskLevelMedium
	RiskLevelHigh
	RiskLevelCritical
)

func (r RiskLevel) String() string {
	names := map[RiskLevel]string{
		RiskLevelLow:      "LOW",
		RiskLevelMedium:   "MEDIUM",
		RiskLevelHigh:     "HIGH",
		RiskLevelCritical: "CRITICAL",
	}
	if name, ok := names[r]; ok {
		return name
	}
	return "UNKNOWN"
}

// RiskLevelForScore maps a risk score in [0,100] to its level.
func RiskLevelForScore(score float64) RiskLevel {
	switch {
	case score < 25:
		return RiskLevelLow
	case score < 50:
		return RiskLevelMedium
	case score < 75:
		return RiskLevelHigh
	default:
		return RiskLevelCritical
	}
}

// Severity grades a violation for trust-score decay and alert filtering.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	names := map[Severity]string{
		SeverityLow:      "LOW",
		SeverityMedium:   "MEDIUM",
		SeverityHigh:     "HIGH",
		SeverityCritical: "CRITICAL",
	}
	if name, ok := names[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseSeverity converts a string to a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(s) {
	case "LOW":
		return SeverityLow, nil
	case "MEDIUM":
		return SeverityMedium, nil
	case "HIGH":
		return SeverityHigh, nil
	case "CRITICAL":
		return SeverityCritical, nil
	default:
		return 0, fmt.Errorf("unknown severity %q", s)
	}
}
