package trust

import (
	"time"

	"github.com/aegis-labs/aegis/core/pkg/contracts"
)

// RiskInput carries everything the blend needs for one request.
type RiskInput struct {
	Actor      contracts.Actor
	Capability string
	TrustScore float64
	At         time.Time
}

// RiskAssessment is the scored result plus the factors that produced it,
// so callers can log and audit the breakdown.
type RiskAssessment struct {
	Score       float64             `json:"score"`
	Level       contracts.RiskLevel `json:"level"`
	Capability  float64             `json:"capability_factor"`
	Distrust    float64             `json:"distrust_factor"`
	Role        float64             `json:"role_factor"`
	Situational float64             `json:"situational_factor"`
	OffPeak     bool                `json:"off_peak"`
	Weekend     bool                `json:"weekend"`
}

// CalculateRiskScore blends capability sensitivity, actor distrust, role
// risk and situational factors into a 0-100 score.
func (c Config) CalculateRiskScore(in RiskInput) RiskAssessment {
	capFactor, ok := c.CapabilitySensitivity[in.Capability]
	if !ok {
		capFactor = c.DefaultSensitivity
	}
	roleFactor, ok := c.RoleRisk[in.Actor.Role]
	if !ok {
		roleFactor = c.DefaultRoleRisk
	}

	distrust := maxScore - clamp(in.TrustScore)

	offPeak := c.IsOffPeak(in.At)
	weekend := IsWeekend(in.At)
	situational := 0.0
	if offPeak {
		situational += 60
	}
	if weekend {
		situational += 40
	}

	score := c.WeightCapability*capFactor +
		c.WeightTrust*distrust +
		c.WeightRole*roleFactor +
		c.WeightSituational*situational
	score = clamp(score)

	return RiskAssessment{
		Score:       score,
		Level:       contracts.RiskLevelForScore(score),
		Capability:  capFactor,
		Distrust:    distrust,
		Role:        roleFactor,
		Situational: situational,
		OffPeak:     offPeak,
		Weekend:     weekend,
	}
}

// AssessRiskLevel maps a numeric score to its level band.
func AssessRiskLevel(score float64) contracts.RiskLevel {
	return contracts.RiskLevelForScore(score)
}

// IsOffPeak reports whether t falls in the configured off-peak window.
// The window wraps midnight when start > end.
func (c Config) IsOffPeak(t time.Time) bool {
	h := t.Hour()
	start, end := c.OffPeakStartHour, c.OffPeakEndHour
	if start == end {
		return false
	}
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

// IsWeekend reports whether t is a Saturday or Sunday.
func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
