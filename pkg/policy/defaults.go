package policy

// DefaultRules returns the built-in rule set used when no bundles are
// configured. Priorities are spaced so operators can slot custom rules in
// between without renumbering.
func DefaultRules() []*Rule {
	return []*Rule{
		{
			ID:         "critical_risk_escalate",
			Conditions: map[string]Condition{"risk_level": Eq("CRITICAL")},
			Actions:    []Action{ActionEscalate},
			Priority:   5,
		},
		{
			ID:         "high_risk_capability_deny",
			Conditions: map[string]Condition{"risk_level": Eq("HIGH")},
			Actions:    []Action{ActionDeny},
			Priority:   10,
		},
		{
			ID:         "cross_tenant_deny",
			Conditions: map[string]Condition{"cross_tenant": Eq(true)},
			Actions:    []Action{ActionDeny},
			Priority:   15,
		},
		{
			ID:         "restricted_tier_deny",
			Conditions: map[string]Condition{"trust_score": Lt(30)},
			Actions:    []Action{ActionDeny},
			Priority:   18,
		},
		{
			ID:         "low_trust_challenge",
			Conditions: map[string]Condition{"trust_score": Lt(60)},
			Actions:    []Action{ActionChallenge},
			Priority:   20,
		},
		{
			ID:         "repeat_offender_escalate",
			Conditions: map[string]Condition{"recent_violations": Gte(5)},
			Actions:    []Action{ActionEscalate},
			Priority:   25,
		},
		{
			ID:         "standard_allow",
			Conditions: map[string]Condition{"risk_level": In("LOW", "MEDIUM")},
			Actions:    []Action{ActionAllow},
			Priority:   100,
		},
	}
}
