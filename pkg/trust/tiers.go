package trust

// Tier is an advisory access band derived from the trust score. Tiers do
// not gate requests themselves; they feed rate and scope hints to callers.
type Tier string

const (
	TierPlatinum   Tier = "PLATINUM"
	TierGold       Tier = "GOLD"
	TierSilver     Tier = "SILVER"
	TierBronze     Tier = "BRONZE"
	TierRestricted Tier = "RESTRICTED"
)

// AccessLimits are the advisory allowances of a tier.
type AccessLimits struct {
	Tier                 Tier    `json:"tier"`
	RequestsPerMinute    int     `json:"requests_per_minute"`
	MaxConcurrent        int     `json:"max_concurrent"`
	SensitiveCapAllowed  bool    `json:"sensitive_capabilities_allowed"`
	ApprovalFastTrack    bool    `json:"approval_fast_track"`
	MaxTransactionAmount float64 `json:"max_transaction_amount"`
}

var tierTable = []struct {
	min    float64
	limits AccessLimits
}{
	{95, AccessLimits{Tier: TierPlatinum, RequestsPerMinute: 600, MaxConcurrent: 64, SensitiveCapAllowed: true, ApprovalFastTrack: true, MaxTransactionAmount: 1_000_000}},
	{85, AccessLimits{Tier: TierGold, RequestsPerMinute: 300, MaxConcurrent: 32, SensitiveCapAllowed: true, ApprovalFastTrack: false, MaxTransactionAmount: 250_000}},
	{60, AccessLimits{Tier: TierSilver, RequestsPerMinute: 120, MaxConcurrent: 16, SensitiveCapAllowed: true, ApprovalFastTrack: false, MaxTransactionAmount: 50_000}},
	{30, AccessLimits{Tier: TierBronze, RequestsPerMinute: 30, MaxConcurrent: 4, SensitiveCapAllowed: false, ApprovalFastTrack: false, MaxTransactionAmount: 5_000}},
	{0, AccessLimits{Tier: TierRestricted, RequestsPerMinute: 6, MaxConcurrent: 1, SensitiveCapAllowed: false, ApprovalFastTrack: false, MaxTransactionAmount: 0}},
}

// TierForScore returns the tier band a score falls into.
func TierForScore(score float64) Tier {
	return GetAccessLimits(score).Tier
}

// GetAccessLimits returns the advisory limits for a trust score.
func GetAccessLimits(score float64) AccessLimits {
	score = clamp(score)
	for _, row := range tierTable {
		if score >= row.min {
			return row.limits
		}
	}
	return tierTable[len(tierTable)-1].limits
}
