package domain

import "strings"

// Tier enumerates subscription levels. The tier determines how many jobs an
// owner may run concurrently.
type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

var tierLimits = map[Tier]int{
	TierFree:       1,
	TierBasic:      3,
	TierPro:        5,
	TierEnterprise: 10,
}

// ParseTier normalizes a stored plan name. Annual variants map to their base
// tier; anything unrecognized falls back to free.
func ParseTier(plan string) Tier {
	base := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(plan)), "_annual")
	t := Tier(base)
	if _, ok := tierLimits[t]; !ok {
		return TierFree
	}
	return t
}

// MaxConcurrent returns the per-owner concurrency quota for the tier.
func (t Tier) MaxConcurrent() int {
	if limit, ok := tierLimits[t]; ok {
		return limit
	}
	return tierLimits[TierFree]
}
