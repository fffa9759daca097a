package optimizer

// Tier is a downstream execution strategy trading off cost, latency, and
// quality.
type Tier string

const (
	TierLite     Tier = "lite"
	TierStandard Tier = "standard"
	TierAdvanced Tier = "advanced"
	TierPremium  Tier = "premium"
)

// Hint is a caller-supplied priority preference for tier selection.
type Hint string

const (
	HintSpeed    Hint = "speed"
	HintBalanced Hint = "balanced"
	HintQuality  Hint = "quality"
)

var tierLadder = []Tier{TierLite, TierStandard, TierAdvanced, TierPremium}

func baseTier(c Complexity) Tier {
	switch c {
	case ComplexityModerate:
		return TierStandard
	case ComplexityComplex:
		return TierAdvanced
	case ComplexityCreative:
		return TierPremium
	default:
		return TierLite
	}
}

// SelectTier maps complexity and an optional hint to an execution tier.
// Cheaper tiers are preferred for simple classes unless quality is
// explicitly requested; a speed hint steps one tier down.
func SelectTier(c Complexity, hint Hint) Tier {
	tier := baseTier(c)
	switch hint {
	case HintSpeed:
		return stepTier(tier, -1)
	case HintQuality:
		return stepTier(tier, +1)
	default:
		return tier
	}
}

func stepTier(tier Tier, delta int) Tier {
	for i, t := range tierLadder {
		if t == tier {
			next := i + delta
			if next < 0 {
				next = 0
			}
			if next >= len(tierLadder) {
				next = len(tierLadder) - 1
			}
			return tierLadder[next]
		}
	}
	return tier
}
