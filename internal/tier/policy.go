package tier

import (
	"time"

	"github.com/mandatehq/mandate/internal/model"
)

// Policy holds the transition-rule constants. Real deployments tune these via
// configuration; the defaults here are the conservative starting point.
type Policy struct {
	// PromotionThresholds maps the current tier to the minimum score required
	// to propose promotion out of it. Stricter for higher tiers.
	PromotionThresholds map[model.Tier]float64
	// MinCooldown is the minimum time a pair must spend in its current tier
	// before a promotion may be proposed. Emergency demotion ignores it.
	MinCooldown time.Duration
	// MinSignalCount is the minimum number of outcome signals observed since
	// entering the current tier before a promotion may be proposed.
	MinSignalCount int
	// NegativeThreshold is the consecutive declined/harmful count that
	// triggers an automatic one-level demotion.
	NegativeThreshold int
	// GracePeriod is how long an unconfirmed promotion proposal stays open
	// before it expires as promotion_never.
	GracePeriod time.Duration
}

// DefaultPolicy returns the illustrative default constants.
func DefaultPolicy() Policy {
	return Policy{
		PromotionThresholds: map[model.Tier]float64{
			model.TierDisabled: 0.60,
			model.TierApprove:  0.75,
			model.TierSuggest:  0.90,
		},
		MinCooldown:       7 * 24 * time.Hour,
		MinSignalCount:    3,
		NegativeThreshold: 3,
		GracePeriod:       72 * time.Hour,
	}
}
