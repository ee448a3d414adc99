// Package tier decides which trigger types a subscription tier may use.
package tier

import (
	mapset "github.com/deckarep/golang-set/v2"

	apperr "livetutor/arbiter/internal/pkg/errors"
	"livetutor/arbiter/internal/tutor"
)

// policy is the whole tier table. Tiers missing from it allow nothing.
var policy = map[tutor.Tier]mapset.Set[tutor.TriggerType]{
	tutor.TierNone:  mapset.NewSet[tutor.TriggerType](),
	tutor.TierBasic: mapset.NewSet(tutor.Explicit),
	tutor.TierPro:   mapset.NewSet(tutor.Explicit, tutor.Automatic),
}

// Allowed reports whether tier may use trigger.
func Allowed(tier tutor.Tier, trigger tutor.TriggerType) bool {
	set, ok := policy[tier]
	if !ok {
		return false
	}
	return set.Contains(trigger)
}

// Check returns a TIER_DENIED error when Allowed is false.
func Check(tier tutor.Tier, trigger tutor.TriggerType) error {
	if Allowed(tier, trigger) {
		return nil
	}
	if trigger == tutor.Automatic {
		return apperr.TierDenied("automatic hints require a pro subscription")
	}
	return apperr.TierDenied("asking the tutor requires a basic or pro subscription")
}
