package plan

import (
	"fmt"
	"time"

	"planguard/internal/types"
)

// featureRequirements is the static policy table: the minimum tier each
// gated feature requires. Tiers are ordered, so holding any tier at or above
// the requirement grants the feature.
var featureRequirements = map[types.FeatureID]types.Tier{
	types.FeatureGenreAnalysis:  types.TierPlus,
	types.FeatureSuggestions:    types.TierPlus,
	types.FeatureReferenceMode:  types.TierPro,
	types.FeaturePDFReport:      types.TierPro,
	types.FeatureAskAI:          types.TierPro,
	types.FeatureCorrectionPlan: types.TierStudio,
}

// Gate answers entitlement checks. It is read-only over the plan record and
// performs no I/O.
type Gate interface {
	// Check reports whether the record's effective tier at the given instant
	// covers the feature. Denials carry the required tier so callers can
	// render an upgrade prompt instead of a bare rejection.
	Check(rec *types.PlanRecord, feature types.FeatureID, now time.Time) types.EntitlementDecision
}

type staticGate struct{}

// NewGate returns the production entitlement gate backed by the static
// policy table.
func NewGate() Gate {
	return staticGate{}
}

// Check implements Gate. Unknown features and unknown tiers both deny: the
// gate fails closed.
func (staticGate) Check(rec *types.PlanRecord, feature types.FeatureID, now time.Time) types.EntitlementDecision {
	current := types.TierFree
	if rec != nil {
		current = rec.EffectiveTier(now)
	}

	required, known := featureRequirements[feature]
	if !known {
		return types.EntitlementDecision{
			Allowed:     false,
			Feature:     feature,
			CurrentTier: current,
			Message:     fmt.Sprintf("unknown feature %q", feature),
		}
	}

	if current.Rank() >= required.Rank() {
		return types.EntitlementDecision{
			Allowed:     true,
			Feature:     feature,
			CurrentTier: current,
		}
	}

	return types.EntitlementDecision{
		Allowed:      false,
		Feature:      feature,
		CurrentTier:  current,
		RequiredTier: required,
		Message:      fmt.Sprintf("%s requires the %s plan or above", feature, required),
	}
}

// FeaturesForTier lists every feature the tier grants, for the plan-info
// endpoint. The result is a fresh slice in stable policy-table order.
func FeaturesForTier(tier types.Tier) []types.FeatureID {
	ordered := []types.FeatureID{
		types.FeatureGenreAnalysis,
		types.FeatureSuggestions,
		types.FeatureReferenceMode,
		types.FeaturePDFReport,
		types.FeatureAskAI,
		types.FeatureCorrectionPlan,
	}
	out := make([]types.FeatureID, 0, len(ordered))
	for _, f := range ordered {
		if tier.Rank() >= featureRequirements[f].Rank() {
			out = append(out, f)
		}
	}
	return out
}

// KnownFeature reports whether the feature exists in the policy table.
func KnownFeature(feature types.FeatureID) bool {
	_, ok := featureRequirements[feature]
	return ok
}
