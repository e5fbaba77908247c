package plan

import (
	"testing"
	"time"

	"planguard/internal/types"
)

var gateNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func recordWithTier(tier types.Tier) *types.PlanRecord {
	rec := types.NewPlanRecord("user-1", gateNow.Add(-time.Hour))
	rec.Tier = tier
	if tier != types.TierFree {
		rec.Subscription = &types.SubscriptionSnapshot{
			SubscriptionID:   "sub_123",
			PriceRef:         "pro-monthly",
			Provider:         types.ProviderStripe,
			Status:           types.SubStatusActive,
			CurrentPeriodEnd: gateNow.Add(20 * 24 * time.Hour),
		}
	}
	return rec
}

func TestGateCheck_ExactTierAllows(t *testing.T) {
	gate := NewGate()
	dec := gate.Check(recordWithTier(types.TierPro), types.FeaturePDFReport, gateNow)
	if !dec.Allowed {
		t.Errorf("pro record denied pdf_report: %+v", dec)
	}
	if dec.CurrentTier != types.TierPro {
		t.Errorf("CurrentTier = %s, want pro", dec.CurrentTier)
	}
}

func TestGateCheck_HigherTierAllows(t *testing.T) {
	gate := NewGate()
	dec := gate.Check(recordWithTier(types.TierStudio), types.FeatureGenreAnalysis, gateNow)
	if !dec.Allowed {
		t.Errorf("studio record denied plus-level feature: %+v", dec)
	}
}

func TestGateCheck_DenialCarriesRequiredTier(t *testing.T) {
	gate := NewGate()
	dec := gate.Check(recordWithTier(types.TierPlus), types.FeatureCorrectionPlan, gateNow)

	if dec.Allowed {
		t.Fatal("plus record allowed a studio feature")
	}
	if dec.RequiredTier != types.TierStudio {
		t.Errorf("RequiredTier = %s, want studio", dec.RequiredTier)
	}
	if dec.CurrentTier != types.TierPlus {
		t.Errorf("CurrentTier = %s, want plus", dec.CurrentTier)
	}
	if dec.Message == "" {
		t.Error("denial should carry a human-readable message")
	}
}

func TestGateCheck_UnknownFeatureDenied(t *testing.T) {
	gate := NewGate()
	dec := gate.Check(recordWithTier(types.TierStudio), types.FeatureID("teleportation"), gateNow)
	if dec.Allowed {
		t.Error("unknown feature must fail closed")
	}
}

func TestGateCheck_UnknownTierTreatedAsFree(t *testing.T) {
	gate := NewGate()
	rec := recordWithTier(types.TierPro)
	rec.Tier = types.Tier("legacy_gold")

	dec := gate.Check(rec, types.FeatureGenreAnalysis, gateNow)
	if dec.Allowed {
		t.Error("unknown tier must fail closed")
	}
	if dec.CurrentTier != types.TierFree {
		t.Errorf("CurrentTier = %s, want free", dec.CurrentTier)
	}
}

func TestGateCheck_NilRecordDenied(t *testing.T) {
	gate := NewGate()
	dec := gate.Check(nil, types.FeatureGenreAnalysis, gateNow)
	if dec.Allowed {
		t.Error("nil record must deny")
	}
	if dec.CurrentTier != types.TierFree {
		t.Errorf("CurrentTier = %s, want free", dec.CurrentTier)
	}
}

func TestGateCheck_ExpiredGrantDenies(t *testing.T) {
	gate := NewGate()
	rec := types.NewPlanRecord("user-1", gateNow.Add(-48*time.Hour))
	rec.Tier = types.TierPlus
	rec.TierExpiresAt = types.ExpiryMap{types.TierPlus: gateNow.Add(-time.Hour)}

	dec := gate.Check(rec, types.FeatureGenreAnalysis, gateNow)
	if dec.Allowed {
		t.Error("expired time-boxed grant must deny even before the sweeper runs")
	}
	if dec.CurrentTier != types.TierFree {
		t.Errorf("CurrentTier = %s, want free", dec.CurrentTier)
	}
}

func TestGateCheck_CanceledWithinGraceAllows(t *testing.T) {
	gate := NewGate()
	rec := recordWithTier(types.TierPro)
	rec.Subscription.Status = types.SubStatusCanceledPending
	rec.Subscription.CurrentPeriodEnd = gateNow.Add(10 * 24 * time.Hour)

	dec := gate.Check(rec, types.FeaturePDFReport, gateNow)
	if !dec.Allowed {
		t.Errorf("canceled subscription inside grace window denied: %+v", dec)
	}

	dec = gate.Check(rec, types.FeaturePDFReport, rec.Subscription.CurrentPeriodEnd)
	if dec.Allowed {
		t.Error("entitlement must end once the paid period does")
	}
}

func TestFeaturesForTier(t *testing.T) {
	if got := FeaturesForTier(types.TierFree); len(got) != 0 {
		t.Errorf("free features = %v, want none", got)
	}
	if got := FeaturesForTier(types.TierPlus); len(got) != 2 {
		t.Errorf("plus features = %v, want genre_analysis and suggestions", got)
	}
	if got := FeaturesForTier(types.TierStudio); len(got) != len(featureRequirements) {
		t.Errorf("studio features = %v, want all %d", got, len(featureRequirements))
	}
}

func TestKnownFeature(t *testing.T) {
	if !KnownFeature(types.FeatureAskAI) {
		t.Error("ask_ai should be known")
	}
	if KnownFeature(types.FeatureID("nope")) {
		t.Error("nope should be unknown")
	}
}
