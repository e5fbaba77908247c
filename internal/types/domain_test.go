package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func TestTier_Rank(t *testing.T) {
	assert.Equal(t, 0, TierFree.Rank())
	assert.Equal(t, 1, TierPlus.Rank())
	assert.Equal(t, 2, TierPro.Rank())
	assert.Equal(t, 3, TierStudio.Rank())
	assert.Equal(t, -1, Tier("enterprise").Rank())

	assert.True(t, TierPro.Above(TierPlus))
	assert.False(t, TierPlus.Above(TierPlus))
	assert.False(t, TierFree.Above(TierPlus))
}

func TestSubscriptionStatus_Entitles(t *testing.T) {
	entitling := []SubscriptionStatus{
		SubStatusActive, SubStatusTrialing, SubStatusPastDue, SubStatusCanceledPending,
	}
	for _, s := range entitling {
		assert.True(t, s.Entitles(), "status %s should entitle", s)
	}

	nonEntitling := []SubscriptionStatus{
		SubStatusUnpaid, SubStatusIncomplete, SubStatusIncompleteExpired, SubStatusExpired,
	}
	for _, s := range nonEntitling {
		assert.False(t, s.Entitles(), "status %s should not entitle", s)
	}
}

func TestPlanRecord_EffectiveTier_SubscriptionBacked(t *testing.T) {
	rec := &PlanRecord{
		UserID: "user-1",
		Tier:   TierPro,
		Subscription: &SubscriptionSnapshot{
			SubscriptionID:   "sub_123",
			Provider:         ProviderStripe,
			Status:           SubStatusActive,
			CurrentPeriodEnd: testNow.Add(20 * 24 * time.Hour),
		},
	}

	assert.Equal(t, TierPro, rec.EffectiveTier(testNow))
	assert.Equal(t, GrantSourceSubscription, rec.Source(testNow))
}

func TestPlanRecord_EffectiveTier_GracePeriod(t *testing.T) {
	periodEnd := testNow.Add(48 * time.Hour)
	rec := &PlanRecord{
		UserID: "user-1",
		Tier:   TierPlus,
		Subscription: &SubscriptionSnapshot{
			SubscriptionID:    "sub_123",
			Provider:          ProviderStripe,
			Status:            SubStatusCanceledPending,
			CurrentPeriodEnd:  periodEnd,
			CancelAtPeriodEnd: true,
		},
	}

	// Canceled but inside the paid period: access continues.
	assert.Equal(t, TierPlus, rec.EffectiveTier(testNow))

	// At and after period end: no entitlement.
	assert.Equal(t, TierFree, rec.EffectiveTier(periodEnd))
	assert.Equal(t, TierFree, rec.EffectiveTier(periodEnd.Add(time.Minute)))
}

func TestPlanRecord_EffectiveTier_PastDueBoundedByPeriodEnd(t *testing.T) {
	rec := &PlanRecord{
		UserID: "user-1",
		Tier:   TierPro,
		Subscription: &SubscriptionSnapshot{
			SubscriptionID:   "sub_123",
			Provider:         ProviderStripe,
			Status:           SubStatusPastDue,
			CurrentPeriodEnd: testNow.Add(24 * time.Hour),
		},
	}

	// Still inside the paid period: dunning in progress, access continues.
	assert.Equal(t, TierPro, rec.EffectiveTier(testNow))
	assert.Equal(t, GrantSourceSubscription, rec.Source(testNow))

	// Shortly past period end: the margin covers a late unpaid notification.
	rec.Subscription.CurrentPeriodEnd = testNow.Add(-24 * time.Hour)
	assert.Equal(t, TierPro, rec.EffectiveTier(testNow))

	// Long past period end: the terminal webhook was lost; the subscription
	// must not entitle forever.
	rec.Subscription.CurrentPeriodEnd = testNow.Add(-30 * 24 * time.Hour)
	assert.Equal(t, TierFree, rec.EffectiveTier(testNow))
	assert.Equal(t, GrantSourceNone, rec.Source(testNow))
}

func TestSubscriptionSnapshot_EntitlesAt(t *testing.T) {
	var nilSnap *SubscriptionSnapshot
	assert.False(t, nilSnap.EntitlesAt(testNow))

	active := &SubscriptionSnapshot{Status: SubStatusActive, CurrentPeriodEnd: testNow.Add(-90 * 24 * time.Hour)}
	assert.True(t, active.EntitlesAt(testNow), "active entitles regardless of a stale period end")

	pastDueNoEnd := &SubscriptionSnapshot{Status: SubStatusPastDue}
	assert.True(t, pastDueNoEnd.EntitlesAt(testNow), "past_due without a recorded period end is unbounded")

	unpaid := &SubscriptionSnapshot{Status: SubStatusUnpaid, CurrentPeriodEnd: testNow.Add(24 * time.Hour)}
	assert.False(t, unpaid.EntitlesAt(testNow))
}

func TestPlanRecord_EffectiveTier_TimeBoxed(t *testing.T) {
	exp := testNow.Add(10 * 24 * time.Hour)
	rec := &PlanRecord{
		UserID:        "user-1",
		Tier:          TierPlus,
		TierExpiresAt: ExpiryMap{TierPlus: exp},
	}

	assert.Equal(t, TierPlus, rec.EffectiveTier(testNow))
	assert.Equal(t, GrantSourceTimeBoxed, rec.Source(testNow))

	// Expiry is exclusive: at the boundary the grant has lapsed.
	assert.Equal(t, TierFree, rec.EffectiveTier(exp))
	assert.Equal(t, GrantSourceNone, rec.Source(exp))
}

func TestPlanRecord_EffectiveTier_TerminalSubscriptionFallsBackToGrant(t *testing.T) {
	// A lapsed subscription does not shadow a still-valid time-boxed grant
	// for the same tier.
	rec := &PlanRecord{
		UserID:        "user-1",
		Tier:          TierPro,
		TierExpiresAt: ExpiryMap{TierPro: testNow.Add(5 * 24 * time.Hour)},
		Subscription: &SubscriptionSnapshot{
			SubscriptionID:   "sub_123",
			Provider:         ProviderStripe,
			Status:           SubStatusExpired,
			CurrentPeriodEnd: testNow.Add(-24 * time.Hour),
		},
	}

	assert.Equal(t, TierPro, rec.EffectiveTier(testNow))
}

func TestPlanRecord_Clone(t *testing.T) {
	rec := &PlanRecord{
		UserID:        "user-1",
		Tier:          TierPro,
		TierExpiresAt: ExpiryMap{TierPlus: testNow},
		Subscription:  &SubscriptionSnapshot{SubscriptionID: "sub_123"},
	}

	clone := rec.Clone()
	require.NotSame(t, rec, clone)

	clone.TierExpiresAt[TierPro] = testNow
	clone.Subscription.SubscriptionID = "sub_456"

	assert.NotContains(t, rec.TierExpiresAt, TierPro)
	assert.Equal(t, "sub_123", rec.Subscription.SubscriptionID)
}

func TestIdempotencyRecord_LedgerKey(t *testing.T) {
	rec := &IdempotencyRecord{Provider: ProviderHotmart, ExternalID: "evt_42"}
	assert.Equal(t, "hotmart:evt_42", rec.LedgerKey())
}
