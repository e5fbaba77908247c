package types

// Tier identifies the effective entitlement level held by a user.
type Tier string

const (
	TierFree   Tier = "free"
	TierPlus   Tier = "plus"
	TierPro    Tier = "pro"
	TierStudio Tier = "studio"
)

// tierRank orders tiers from least to most privileged. Unknown tiers rank
// below free so they can never outrank a real grant.
var tierRank = map[Tier]int{
	TierFree:   0,
	TierPlus:   1,
	TierPro:    2,
	TierStudio: 3,
}

// Rank returns the ordering value for the tier. Unknown tiers return -1.
func (t Tier) Rank() int {
	if r, ok := tierRank[t]; ok {
		return r
	}
	return -1
}

// Valid reports whether the tier is one of the known values.
func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// Above reports whether t is a strictly higher tier than other.
func (t Tier) Above(other Tier) bool {
	return t.Rank() > other.Rank()
}

// SubscriptionStatus mirrors the lifecycle states a recurring-billing
// relationship moves through. Values use the wire spelling shared by the
// providers so snapshots round-trip without translation.
type SubscriptionStatus string

const (
	SubStatusActive            SubscriptionStatus = "active"
	SubStatusTrialing          SubscriptionStatus = "trialing"
	SubStatusPastDue           SubscriptionStatus = "past_due"
	SubStatusUnpaid            SubscriptionStatus = "unpaid"
	SubStatusCanceledPending   SubscriptionStatus = "canceled_pending_period_end"
	SubStatusIncomplete        SubscriptionStatus = "incomplete"
	SubStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubStatusExpired           SubscriptionStatus = "expired"
)

// Entitles reports whether the status still justifies a paid tier.
// Trialing counts as active: the provider holds a payment method on file.
func (s SubscriptionStatus) Entitles() bool {
	switch s {
	case SubStatusActive, SubStatusTrialing, SubStatusPastDue, SubStatusCanceledPending:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status is a dead end that must never be
// silently overridden by a stale time-boxed grant.
func (s SubscriptionStatus) Terminal() bool {
	switch s {
	case SubStatusUnpaid, SubStatusIncomplete, SubStatusIncompleteExpired, SubStatusExpired:
		return true
	default:
		return false
	}
}

// Provider identifies the payment provider that originated a notification.
// The value doubles as the idempotency ledger namespace, because two
// providers may coincidentally reuse numeric identifiers.
type Provider string

const (
	ProviderStripe      Provider = "stripe"
	ProviderHotmart     Provider = "hotmart"
	ProviderMercadoPago Provider = "mercadopago"
)

// Valid reports whether the provider is one of the configured namespaces.
func (p Provider) Valid() bool {
	switch p {
	case ProviderStripe, ProviderHotmart, ProviderMercadoPago:
		return true
	default:
		return false
	}
}

// FeatureID names a gated product capability consulted through the
// entitlement gate.
type FeatureID string

const (
	FeatureGenreAnalysis  FeatureID = "genre_analysis"
	FeatureSuggestions    FeatureID = "suggestions"
	FeatureReferenceMode  FeatureID = "reference_mode"
	FeaturePDFReport      FeatureID = "pdf_report"
	FeatureAskAI          FeatureID = "ask_ai"
	FeatureCorrectionPlan FeatureID = "correction_plan"
)

// GrantSource distinguishes how the current tier was obtained.
type GrantSource string

const (
	GrantSourceSubscription GrantSource = "subscription"
	GrantSourceTimeBoxed    GrantSource = "time_boxed"
	GrantSourceNone         GrantSource = "none"
)
