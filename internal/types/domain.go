package types

import (
	"time"
)

// SubscriptionSnapshot is the cached state of a recurring-billing
// relationship, kept so entitlement can be judged without a synchronous
// provider call.
type SubscriptionSnapshot struct {
	SubscriptionID    string             `json:"subscription_id"`
	CustomerID        string             `json:"customer_id,omitempty"`
	PriceRef          string             `json:"price_ref"`
	Provider          Provider           `json:"provider"`
	Status            SubscriptionStatus `json:"status"`
	CurrentPeriodEnd  time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd bool               `json:"cancel_at_period_end"`
}

// pastDueDunningMargin bounds how long a past_due subscription keeps
// entitling beyond its recorded period end. Providers either collect or emit
// an unpaid notification well inside this window; a past_due record older
// than that means the terminal webhook was lost and the sweeper takes over.
const pastDueDunningMargin = 3 * 24 * time.Hour

// EntitlesAt reports whether the snapshot justifies a paid tier at the given
// instant. Active and trialing entitle unconditionally (renewals move the
// period end forward); canceled_pending entitles until period end; past_due
// entitles until shortly after it. Nil receivers report false.
func (s *SubscriptionSnapshot) EntitlesAt(now time.Time) bool {
	if s == nil || !s.Status.Entitles() {
		return false
	}
	switch s.Status {
	case SubStatusCanceledPending:
		return now.Before(s.CurrentPeriodEnd)
	case SubStatusPastDue:
		if s.CurrentPeriodEnd.IsZero() {
			return true
		}
		return now.Before(s.CurrentPeriodEnd.Add(pastDueDunningMargin))
	default:
		return true
	}
}

// ExpiryMap records per-tier expiry timestamps for time-boxed grants
// (one-time purchases and manual admin grants). Stored as JSONB.
type ExpiryMap map[Tier]time.Time

// Clone returns a copy so state-machine transitions never mutate the
// record they were handed.
func (m ExpiryMap) Clone() ExpiryMap {
	if m == nil {
		return nil
	}
	out := make(ExpiryMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// PlanRecord is the single per-user source of truth for entitlement.
// One row per user, keyed by user ID.
type PlanRecord struct {
	UserID string `json:"user_id" db:"user_id"`
	Tier   Tier   `json:"tier" db:"tier"`

	// TierExpiresAt holds expiries for time-boxed (non-subscription) grants.
	// A tier with no subscription backing is valid only while now < expiry.
	TierExpiresAt ExpiryMap `json:"tier_expires_at,omitempty" db:"tier_expires_at"`

	// Subscription is present only when the tier is backed by an active
	// recurring-billing relationship.
	Subscription *SubscriptionSnapshot `json:"subscription,omitempty" db:"subscription"`

	// LastEventAt is the provider timestamp of the newest lifecycle event
	// applied to this record. Used for optimistic locking so that late
	// deliveries of older events never clobber newer state.
	LastEventAt *time.Time `json:"last_event_at,omitempty" db:"last_event_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// NewPlanRecord returns the lazily-created default record for a user who has
// never produced a billing signal.
func NewPlanRecord(userID string, now time.Time) *PlanRecord {
	return &PlanRecord{
		UserID:    userID,
		Tier:      TierFree,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy of the record.
func (p *PlanRecord) Clone() *PlanRecord {
	out := *p
	out.TierExpiresAt = p.TierExpiresAt.Clone()
	if p.Subscription != nil {
		sub := *p.Subscription
		out.Subscription = &sub
	}
	return &out
}

// Source reports what currently justifies the record's tier.
func (p *PlanRecord) Source(now time.Time) GrantSource {
	if p.Tier == TierFree {
		return GrantSourceNone
	}
	if p.Subscription.EntitlesAt(now) {
		return GrantSourceSubscription
	}
	if exp, ok := p.TierExpiresAt[p.Tier]; ok && now.Before(exp) {
		return GrantSourceTimeBoxed
	}
	return GrantSourceNone
}

// EffectiveTier resolves the tier the user is actually entitled to at the
// given instant, without mutating the record. A paid tier whose backing has
// lapsed (expired grant, terminal subscription past period end) resolves to
// free; the sweeper performs the durable downgrade.
func (p *PlanRecord) EffectiveTier(now time.Time) Tier {
	if p.Tier == TierFree || !p.Tier.Valid() {
		return TierFree
	}
	if p.Subscription.EntitlesAt(now) {
		return p.Tier
	}
	if exp, ok := p.TierExpiresAt[p.Tier]; ok && now.Before(exp) {
		return p.Tier
	}
	return TierFree
}

// IdempotencyRecord marks a provider notification as processed. Existence of
// the row is the dedupe signal; rows are written once and never mutated.
type IdempotencyRecord struct {
	Provider   Provider  `json:"provider" db:"provider"`
	ExternalID string    `json:"external_id" db:"external_id"`
	UserID     string    `json:"user_id,omitempty" db:"user_id"`
	BuyerEmail string    `json:"buyer_email,omitempty" db:"buyer_email"`
	Outcome    string    `json:"outcome" db:"outcome"`
	ProcessedAt time.Time `json:"processed_at" db:"processed_at"`

	// PayloadArchive holds the zstd-compressed raw notification body for
	// manual reconciliation. Not exposed over the API.
	PayloadArchive []byte `json:"-" db:"payload_archive"`
}

// LedgerKey renders the namespaced idempotency key {provider}:{externalId}.
func (r *IdempotencyRecord) LedgerKey() string {
	return string(r.Provider) + ":" + r.ExternalID
}

// Processing outcome values recorded in the ledger.
const (
	OutcomeApplied        = "applied"
	OutcomeDuplicate      = "duplicate"
	OutcomeIgnored        = "ignored"
	OutcomeUnresolvedUser = "unresolved_user"
	OutcomeUnmappedPlan   = "unmapped_plan_ref"
)

// SweepError records a single failed record inside a sweep batch.
type SweepError struct {
	UserID string `json:"user_id"`
	Error  string `json:"error"`
}

// SweepSummary is the operator-facing result of one sweeper run.
type SweepSummary struct {
	Scanned    int          `json:"scanned"`
	Downgraded int          `json:"downgraded"`
	Errors     []SweepError `json:"errors"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// EntitlementDecision is the structured result of an entitlement check.
// Never collapsed to a bare boolean at the HTTP boundary so callers can
// render an upgrade prompt.
type EntitlementDecision struct {
	Allowed      bool      `json:"allowed"`
	Feature      FeatureID `json:"feature"`
	CurrentTier  Tier      `json:"current_tier"`
	RequiredTier Tier      `json:"required_tier,omitempty"`
	Message      string    `json:"message,omitempty"`
}
