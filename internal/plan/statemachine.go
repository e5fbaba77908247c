package plan

import (
	"fmt"
	"log/slog"
	"time"

	"planguard/internal/types"
)

// defaultGrantDuration backs PurchaseCompleted events whose provider payload
// carried no explicit access window.
const defaultGrantDuration = 30 * 24 * time.Hour

// firstInvoiceReason is the billing_reason providers attach to the invoice
// that accompanies a brand-new subscription.
const firstInvoiceReason = "subscription_create"

// EffectKind names a side effect the caller must perform after the state
// transition durably commits. The machine itself never performs I/O.
type EffectKind string

const (
	EffectWelcomeEmail EffectKind = "welcome_email"
)

// Effect is a deferred side effect produced by a transition.
type Effect struct {
	Kind   EffectKind
	UserID string
	Email  string
	Tier   types.Tier
}

// Result is the outcome of applying one lifecycle event to a plan record.
type Result struct {
	// Record is the post-transition state. It is always a fresh copy; the
	// input record is never mutated.
	Record *types.PlanRecord

	// Changed reports whether Record differs from the input and needs a
	// durable write. Events like InvoiceFailed acknowledge without writing.
	Changed bool

	// Outcome is the ledger outcome string recorded for the event.
	Outcome string

	Effects []Effect
}

// Machine applies lifecycle events to plan records. It is a pure transition
// function over the record: no store access, no clock reads beyond the
// explicit now argument, so transitions are trivially replayable in tests.
type Machine struct {
	catalog Catalog
	logger  *slog.Logger
}

// NewMachine returns a state machine bound to the given catalog.
func NewMachine(catalog Catalog, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{catalog: catalog, logger: logger}
}

// Apply computes the record state after the event. Transitions re-derive the
// tier from the event's own payload rather than stepping the previous value,
// which makes applying events for the same subscription out of order
// converge to the state the newest event describes.
//
// Unmapped plan references return an error carrying ErrCodeProcessUnmappedPlan;
// the caller acknowledges those to the provider and ledgers them for manual
// reconciliation instead of retrying.
func (m *Machine) Apply(rec *types.PlanRecord, ev *types.LifecycleEvent, now time.Time) (*Result, error) {
	next := rec.Clone()

	switch ev.Kind {
	case types.EventPurchaseCompleted:
		return m.applyPurchase(next, ev, now)
	case types.EventPurchaseRevoked:
		return m.applyRevocation(next, ev, now)
	case types.EventSubscriptionActivated:
		return m.applyActivation(next, ev, now)
	case types.EventSubscriptionUpdated:
		return m.applyUpdate(next, ev, now)
	case types.EventSubscriptionCanceled:
		return m.applyCancellation(next, ev)
	case types.EventInvoicePaid:
		return m.applyInvoicePaid(next, ev, now)
	case types.EventInvoiceFailed:
		return m.applyInvoiceFailed(next, ev)
	case types.EventUnrecognized:
		return &Result{Record: next, Outcome: types.OutcomeIgnored}, nil
	default:
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("unsupported lifecycle event kind %q", ev.Kind), nil)
	}
}

// Grant applies a manual time-boxed grant through the same path a completed
// purchase takes: the grant never shortens an existing expiry and the tier
// precedence rule applies. Used by the operator grant endpoint and the
// purchase-verification fallback.
func (m *Machine) Grant(rec *types.PlanRecord, tier types.Tier, dur time.Duration, now time.Time) (*Result, error) {
	if !tier.Valid() || tier == types.TierFree {
		return nil, types.NewAppError(types.ErrCodeValidationTier,
			fmt.Sprintf("cannot grant tier %q", tier), nil)
	}

	next := rec.Clone()
	if dur <= 0 {
		dur = defaultGrantDuration
	}
	if next.TierExpiresAt == nil {
		next.TierExpiresAt = types.ExpiryMap{}
	}
	expiry := now.Add(dur)
	if existing, ok := next.TierExpiresAt[tier]; ok && existing.After(expiry) {
		expiry = existing
	}
	next.TierExpiresAt[tier] = expiry

	m.adoptTier(next, &types.LifecycleEvent{}, tier, now, false)
	return &Result{Record: next, Changed: true, Outcome: types.OutcomeApplied}, nil
}

// applyPurchase handles a completed one-time purchase: a time-boxed grant of
// the purchased tier.
func (m *Machine) applyPurchase(rec *types.PlanRecord, ev *types.LifecycleEvent, now time.Time) (*Result, error) {
	if ev.Purchase == nil {
		return nil, missingSection(ev, "purchase")
	}
	tier, ok := m.catalog.Resolve(ev.Provider, ev.Purchase.PlanRef)
	if !ok {
		return nil, unmappedRef(ev, ev.Purchase.PlanRef)
	}

	dur := ev.Purchase.Duration
	if dur <= 0 {
		dur = defaultGrantDuration
	}
	if rec.TierExpiresAt == nil {
		rec.TierExpiresAt = types.ExpiryMap{}
	}
	expiry := now.Add(dur)
	if existing, ok := rec.TierExpiresAt[tier]; ok && existing.After(expiry) {
		// Redelivered or overlapping purchase; never shorten a grant.
		expiry = existing
	}
	rec.TierExpiresAt[tier] = expiry

	wasFree := rec.EffectiveTier(now) == types.TierFree
	effects := m.adoptTier(rec, ev, tier, now, wasFree)
	return &Result{Record: rec, Changed: true, Outcome: types.OutcomeApplied, Effects: effects}, nil
}

// applyRevocation handles a refund or chargeback on a one-time purchase: the
// money went back, so the time-boxed grant the purchase created is withdrawn
// immediately rather than running out its natural expiry. A subscription that
// still entitles the user is untouched; refunds on purchases never cancel an
// independently paid subscription.
func (m *Machine) applyRevocation(rec *types.PlanRecord, ev *types.LifecycleEvent, now time.Time) (*Result, error) {
	if ev.Purchase == nil {
		return nil, missingSection(ev, "purchase")
	}
	tier, ok := m.catalog.Resolve(ev.Provider, ev.Purchase.PlanRef)
	if !ok {
		return nil, unmappedRef(ev, ev.Purchase.PlanRef)
	}

	_, hadGrant := rec.TierExpiresAt[tier]
	delete(rec.TierExpiresAt, tier)

	prior := rec.Tier
	if rec.Tier == tier && !rec.Subscription.EntitlesAt(now) {
		m.demote(rec, now)
	}

	if !hadGrant && rec.Tier == prior {
		// Nothing to withdraw: the grant already expired or was never seen.
		return &Result{Record: rec, Outcome: types.OutcomeIgnored}, nil
	}

	m.logger.Info("time-boxed grant revoked",
		slog.String("user_id", rec.UserID),
		slog.String("provider", string(ev.Provider)),
		slog.String("revoked", string(tier)),
		slog.String("tier", string(rec.Tier)))
	return &Result{Record: rec, Changed: true, Outcome: types.OutcomeApplied}, nil
}

// applyActivation handles a new subscription: attach the snapshot and grant
// the tier its price maps to.
func (m *Machine) applyActivation(rec *types.PlanRecord, ev *types.LifecycleEvent, now time.Time) (*Result, error) {
	if ev.Subscription == nil {
		return nil, missingSection(ev, "subscription")
	}
	tier, ok := m.catalog.Resolve(ev.Provider, ev.Subscription.PriceRef)
	if !ok {
		return nil, unmappedRef(ev, ev.Subscription.PriceRef)
	}

	status := ev.Subscription.Status
	if status == "" {
		status = types.SubStatusActive
	}
	wasFree := rec.EffectiveTier(now) == types.TierFree

	rec.Subscription = &types.SubscriptionSnapshot{
		SubscriptionID:    ev.Subscription.SubscriptionID,
		CustomerID:        ev.Subscription.CustomerID,
		PriceRef:          ev.Subscription.PriceRef,
		Provider:          ev.Provider,
		Status:            status,
		CurrentPeriodEnd:  ev.Subscription.CurrentPeriodEnd,
		CancelAtPeriodEnd: ev.Subscription.CancelAtPeriodEnd,
	}

	effects := m.adoptTier(rec, ev, tier, now, wasFree)
	return &Result{Record: rec, Changed: true, Outcome: types.OutcomeApplied, Effects: effects}, nil
}

// applyUpdate handles a status change on an existing subscription. The new
// status is taken verbatim from the event; the tier is re-derived from it.
func (m *Machine) applyUpdate(rec *types.PlanRecord, ev *types.LifecycleEvent, now time.Time) (*Result, error) {
	if ev.Subscription == nil {
		return nil, missingSection(ev, "subscription")
	}

	su := ev.Subscription
	switch su.Status {
	case types.SubStatusActive, types.SubStatusTrialing:
		// A full activation, including self-healing a record the sweeper
		// downgraded after a missed renewal event.
		return m.applyActivation(rec, ev, now)

	case types.SubStatusPastDue:
		// Grace period: keep the tier, record the distress.
		if rec.Subscription == nil {
			rec.Subscription = snapshotFromEvent(ev)
		}
		rec.Subscription.Status = types.SubStatusPastDue
		if !su.CurrentPeriodEnd.IsZero() {
			rec.Subscription.CurrentPeriodEnd = su.CurrentPeriodEnd
		}
		return &Result{Record: rec, Changed: true, Outcome: types.OutcomeApplied}, nil

	case types.SubStatusUnpaid, types.SubStatusIncomplete,
		types.SubStatusIncompleteExpired, types.SubStatusExpired:
		// The provider has given up collecting. This is the one path that
		// bypasses the period-end grace window.
		if rec.Subscription == nil {
			rec.Subscription = snapshotFromEvent(ev)
		}
		rec.Subscription.Status = su.Status
		m.demote(rec, now)
		return &Result{Record: rec, Changed: true, Outcome: types.OutcomeApplied}, nil

	case types.SubStatusCanceledPending:
		return m.applyCancellation(rec, ev)

	default:
		m.logger.Warn("subscription update with unrecognized status ignored",
			slog.String("provider", string(ev.Provider)),
			slog.String("status", string(su.Status)),
			slog.String("external_id", ev.ExternalID))
		return &Result{Record: rec, Outcome: types.OutcomeIgnored}, nil
	}
}

// applyCancellation marks the subscription as ending at period end. The tier
// stays until the sweeper observes the period end passing.
func (m *Machine) applyCancellation(rec *types.PlanRecord, ev *types.LifecycleEvent) (*Result, error) {
	if ev.Subscription == nil {
		return nil, missingSection(ev, "subscription")
	}
	if rec.Subscription == nil {
		rec.Subscription = snapshotFromEvent(ev)
	}
	rec.Subscription.Status = types.SubStatusCanceledPending
	rec.Subscription.CancelAtPeriodEnd = true
	if !ev.Subscription.CurrentPeriodEnd.IsZero() {
		rec.Subscription.CurrentPeriodEnd = ev.Subscription.CurrentPeriodEnd
	}
	return &Result{Record: rec, Changed: true, Outcome: types.OutcomeApplied}, nil
}

// applyInvoicePaid handles a successful renewal charge.
func (m *Machine) applyInvoicePaid(rec *types.PlanRecord, ev *types.LifecycleEvent, now time.Time) (*Result, error) {
	if ev.Invoice == nil {
		return nil, missingSection(ev, "invoice")
	}
	if ev.Invoice.BillingReason == firstInvoiceReason {
		// The activation event for the same payment performs the grant.
		// Handling it here too would race a duplicate grant when the two
		// notifications arrive in either order.
		return &Result{Record: rec, Outcome: types.OutcomeIgnored}, nil
	}

	if rec.Subscription == nil {
		// Renewal for a subscription we never saw activate. Synthesize the
		// snapshot so the period end is tracked; the tier is restored only
		// if the invoice carries a resolvable price.
		rec.Subscription = &types.SubscriptionSnapshot{
			SubscriptionID:   ev.Invoice.SubscriptionID,
			PriceRef:         ev.Invoice.PriceRef,
			Provider:         ev.Provider,
			Status:           types.SubStatusActive,
			CurrentPeriodEnd: ev.Invoice.CurrentPeriodEnd,
		}
	} else {
		rec.Subscription.Status = types.SubStatusActive
		if !ev.Invoice.CurrentPeriodEnd.IsZero() {
			rec.Subscription.CurrentPeriodEnd = ev.Invoice.CurrentPeriodEnd
		}
	}

	// Self-healing: a paid invoice proves the relationship is alive even if
	// the sweeper already downgraded the record.
	priceRef := rec.Subscription.PriceRef
	if tier, ok := m.catalog.Resolve(ev.Provider, priceRef); ok && rec.Tier != tier {
		m.adoptTier(rec, ev, tier, now, false)
	}

	return &Result{Record: rec, Changed: true, Outcome: types.OutcomeApplied}, nil
}

// applyInvoiceFailed records a failed renewal attempt. No downgrade happens
// here: that arrives as SubscriptionUpdated(unpaid) once the provider
// exhausts its retries, or via the sweeper once the paid period ends.
func (m *Machine) applyInvoiceFailed(rec *types.PlanRecord, ev *types.LifecycleEvent) (*Result, error) {
	if ev.Invoice == nil {
		return nil, missingSection(ev, "invoice")
	}
	m.logger.Info("invoice payment failed, awaiting provider retries",
		slog.String("provider", string(ev.Provider)),
		slog.String("subscription_id", ev.Invoice.SubscriptionID),
		slog.Int("attempt", ev.Invoice.AttemptNumber))
	return &Result{Record: rec, Outcome: types.OutcomeIgnored}, nil
}

// adoptTier moves the record onto the given tier unless a live grant already
// outranks it: a lower grant must never downgrade a tier the user still
// legitimately holds. When the new tier wins, time-boxed grants for other
// tiers are cleared so the user holds exactly one effective tier. Returns a
// welcome-email effect for first-time upgrades off free.
func (m *Machine) adoptTier(rec *types.PlanRecord, ev *types.LifecycleEvent, tier types.Tier, now time.Time, welcome bool) []Effect {
	current := rec.EffectiveTier(now)
	if current.Above(tier) {
		m.logger.Info("grant below current effective tier, keeping higher tier",
			slog.String("user_id", rec.UserID),
			slog.String("current", string(current)),
			slog.String("granted", string(tier)))
		rec.Tier = current
		return nil
	}

	rec.Tier = tier
	for t := range rec.TierExpiresAt {
		if t != tier {
			delete(rec.TierExpiresAt, t)
		}
	}

	if welcome && tier != types.TierFree {
		return []Effect{{
			Kind:   EffectWelcomeEmail,
			UserID: rec.UserID,
			Email:  ev.BuyerEmail,
			Tier:   tier,
		}}
	}
	return nil
}

// demote drops the record to the best remaining justification: a live
// time-boxed grant on another tier, else free.
func (m *Machine) demote(rec *types.PlanRecord, now time.Time) {
	best := types.TierFree
	for t, exp := range rec.TierExpiresAt {
		if now.Before(exp) && t.Above(best) {
			best = t
		}
	}
	rec.Tier = best
}

// snapshotFromEvent builds a snapshot for updates arriving before any
// activation event did, so the terminal status is not lost.
func snapshotFromEvent(ev *types.LifecycleEvent) *types.SubscriptionSnapshot {
	return &types.SubscriptionSnapshot{
		SubscriptionID:    ev.Subscription.SubscriptionID,
		CustomerID:        ev.Subscription.CustomerID,
		PriceRef:          ev.Subscription.PriceRef,
		Provider:          ev.Provider,
		Status:            ev.Subscription.Status,
		CurrentPeriodEnd:  ev.Subscription.CurrentPeriodEnd,
		CancelAtPeriodEnd: ev.Subscription.CancelAtPeriodEnd,
	}
}

func missingSection(ev *types.LifecycleEvent, section string) error {
	return types.NewAppError(types.ErrCodeValidationPayload,
		fmt.Sprintf("%s event %s is missing its %s section", ev.Kind, ev.ExternalID, section), nil)
}

func unmappedRef(ev *types.LifecycleEvent, ref string) error {
	return types.NewAppErrorWithDetails(types.ErrCodeProcessUnmappedPlan,
		fmt.Sprintf("plan reference %q is not in the catalog", ref), nil,
		map[string]any{
			"provider":    string(ev.Provider),
			"external_id": ev.ExternalID,
			"plan_ref":    ref,
		})
}
