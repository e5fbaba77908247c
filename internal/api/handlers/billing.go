package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"planguard/internal/core"
	"planguard/internal/external"
	"planguard/internal/plan"
	"planguard/internal/types"
)

// PlanStore extends the read surface with the writes the billing endpoints
// perform outside the webhook pipeline.
type PlanStore interface {
	PlanReader
	GetOrCreate(ctx context.Context, userID string, now time.Time) (*types.PlanRecord, error)
	Save(ctx context.Context, rec *types.PlanRecord, eventTimestamp time.Time) (bool, error)
}

// LedgerSearcher is the ledger access the purchase-verification fallback
// needs.
type LedgerSearcher interface {
	FindByBuyerEmail(ctx context.Context, email string, limit int) ([]*types.IdempotencyRecord, error)
	Get(ctx context.Context, provider types.Provider, externalID string) (*types.IdempotencyRecord, []byte, error)
}

// BillingHandler serves the user-facing plan endpoints: plan info,
// subscription cancellation, and manual purchase verification.
type BillingHandler struct {
	plans     PlanStore
	ledger    LedgerSearcher
	adapters  AdapterSource
	machine   *plan.Machine
	canceler  external.SubscriptionCanceler
	validator *core.Validator
	clock     types.Clock
	logger    *slog.Logger
}

// NewBillingHandler creates a BillingHandler.
func NewBillingHandler(
	plans PlanStore,
	ledger LedgerSearcher,
	adapters AdapterSource,
	machine *plan.Machine,
	canceler external.SubscriptionCanceler,
	v *core.Validator,
	clock types.Clock,
	logger *slog.Logger,
) *BillingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &BillingHandler{
		plans:     plans,
		ledger:    ledger,
		adapters:  adapters,
		machine:   machine,
		canceler:  canceler,
		validator: v,
		clock:     clock,
		logger:    logger,
	}
}

// RegisterRoutes mounts the billing endpoints behind the user-identity
// requirement.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(RequireUser)
		r.Get("/billing/plan", h.GetPlan)
		r.Post("/billing/cancel", h.Cancel)
		r.Post("/billing/verify-purchase", h.VerifyPurchase)
	})
}

// planInfoResponse is the response for GET /v1/billing/plan.
type planInfoResponse struct {
	UserID        string                      `json:"user_id"`
	Tier          types.Tier                  `json:"tier"`
	EffectiveTier types.Tier                  `json:"effective_tier"`
	TierExpiresAt types.ExpiryMap             `json:"tier_expires_at,omitempty"`
	Subscription  *types.SubscriptionSnapshot `json:"subscription,omitempty"`
	UpdatedAt     time.Time                   `json:"updated_at"`
}

// GetPlan handles GET /v1/billing/plan. Users without a record get the free
// default; the read path never provisions rows.
func (h *BillingHandler) GetPlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := types.GetUserID(ctx)
	now := h.clock.Now()

	rec, err := h.plans.GetByUserID(ctx, userID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundPlan {
			core.JSON(w, r, http.StatusOK, core.APIResponse{Data: planInfoResponse{
				UserID:        userID,
				Tier:          types.TierFree,
				EffectiveTier: types.TierFree,
			}})
			return
		}
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: planInfoResponse{
		UserID:        rec.UserID,
		Tier:          rec.Tier,
		EffectiveTier: rec.EffectiveTier(now),
		TierExpiresAt: rec.TierExpiresAt,
		Subscription:  rec.Subscription,
		UpdatedAt:     rec.UpdatedAt,
	}})
}

// cancelResponse is the response for POST /v1/billing/cancel.
type cancelResponse struct {
	Status          types.SubscriptionStatus `json:"status"`
	EntitledThrough time.Time                `json:"entitled_through"`
}

// Cancel handles POST /v1/billing/cancel: asks the provider to stop renewing
// at period end, then records the pending cancellation locally. Entitlement
// persists until the paid period lapses; the sweeper performs the eventual
// downgrade.
func (h *BillingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := types.GetUserID(ctx)
	now := h.clock.Now()

	rec, err := h.plans.GetByUserID(ctx, userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	sub := rec.Subscription
	if sub == nil || !sub.Status.Entitles() {
		core.Error(w, r, types.NewAppError(types.ErrCodeNotFoundSubscription,
			"no active subscription to cancel", nil))
		return
	}
	if sub.Status == types.SubStatusCanceledPending {
		core.JSON(w, r, http.StatusOK, core.APIResponse{Data: cancelResponse{
			Status:          sub.Status,
			EntitledThrough: sub.CurrentPeriodEnd,
		}})
		return
	}

	if err := h.canceler.CancelAtPeriodEnd(ctx, sub.SubscriptionID); err != nil {
		core.Error(w, r, err)
		return
	}

	update := rec.Clone()
	update.Subscription.Status = types.SubStatusCanceledPending
	update.Subscription.CancelAtPeriodEnd = true
	if _, err := h.plans.Save(ctx, update, now); err != nil {
		// The provider-side cancellation succeeded; its webhook will land the
		// local state shortly even though this write failed.
		h.logger.WarnContext(ctx, "local cancel write failed, provider state is canceled",
			slog.String("user_id", userID), slog.Any("error", err))
	}

	h.logger.InfoContext(ctx, "subscription cancellation scheduled",
		slog.String("user_id", userID),
		slog.String("subscription_id", sub.SubscriptionID))

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: cancelResponse{
		Status:          types.SubStatusCanceledPending,
		EntitledThrough: sub.CurrentPeriodEnd,
	}})
}

// verifyPurchaseRequest is the request body for POST /v1/billing/verify-purchase.
type verifyPurchaseRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// verifyPurchaseResponse reports what the ledger knows about the buyer's
// purchases and whether a grant was restored.
type verifyPurchaseResponse struct {
	Found       bool           `json:"found"`
	Outcome     string         `json:"outcome,omitempty"`
	Provider    types.Provider `json:"provider,omitempty"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
	Restored    bool           `json:"restored"`
	Tier        types.Tier     `json:"tier"`
}

// VerifyPurchase handles POST /v1/billing/verify-purchase, the fallback for
// missed webhooks: the buyer asks "did my purchase go through?". The handler
// looks the email up in the ledger and, when an applied purchase exists but
// the plan has lapsed back to free, replays the archived payload through the
// state machine to restore the grant.
func (h *BillingHandler) VerifyPurchase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := types.GetUserID(ctx)
	now := h.clock.Now()

	var req verifyPurchaseRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	rows, err := h.ledger.FindByBuyerEmail(ctx, req.Email, 10)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if len(rows) == 0 {
		core.Error(w, r, types.NewAppError(types.ErrCodeNotFoundPurchase,
			"no processed purchase for that email", nil))
		return
	}

	latest := rows[0]
	resp := verifyPurchaseResponse{
		Found:       true,
		Outcome:     latest.Outcome,
		Provider:    latest.Provider,
		ProcessedAt: &latest.ProcessedAt,
	}

	rec, err := h.plans.GetOrCreate(ctx, userID, now)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	resp.Tier = rec.EffectiveTier(now)

	if latest.Outcome == types.OutcomeApplied && resp.Tier == types.TierFree {
		restored, tier := h.restoreFromArchive(ctx, rec, latest, now)
		resp.Restored = restored
		if restored {
			resp.Tier = tier
		}
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}

// restoreFromArchive replays the archived provider payload for a ledgered
// purchase against the current record. Failures only log: verification is an
// advisory endpoint and the ledger row remains the source of truth.
func (h *BillingHandler) restoreFromArchive(ctx context.Context, rec *types.PlanRecord, row *types.IdempotencyRecord, now time.Time) (bool, types.Tier) {
	logger := h.logger.With(
		slog.String("user_id", rec.UserID),
		slog.String("ledger_key", row.LedgerKey()))

	_, payload, err := h.ledger.Get(ctx, row.Provider, row.ExternalID)
	if err != nil {
		logger.WarnContext(ctx, "could not load archived payload", slog.Any("error", err))
		return false, types.TierFree
	}
	adapter, err := h.adapters.Lookup(string(row.Provider))
	if err != nil {
		logger.WarnContext(ctx, "no adapter for archived payload", slog.Any("error", err))
		return false, types.TierFree
	}
	ev, err := adapter.Normalize(payload)
	if err != nil || !ev.Actionable() {
		logger.WarnContext(ctx, "archived payload no longer normalizes", slog.Any("error", err))
		return false, types.TierFree
	}

	result, err := h.machine.Apply(rec, ev, now)
	if err != nil || !result.Changed {
		logger.WarnContext(ctx, "archived payload did not restore a grant", slog.Any("error", err))
		return false, types.TierFree
	}
	// Saved with the wall clock, not the original event time: the original
	// timestamp already sits in last_event_at and would be rejected as stale.
	if _, err := h.plans.Save(ctx, result.Record, now); err != nil {
		logger.WarnContext(ctx, "failed to persist restored grant", slog.Any("error", err))
		return false, types.TierFree
	}

	tier := result.Record.EffectiveTier(now)
	logger.InfoContext(ctx, "grant restored from ledger archive", slog.String("tier", string(tier)))
	return true, tier
}
