package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"planguard/internal/core"
	"planguard/internal/plan"
	"planguard/internal/types"
)

// userIDHeader carries the authenticated user identity, injected by the API
// gateway in front of this service. The service trusts it; the gateway owns
// token validation.
const userIDHeader = "X-User-Id"

// PlanReader is the read-only plan access the entitlement and billing
// handlers need.
type PlanReader interface {
	GetByUserID(ctx context.Context, userID string) (*types.PlanRecord, error)
}

// EntitlementHandler answers feature entitlement checks for the rest of the
// platform.
type EntitlementHandler struct {
	plans  PlanReader
	gate   plan.Gate
	clock  types.Clock
	logger *slog.Logger
}

// NewEntitlementHandler creates an EntitlementHandler.
func NewEntitlementHandler(plans PlanReader, gate plan.Gate, clock types.Clock, logger *slog.Logger) *EntitlementHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &EntitlementHandler{plans: plans, gate: gate, clock: clock, logger: logger}
}

// RegisterRoutes mounts the entitlement endpoints behind the user-identity
// requirement.
func (h *EntitlementHandler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(RequireUser)
		r.Get("/entitlements/{feature}", h.Check)
		r.Get("/entitlements", h.List)
	})
}

// RequireUser extracts the gateway-injected user identity header into the
// request context, rejecting requests without one.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(userIDHeader)
		if userID == "" {
			core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing,
				"user identity header required", nil))
			return
		}
		next.ServeHTTP(w, r.WithContext(types.WithUserID(r.Context(), userID)))
	})
}

// Check handles GET /v1/entitlements/{feature}. A user with no plan record
// is checked as free; the record is not created on a read path.
func (h *EntitlementHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := types.GetUserID(ctx)
	feature := types.FeatureID(chi.URLParam(r, "feature"))

	if !plan.KnownFeature(feature) {
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationFeature,
			"unknown feature", nil, map[string]any{"feature": string(feature)}))
		return
	}

	rec, err := h.loadRecord(ctx, userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	decision := h.gate.Check(rec, feature, h.clock.Now())
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: decision})
}

// entitlementListResponse is the response for GET /v1/entitlements.
type entitlementListResponse struct {
	Tier     types.Tier        `json:"tier"`
	Features []types.FeatureID `json:"features"`
}

// List handles GET /v1/entitlements, returning the user's effective tier and
// every feature it covers.
func (h *EntitlementHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rec, err := h.loadRecord(ctx, types.GetUserID(ctx))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	tier := types.TierFree
	if rec != nil {
		tier = rec.EffectiveTier(h.clock.Now())
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: entitlementListResponse{
		Tier:     tier,
		Features: plan.FeaturesForTier(tier),
	}})
}

// loadRecord fetches the plan record, mapping "no record yet" to nil so the
// gate evaluates the user as free.
func (h *EntitlementHandler) loadRecord(ctx context.Context, userID string) (*types.PlanRecord, error) {
	rec, err := h.plans.GetByUserID(ctx, userID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundPlan {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}
