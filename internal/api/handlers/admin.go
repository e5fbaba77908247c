package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"planguard/internal/core"
	"planguard/internal/plan"
	"planguard/internal/types"
)

// SweepRunner triggers one sweep pass.
type SweepRunner interface {
	Run(ctx context.Context) (types.SweepSummary, error)
}

// AdminHandler serves the operator surface: manual grants and on-demand
// sweeps. Routes must be mounted behind the admin-key middleware.
type AdminHandler struct {
	plans     PlanStore
	machine   *plan.Machine
	sweeper   SweepRunner
	validator *core.Validator
	clock     types.Clock
	logger    *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(plans PlanStore, machine *plan.Machine, sweeper SweepRunner, v *core.Validator, clock types.Clock, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &AdminHandler{
		plans:     plans,
		machine:   machine,
		sweeper:   sweeper,
		validator: v,
		clock:     clock,
		logger:    logger,
	}
}

// RegisterRoutes mounts the admin endpoints under /admin. The adminAuth
// middleware comes from the server so the handler stays decoupled from key
// storage.
func (h *AdminHandler) RegisterRoutes(adminAuth func(http.Handler) http.Handler) func(chi.Router) {
	return func(r chi.Router) {
		r.Route("/admin", func(r chi.Router) {
			r.Use(adminAuth)
			r.Post("/grants", h.CreateGrant)
			r.Post("/sweep", h.TriggerSweep)
		})
	}
}

// createGrantRequest is the request body for POST /v1/admin/grants.
type createGrantRequest struct {
	UserID string     `json:"user_id" validate:"required"`
	Tier   types.Tier `json:"tier" validate:"required,tier"`
	Days   int        `json:"days" validate:"required,min=1,max=3650"`
}

// grantResponse is the response for POST /v1/admin/grants.
type grantResponse struct {
	UserID    string     `json:"user_id"`
	Tier      types.Tier `json:"tier"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// CreateGrant handles POST /v1/admin/grants: a manual time-boxed grant that
// takes the same transition path as a completed purchase, so precedence and
// never-shorten semantics hold for operator grants too.
func (h *AdminHandler) CreateGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := h.clock.Now()

	var req createGrantRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	rec, err := h.plans.GetOrCreate(ctx, req.UserID, now)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.machine.Grant(rec, req.Tier, time.Duration(req.Days)*24*time.Hour, now)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if _, err := h.plans.Save(ctx, result.Record, now); err != nil {
		core.Error(w, r, err)
		return
	}

	expiry := result.Record.TierExpiresAt[req.Tier]
	h.logger.InfoContext(ctx, "manual grant applied",
		slog.String("user_id", req.UserID),
		slog.String("tier", string(req.Tier)),
		slog.Time("expires_at", expiry))

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: grantResponse{
		UserID:    req.UserID,
		Tier:      req.Tier,
		ExpiresAt: expiry,
	}})
}

// TriggerSweep handles POST /v1/admin/sweep: one synchronous sweep pass. The
// summary is returned even when some records failed; a partial failure is
// reported through the summary's error list rather than a 5xx, since the
// work that did complete is durable.
func (h *AdminHandler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	summary, err := h.sweeper.Run(ctx)
	if err != nil && len(summary.Errors) == 0 {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: summary})
}
