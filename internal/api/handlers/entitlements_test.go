package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"planguard/internal/plan"
	"planguard/internal/types"
)

var handlerNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// mockPlanStore is shared across handler tests.
type mockPlanStore struct {
	records map[string]*types.PlanRecord
	getErr  error
	saveErr error
	saved   []*types.PlanRecord
}

func newMockPlanStore(records ...*types.PlanRecord) *mockPlanStore {
	s := &mockPlanStore{records: map[string]*types.PlanRecord{}}
	for _, rec := range records {
		s.records[rec.UserID] = rec
	}
	return s
}

func (m *mockPlanStore) GetByUserID(ctx context.Context, userID string) (*types.PlanRecord, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	if rec, ok := m.records[userID]; ok {
		return rec, nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "plan record not found", nil)
}

func (m *mockPlanStore) GetOrCreate(ctx context.Context, userID string, now time.Time) (*types.PlanRecord, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	if rec, ok := m.records[userID]; ok {
		return rec, nil
	}
	rec := types.NewPlanRecord(userID, now)
	m.records[userID] = rec
	return rec, nil
}

func (m *mockPlanStore) Save(ctx context.Context, rec *types.PlanRecord, eventTimestamp time.Time) (bool, error) {
	if m.saveErr != nil {
		return false, m.saveErr
	}
	m.records[rec.UserID] = rec
	m.saved = append(m.saved, rec)
	return true, nil
}

func proRecord(userID string) *types.PlanRecord {
	return &types.PlanRecord{
		UserID: userID,
		Tier:   types.TierPro,
		Subscription: &types.SubscriptionSnapshot{
			SubscriptionID:   "sub_1",
			Provider:         types.ProviderStripe,
			PriceRef:         "pro-monthly",
			Status:           types.SubStatusActive,
			CurrentPeriodEnd: handlerNow.Add(20 * 24 * time.Hour),
		},
		UpdatedAt: handlerNow.Add(-time.Hour),
	}
}

func newEntitlementRouter(store *mockPlanStore) *chi.Mux {
	h := NewEntitlementHandler(store, plan.NewGate(), types.FixedClock{T: handlerNow}, nil)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func getAs(t *testing.T, router http.Handler, path, userID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestCheckAllowsEntitledFeature(t *testing.T) {
	router := newEntitlementRouter(newMockPlanStore(proRecord("user-1")))

	rr := getAs(t, router, "/entitlements/pdf_report", "user-1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Data types.EntitlementDecision `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Data.Allowed || resp.Data.CurrentTier != types.TierPro {
		t.Errorf("decision = %+v", resp.Data)
	}
}

func TestCheckDeniesWithRequiredTier(t *testing.T) {
	router := newEntitlementRouter(newMockPlanStore(proRecord("user-1")))

	rr := getAs(t, router, "/entitlements/correction_plan", "user-1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, denial is a 200 with allowed=false", rr.Code)
	}

	var resp struct {
		Data types.EntitlementDecision `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Data.Allowed {
		t.Error("pro must not reach a studio feature")
	}
	if resp.Data.RequiredTier != types.TierStudio {
		t.Errorf("required tier = %s, want studio for the upgrade prompt", resp.Data.RequiredTier)
	}
}

func TestCheckUnknownUserIsFree(t *testing.T) {
	router := newEntitlementRouter(newMockPlanStore())

	rr := getAs(t, router, "/entitlements/genre_analysis", "ghost")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp struct {
		Data types.EntitlementDecision `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Data.Allowed || resp.Data.CurrentTier != types.TierFree {
		t.Errorf("decision = %+v, want free denial", resp.Data)
	}
}

func TestCheckUnknownFeatureIs400(t *testing.T) {
	router := newEntitlementRouter(newMockPlanStore(proRecord("user-1")))

	rr := getAs(t, router, "/entitlements/time_travel", "user-1")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for an unknown feature", rr.Code)
	}
}

func TestCheckRequiresIdentity(t *testing.T) {
	router := newEntitlementRouter(newMockPlanStore())

	rr := getAs(t, router, "/entitlements/pdf_report", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without identity header", rr.Code)
	}
}

func TestListReturnsTierFeatures(t *testing.T) {
	router := newEntitlementRouter(newMockPlanStore(proRecord("user-1")))

	rr := getAs(t, router, "/entitlements", "user-1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp struct {
		Data entitlementListResponse `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Data.Tier != types.TierPro {
		t.Errorf("tier = %s", resp.Data.Tier)
	}
	has := map[types.FeatureID]bool{}
	for _, f := range resp.Data.Features {
		has[f] = true
	}
	if !has[types.FeaturePDFReport] || !has[types.FeatureGenreAnalysis] {
		t.Errorf("features = %v, want pro to include plus and pro features", resp.Data.Features)
	}
	if has[types.FeatureCorrectionPlan] {
		t.Error("pro must not list studio features")
	}
}
