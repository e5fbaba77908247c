package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"planguard/internal/core"
	"planguard/internal/plan"
	"planguard/internal/types"
)

type mockSweepRunner struct {
	summary types.SweepSummary
	err     error
	runs    int
}

func (m *mockSweepRunner) Run(ctx context.Context) (types.SweepSummary, error) {
	m.runs++
	return m.summary, m.err
}

// passAuth stands in for the server's admin-key middleware.
func passAuth(next http.Handler) http.Handler { return next }

func rejectAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthAdminKey, "admin key invalid", nil))
	})
}

func newAdminRig(t *testing.T, plans *mockPlanStore, sweeper *mockSweepRunner, auth func(http.Handler) http.Handler) *chi.Mux {
	t.Helper()
	catalog, err := plan.NewCatalog("")
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	h := NewAdminHandler(plans, plan.NewMachine(catalog, slog.Default()), sweeper,
		core.NewValidator(nil), types.FixedClock{T: handlerNow}, nil)
	r := chi.NewRouter()
	h.RegisterRoutes(auth)(r)
	return r
}

func postAdmin(t *testing.T, router http.Handler, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestCreateGrantProvisionsAndGrants(t *testing.T) {
	plans := newMockPlanStore()
	router := newAdminRig(t, plans, &mockSweepRunner{}, passAuth)

	rr := postAdmin(t, router, "/admin/grants",
		[]byte(`{"user_id":"user-1","tier":"plus","days":60}`))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Data grantResponse `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	wantExpiry := handlerNow.Add(60 * 24 * time.Hour)
	if !resp.Data.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expires_at = %v, want %v", resp.Data.ExpiresAt, wantExpiry)
	}
	rec := plans.records["user-1"]
	if rec == nil || rec.EffectiveTier(handlerNow) != types.TierPlus {
		t.Errorf("record = %+v, want plus grant", rec)
	}
}

func TestCreateGrantNeverDowngrades(t *testing.T) {
	plans := newMockPlanStore(proRecord("user-1"))
	router := newAdminRig(t, plans, &mockSweepRunner{}, passAuth)

	rr := postAdmin(t, router, "/admin/grants",
		[]byte(`{"user_id":"user-1","tier":"plus","days":30}`))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := plans.records["user-1"].EffectiveTier(handlerNow); got != types.TierPro {
		t.Errorf("tier = %s, a lower grant must not displace the subscription", got)
	}
}

func TestCreateGrantRejectsFreeTier(t *testing.T) {
	router := newAdminRig(t, newMockPlanStore(), &mockSweepRunner{}, passAuth)

	rr := postAdmin(t, router, "/admin/grants",
		[]byte(`{"user_id":"user-1","tier":"free","days":30}`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestCreateGrantValidatesBody(t *testing.T) {
	router := newAdminRig(t, newMockPlanStore(), &mockSweepRunner{}, passAuth)

	rr := postAdmin(t, router, "/admin/grants", []byte(`{"user_id":"","tier":"plus","days":0}`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestTriggerSweepReturnsSummary(t *testing.T) {
	sweeper := &mockSweepRunner{summary: types.SweepSummary{Scanned: 12, Downgraded: 3}}
	router := newAdminRig(t, newMockPlanStore(), sweeper, passAuth)

	rr := postAdmin(t, router, "/admin/sweep", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if sweeper.runs != 1 {
		t.Errorf("runs = %d", sweeper.runs)
	}
	var resp struct {
		Data types.SweepSummary `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Data.Scanned != 12 || resp.Data.Downgraded != 3 {
		t.Errorf("summary = %+v", resp.Data)
	}
}

func TestTriggerSweepPartialFailureStillReturnsSummary(t *testing.T) {
	sweeper := &mockSweepRunner{
		summary: types.SweepSummary{
			Scanned:    5,
			Downgraded: 2,
			Errors:     []types.SweepError{{UserID: "user-9", Error: "deadlock"}},
		},
		err: types.NewAppError(types.ErrCodeInternalSweepPartial, "sweep completed with 1 failed records", nil),
	}
	router := newAdminRig(t, newMockPlanStore(), sweeper, passAuth)

	rr := postAdmin(t, router, "/admin/sweep", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, partial results are still a 200", rr.Code)
	}
	var resp struct {
		Data types.SweepSummary `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Data.Errors) != 1 {
		t.Errorf("errors = %+v", resp.Data.Errors)
	}
}

func TestTriggerSweepScanFailureIs5xx(t *testing.T) {
	sweeper := &mockSweepRunner{err: errors.New("connection refused")}
	router := newAdminRig(t, newMockPlanStore(), sweeper, passAuth)

	rr := postAdmin(t, router, "/admin/sweep", nil)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
}

func TestAdminRoutesGuardedByAuth(t *testing.T) {
	sweeper := &mockSweepRunner{}
	router := newAdminRig(t, newMockPlanStore(), sweeper, rejectAuth)

	rr := postAdmin(t, router, "/admin/sweep", nil)
	if rr.Code == http.StatusOK {
		t.Fatal("admin routes must not run without auth")
	}
	if sweeper.runs != 0 {
		t.Error("sweeper must not run when auth rejects")
	}
}
