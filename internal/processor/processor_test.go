package processor

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"planguard/internal/plan"
	"planguard/internal/types"
)

var procNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeStores is an in-memory Stores implementation. Its RunInTx applies fn
// against the same maps; FailSave and FailTx simulate storage faults.
type fakeStores struct {
	plans   map[string]*types.PlanRecord
	ledger  map[string]*types.IdempotencyRecord
	payload map[string][]byte

	failTx    error
	staleSave bool
	txCalls   int
}

func newFakeStores() *fakeStores {
	return &fakeStores{
		plans:   map[string]*types.PlanRecord{},
		ledger:  map[string]*types.IdempotencyRecord{},
		payload: map[string][]byte{},
	}
}

func (s *fakeStores) Plans() PlanStore   { return (*fakePlans)(s) }
func (s *fakeStores) Ledger() LedgerStore { return (*fakeLedger)(s) }

func (s *fakeStores) RunInTx(ctx context.Context, fn func(ctx context.Context, plans PlanStore, ledger LedgerStore) error) error {
	s.txCalls++
	if s.failTx != nil {
		return s.failTx
	}
	return fn(ctx, s.Plans(), s.Ledger())
}

type fakePlans fakeStores

func (f *fakePlans) GetOrCreate(ctx context.Context, userID string, now time.Time) (*types.PlanRecord, error) {
	if rec, ok := f.plans[userID]; ok {
		return rec, nil
	}
	rec := types.NewPlanRecord(userID, now)
	f.plans[userID] = rec
	return rec, nil
}

func (f *fakePlans) Save(ctx context.Context, rec *types.PlanRecord, eventTimestamp time.Time) (bool, error) {
	if f.staleSave {
		return false, nil
	}
	ts := eventTimestamp
	rec.LastEventAt = &ts
	f.plans[rec.UserID] = rec
	return true, nil
}

type fakeLedger fakeStores

func (f *fakeLedger) Exists(ctx context.Context, provider types.Provider, externalID string) (bool, error) {
	_, ok := f.ledger[string(provider)+":"+externalID]
	return ok, nil
}

func (f *fakeLedger) Record(ctx context.Context, rec *types.IdempotencyRecord, rawPayload []byte) (bool, error) {
	key := rec.LedgerKey()
	if _, ok := f.ledger[key]; ok {
		return false, nil
	}
	f.ledger[key] = rec
	f.payload[key] = rawPayload
	return true, nil
}

type fakeIdentity struct {
	byEmail map[string]string
	err     error
}

func (f *fakeIdentity) ResolveByEmail(ctx context.Context, email string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if id, ok := f.byEmail[email]; ok {
		return id, nil
	}
	return "", types.NewAppError(types.ErrCodeNotFoundUser, "no user with that email", nil)
}

type fakeMailer struct {
	sent []string
	err  error
}

func (f *fakeMailer) SendWelcome(ctx context.Context, to string, tier types.Tier) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, to)
	return "msg-1", nil
}

type fakeOutcomes struct {
	outcomes []string
}

func (f *fakeOutcomes) RecordEventOutcome(ctx context.Context, provider types.Provider, outcome string) {
	f.outcomes = append(f.outcomes, outcome)
}

func newTestProcessor(t *testing.T, stores *fakeStores, identity *fakeIdentity, mailer *fakeMailer) (*Processor, *fakeOutcomes) {
	t.Helper()
	catalog, err := plan.NewCatalog("")
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	metrics := &fakeOutcomes{}
	cfg := Config{
		Stores:  stores,
		Machine: plan.NewMachine(catalog, slog.Default()),
		Mailer:  mailer,
		Metrics: metrics,
		Clock:   types.FixedClock{T: procNow},
	}
	if identity != nil {
		cfg.Identity = identity
	}
	return New(cfg), metrics
}

func activationMsg(externalID, userRef, email, priceRef string) types.EventMessage {
	return types.EventMessage{
		TraceID:    "trace-" + externalID,
		RawPayload: []byte(`{"id":"` + externalID + `"}`),
		Event: types.LifecycleEvent{
			Kind:       types.EventSubscriptionActivated,
			Provider:   types.ProviderStripe,
			ExternalID: externalID,
			OccurredAt: procNow.Add(-time.Minute),
			UserRef:    userRef,
			BuyerEmail: email,
			Subscription: &types.SubscriptionEvent{
				SubscriptionID:   "sub_1",
				PriceRef:         priceRef,
				Status:           types.SubStatusActive,
				CurrentPeriodEnd: procNow.Add(30 * 24 * time.Hour),
			},
		},
	}
}

func TestProcessAppliesActivation(t *testing.T) {
	stores := newFakeStores()
	mailer := &fakeMailer{}
	proc, metrics := newTestProcessor(t, stores, nil, mailer)

	outcome, err := proc.Process(context.Background(), activationMsg("evt_1", "user-1", "ana@example.com", "pro-monthly"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if outcome != types.OutcomeApplied {
		t.Fatalf("outcome = %q, want %q", outcome, types.OutcomeApplied)
	}

	rec := stores.plans["user-1"]
	if rec == nil {
		t.Fatal("plan record not saved")
	}
	if got := rec.EffectiveTier(procNow); got != types.TierPro {
		t.Errorf("effective tier = %s, want pro", got)
	}
	row := stores.ledger["stripe:evt_1"]
	if row == nil {
		t.Fatal("ledger row not written")
	}
	if row.Outcome != types.OutcomeApplied || row.UserID != "user-1" {
		t.Errorf("ledger row = %+v", row)
	}
	if len(mailer.sent) != 1 || mailer.sent[0] != "ana@example.com" {
		t.Errorf("welcome emails = %v, want one to ana@example.com", mailer.sent)
	}
	if len(metrics.outcomes) != 1 || metrics.outcomes[0] != types.OutcomeApplied {
		t.Errorf("metrics outcomes = %v", metrics.outcomes)
	}
}

func TestProcessReplayIsDuplicate(t *testing.T) {
	stores := newFakeStores()
	proc, _ := newTestProcessor(t, stores, nil, &fakeMailer{})
	msg := activationMsg("evt_1", "user-1", "", "pro-monthly")

	if _, err := proc.Process(context.Background(), msg); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	outcome, err := proc.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if outcome != types.OutcomeDuplicate {
		t.Fatalf("outcome = %q, want duplicate", outcome)
	}
	if len(stores.ledger) != 1 {
		t.Errorf("ledger rows = %d, want exactly 1", len(stores.ledger))
	}
}

func TestProcessResolvesUserByEmail(t *testing.T) {
	stores := newFakeStores()
	identity := &fakeIdentity{byEmail: map[string]string{"ana@example.com": "user-9"}}
	proc, _ := newTestProcessor(t, stores, identity, &fakeMailer{})

	outcome, err := proc.Process(context.Background(), activationMsg("evt_2", "", "ana@example.com", "plus-monthly"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if outcome != types.OutcomeApplied {
		t.Fatalf("outcome = %q", outcome)
	}
	if stores.plans["user-9"] == nil {
		t.Fatal("plan record for resolved user not saved")
	}
}

func TestProcessUnknownEmailLedgersUnresolved(t *testing.T) {
	stores := newFakeStores()
	identity := &fakeIdentity{byEmail: map[string]string{}}
	proc, metrics := newTestProcessor(t, stores, identity, &fakeMailer{})

	outcome, err := proc.Process(context.Background(), activationMsg("evt_3", "", "ghost@example.com", "plus-monthly"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if outcome != types.OutcomeUnresolvedUser {
		t.Fatalf("outcome = %q, want unresolved_user", outcome)
	}
	row := stores.ledger["stripe:evt_3"]
	if row == nil || row.Outcome != types.OutcomeUnresolvedUser {
		t.Fatalf("ledger row = %+v", row)
	}
	if row.BuyerEmail != "ghost@example.com" {
		t.Errorf("buyer email = %q, want preserved for manual reconciliation", row.BuyerEmail)
	}
	if len(stores.plans) != 0 {
		t.Errorf("plan records created = %d, want 0", len(stores.plans))
	}
	if len(metrics.outcomes) != 1 || metrics.outcomes[0] != types.OutcomeUnresolvedUser {
		t.Errorf("metrics outcomes = %v", metrics.outcomes)
	}
}

func TestProcessIdentityOutageRetries(t *testing.T) {
	stores := newFakeStores()
	identity := &fakeIdentity{err: types.NewAppError(types.ErrCodeUpstreamIdentity, "identity service unavailable", nil)}
	proc, _ := newTestProcessor(t, stores, identity, &fakeMailer{})

	_, err := proc.Process(context.Background(), activationMsg("evt_4", "", "ana@example.com", "plus-monthly"))
	if err == nil {
		t.Fatal("expected error on identity outage")
	}
	if !types.Retryable(err) {
		t.Errorf("identity outage should be retryable, got %v", err)
	}
	if len(stores.ledger) != 0 {
		t.Error("transient failure must not write a ledger row")
	}
}

func TestProcessUnmappedPlanRefIsTerminal(t *testing.T) {
	stores := newFakeStores()
	proc, _ := newTestProcessor(t, stores, nil, &fakeMailer{})

	outcome, err := proc.Process(context.Background(), activationMsg("evt_5", "user-1", "", "mystery-price"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if outcome != types.OutcomeUnmappedPlan {
		t.Fatalf("outcome = %q, want unmapped_plan_ref", outcome)
	}
	row := stores.ledger["stripe:evt_5"]
	if row == nil || row.Outcome != types.OutcomeUnmappedPlan {
		t.Fatalf("ledger row = %+v", row)
	}
	if rec := stores.plans["user-1"]; rec != nil && rec.Tier != types.TierFree {
		t.Errorf("plan tier = %s, want untouched free", rec.Tier)
	}
}

func TestProcessStoreFailureRetriesWithoutLedger(t *testing.T) {
	stores := newFakeStores()
	stores.failTx = errors.New("connection reset")
	proc, _ := newTestProcessor(t, stores, nil, &fakeMailer{})

	_, err := proc.Process(context.Background(), activationMsg("evt_6", "user-1", "", "pro-monthly"))
	if err == nil {
		t.Fatal("expected error when transaction fails")
	}
	if !types.Retryable(err) {
		t.Errorf("storage failure should be retryable: %v", err)
	}
	if len(stores.ledger) != 0 {
		t.Error("failed transaction must leave no ledger row")
	}
}

func TestProcessStaleSaveLedgersIgnored(t *testing.T) {
	stores := newFakeStores()
	stores.staleSave = true
	proc, _ := newTestProcessor(t, stores, nil, &fakeMailer{})

	outcome, err := proc.Process(context.Background(), activationMsg("evt_7", "user-1", "", "pro-monthly"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if outcome != types.OutcomeIgnored {
		t.Fatalf("outcome = %q, want ignored for a stale event", outcome)
	}
	row := stores.ledger["stripe:evt_7"]
	if row == nil || row.Outcome != types.OutcomeIgnored {
		t.Fatalf("ledger row = %+v", row)
	}
}

func TestProcessUnrecognizedEventLedgeredIgnored(t *testing.T) {
	stores := newFakeStores()
	proc, _ := newTestProcessor(t, stores, nil, &fakeMailer{})

	msg := types.EventMessage{
		RawPayload: []byte(`{}`),
		Event: types.LifecycleEvent{
			Kind:       types.EventUnrecognized,
			Provider:   types.ProviderHotmart,
			ExternalID: "hm_1",
			RawType:    "SWITCH_PLAN",
		},
	}
	outcome, err := proc.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if outcome != types.OutcomeIgnored {
		t.Fatalf("outcome = %q", outcome)
	}
	if stores.ledger["hotmart:hm_1"] == nil {
		t.Error("unrecognized events still get a ledger row")
	}
}

func TestProcessWelcomeEmailFailureDoesNotFail(t *testing.T) {
	stores := newFakeStores()
	mailer := &fakeMailer{err: errors.New("sendgrid down")}
	proc, _ := newTestProcessor(t, stores, nil, mailer)

	outcome, err := proc.Process(context.Background(), activationMsg("evt_8", "user-1", "ana@example.com", "pro-monthly"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if outcome != types.OutcomeApplied {
		t.Fatalf("outcome = %q", outcome)
	}
}

func TestProcessOutOfOrderDeliveries(t *testing.T) {
	stores := newFakeStores()
	proc, _ := newTestProcessor(t, stores, nil, &fakeMailer{})
	ctx := context.Background()

	newer := activationMsg("evt_new", "user-1", "", "pro-monthly")
	newer.Event.OccurredAt = procNow.Add(-time.Minute)

	older := activationMsg("evt_old", "user-1", "", "plus-monthly")
	older.Event.OccurredAt = procNow.Add(-time.Hour)

	if _, err := proc.Process(ctx, newer); err != nil {
		t.Fatalf("newer: %v", err)
	}

	// The fake store honors the optimistic lock the way the SQL does.
	stores.staleSave = true
	outcome, err := proc.Process(ctx, older)
	if err != nil {
		t.Fatalf("older: %v", err)
	}
	if outcome != types.OutcomeIgnored {
		t.Fatalf("stale outcome = %q, want ignored", outcome)
	}
	if got := stores.plans["user-1"].EffectiveTier(procNow); got != types.TierPro {
		t.Errorf("tier = %s, want pro retained after late delivery", got)
	}
}

func TestInlineDispatcherPropagatesRetryableOnly(t *testing.T) {
	stores := newFakeStores()
	proc, _ := newTestProcessor(t, stores, nil, &fakeMailer{})
	disp := &InlineDispatcher{Processor: proc}
	ctx := context.Background()

	if err := disp.Dispatch(ctx, activationMsg("evt_9", "user-1", "", "mystery-price")); err != nil {
		t.Fatalf("terminal outcome must be swallowed by inline dispatch: %v", err)
	}

	stores.failTx = errors.New("db down")
	if err := disp.Dispatch(ctx, activationMsg("evt_10", "user-1", "", "pro-monthly")); err == nil {
		t.Fatal("retryable failure must propagate")
	}
}
