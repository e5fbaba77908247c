package providers

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"planguard/internal/types"
)

// Hotmart webhook (v2) event names the adapter understands.
const (
	hotmartPurchaseApproved     = "PURCHASE_APPROVED"
	hotmartPurchaseComplete     = "PURCHASE_COMPLETE"
	hotmartPurchaseRefunded     = "PURCHASE_REFUNDED"
	hotmartPurchaseChargeback   = "PURCHASE_CHARGEBACK"
	hotmartSubscriptionCanceled = "SUBSCRIPTION_CANCELLATION"
)

// HotmartAdapter verifies and normalizes Hotmart webhook notifications.
// Hotmart authenticates with a static shared token (the "hottok") sent in
// the X-Hotmart-Hottok header rather than a payload signature, so the check
// is a constant-time token comparison.
type HotmartAdapter struct {
	permissiveGuard
}

// NewHotmartAdapter returns the Hotmart webhook adapter.
func NewHotmartAdapter(token string, permissive bool, logger *slog.Logger) *HotmartAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &HotmartAdapter{permissiveGuard{
		secret:     token,
		permissive: permissive,
		logger:     logger,
		provider:   types.ProviderHotmart,
	}}
}

// Name implements Adapter.
func (a *HotmartAdapter) Name() types.Provider { return types.ProviderHotmart }

// Verify implements Adapter.
func (a *HotmartAdapter) Verify(r *http.Request, _ []byte) error {
	skip, err := a.check()
	if err != nil || skip {
		return err
	}

	got := r.Header.Get("X-Hotmart-Hottok")
	if got == "" {
		return types.NewAppError(types.ErrCodeAuthSignatureMissing,
			"missing X-Hotmart-Hottok header", nil)
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(a.secret)) != 1 {
		return types.NewAppError(types.ErrCodeAuthSignatureInvalid,
			"hotmart token mismatch", nil)
	}
	return nil
}

// hotmartNotification is the v2 webhook envelope.
type hotmartNotification struct {
	ID           string `json:"id"`
	Event        string `json:"event"`
	CreationDate int64  `json:"creation_date"` // epoch millis
	Data         struct {
		Product struct {
			ID int64 `json:"id"`
		} `json:"product"`
		Buyer struct {
			Email string `json:"email"`
		} `json:"buyer"`
		Purchase struct {
			Transaction string `json:"transaction"`
			Offer       struct {
				Code string `json:"code"`
			} `json:"offer"`
			// Origin.Xcode carries the application user id embedded in the
			// checkout link (sck/xcode parameter).
			Origin struct {
				Xcode string `json:"xcode"`
			} `json:"origin"`
			DateNextCharge int64 `json:"date_next_charge"` // epoch millis
		} `json:"purchase"`
		Subscription struct {
			Subscriber struct {
				Code string `json:"code"`
			} `json:"subscriber"`
			Plan struct {
				ID   int64  `json:"id"`
				Name string `json:"name"`
			} `json:"plan"`
			DateNextCharge int64 `json:"date_next_charge"` // epoch millis
		} `json:"subscription"`
	} `json:"data"`
}

// Normalize implements Adapter.
func (a *HotmartAdapter) Normalize(payload []byte) (*types.LifecycleEvent, error) {
	var n hotmartNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationPayload,
			"hotmart webhook payload is not valid JSON", err)
	}
	if n.ID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationPayload,
			"hotmart webhook has no notification id", nil)
	}

	base := &types.LifecycleEvent{
		Provider:   types.ProviderHotmart,
		ExternalID: n.ID,
		OccurredAt: occurredAtOrNow(epochMillis(n.CreationDate)),
		UserRef:    strings.TrimSpace(n.Data.Purchase.Origin.Xcode),
		BuyerEmail: n.Data.Buyer.Email,
		RawType:    n.Event,
	}

	switch n.Event {
	case hotmartPurchaseApproved, hotmartPurchaseComplete:
		base.Kind = types.EventPurchaseCompleted
		base.Purchase = &types.PurchaseEvent{
			PlanRef:  hotmartPlanRef(&n),
			Duration: hotmartGrantDuration(&n),
		}
		return base, nil

	case hotmartSubscriptionCanceled:
		base.Kind = types.EventSubscriptionCanceled
		base.Subscription = &types.SubscriptionEvent{
			SubscriptionID:    n.Data.Subscription.Subscriber.Code,
			PriceRef:          hotmartPlanRef(&n),
			Status:            types.SubStatusCanceledPending,
			CurrentPeriodEnd:  epochMillis(n.Data.Subscription.DateNextCharge),
			CancelAtPeriodEnd: true,
		}
		return base, nil

	case hotmartPurchaseRefunded, hotmartPurchaseChargeback:
		// Money went back; the grant the purchase created is withdrawn now.
		base.Kind = types.EventPurchaseRevoked
		base.Purchase = &types.PurchaseEvent{
			PlanRef: hotmartPlanRef(&n),
		}
		return base, nil

	default:
		base.Kind = types.EventUnrecognized
		return base, nil
	}
}

// hotmartPlanRef prefers the subscription plan id, then the offer code, then
// the product id. All are looked up under the hotmart catalog namespace.
func hotmartPlanRef(n *hotmartNotification) string {
	if n.Data.Subscription.Plan.ID != 0 {
		return strconv.FormatInt(n.Data.Subscription.Plan.ID, 10)
	}
	if code := n.Data.Purchase.Offer.Code; code != "" {
		return code
	}
	if n.Data.Product.ID != 0 {
		return strconv.FormatInt(n.Data.Product.ID, 10)
	}
	return ""
}

// hotmartGrantDuration derives the access window from the next charge date
// when the purchase is part of a recurring plan. Zero falls back to the
// default window.
func hotmartGrantDuration(n *hotmartNotification) time.Duration {
	next := n.Data.Purchase.DateNextCharge
	if next == 0 {
		next = n.Data.Subscription.DateNextCharge
	}
	if next == 0 || n.CreationDate == 0 || next <= n.CreationDate {
		return 0
	}
	return time.Duration(next-n.CreationDate) * time.Millisecond
}

func epochMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// occurredAtOrNow substitutes the processing clock when a notification
// carries no creation timestamp. A zero OccurredAt would compare as
// infinitely stale against any stored last_event_at and silently drop a
// real event.
func occurredAtOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
