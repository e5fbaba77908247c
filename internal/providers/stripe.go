package providers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"planguard/internal/types"
)

// Stripe webhook event types the adapter understands.
const (
	stripeCheckoutCompleted = "checkout.session.completed"
	stripeSubUpdated        = "customer.subscription.updated"
	stripeSubDeleted        = "customer.subscription.deleted"
	stripeInvoicePaid       = "invoice.paid"
	stripeInvoiceFailed     = "invoice.payment_failed"
)

// StripeAdapter verifies and normalizes Stripe webhook notifications.
// Signature checking delegates to stripe-go's ValidatePayload, which covers
// both the HMAC-SHA256 digest and the timestamp tolerance window.
type StripeAdapter struct {
	permissiveGuard
}

// NewStripeAdapter returns the Stripe webhook adapter.
func NewStripeAdapter(secret string, permissive bool, logger *slog.Logger) *StripeAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeAdapter{permissiveGuard{
		secret:     secret,
		permissive: permissive,
		logger:     logger,
		provider:   types.ProviderStripe,
	}}
}

// Name implements Adapter.
func (a *StripeAdapter) Name() types.Provider { return types.ProviderStripe }

// Verify implements Adapter.
func (a *StripeAdapter) Verify(r *http.Request, payload []byte) error {
	skip, err := a.check()
	if err != nil || skip {
		return err
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		return types.NewAppError(types.ErrCodeAuthSignatureMissing,
			"missing Stripe-Signature header", nil)
	}
	if err := stripe.ValidatePayload(payload, sig, a.secret); err != nil {
		return types.NewAppError(types.ErrCodeAuthSignatureInvalid,
			"stripe webhook signature verification failed", err)
	}
	return nil
}

// stripeEvent is a minimal shape of the webhook envelope. The full
// stripe.Event type is avoided here so normalization stays decoupled from
// the library's evolving object graph and trivially testable.
type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeCheckoutSession struct {
	ClientReferenceID string            `json:"client_reference_id"`
	CustomerEmail     string            `json:"customer_email"`
	CustomerDetails   *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Customer     string            `json:"customer"`
	Mode         string            `json:"mode"`
	Subscription string            `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

type stripeSubscription struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []struct {
			Price struct {
				ID       string `json:"id"`
				Lookup   string `json:"lookup_key"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeInvoice struct {
	Subscription  string `json:"subscription"`
	BillingReason string `json:"billing_reason"`
	CustomerEmail string `json:"customer_email"`
	AttemptCount  int    `json:"attempt_count"`
	Lines         struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
			Price struct {
				ID     string `json:"id"`
				Lookup string `json:"lookup_key"`
			} `json:"price"`
		} `json:"data"`
	} `json:"lines"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
}

// Normalize implements Adapter.
func (a *StripeAdapter) Normalize(payload []byte) (*types.LifecycleEvent, error) {
	var ev stripeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationPayload,
			"stripe webhook payload is not valid JSON", err)
	}
	if ev.ID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationPayload,
			"stripe webhook event has no id", nil)
	}

	base := &types.LifecycleEvent{
		Provider:   types.ProviderStripe,
		ExternalID: ev.ID,
		OccurredAt: time.Unix(ev.Created, 0).UTC(),
		RawType:    ev.Type,
	}

	switch ev.Type {
	case stripeCheckoutCompleted:
		return a.normalizeCheckout(base, ev.Data.Object)
	case stripeSubUpdated, stripeSubDeleted:
		return a.normalizeSubscription(base, ev.Type, ev.Data.Object)
	case stripeInvoicePaid, stripeInvoiceFailed:
		return a.normalizeInvoice(base, ev.Type, ev.Data.Object)
	default:
		base.Kind = types.EventUnrecognized
		return base, nil
	}
}

func (a *StripeAdapter) normalizeCheckout(base *types.LifecycleEvent, object json.RawMessage) (*types.LifecycleEvent, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(object, &session); err != nil {
		return nil, malformedObject(types.ProviderStripe, err)
	}

	// client_reference_id is set by the application at checkout time and is
	// the preferred identity; metadata.user_id is the fallback.
	base.UserRef = session.ClientReferenceID
	if base.UserRef == "" {
		base.UserRef = session.Metadata["user_id"]
	}
	base.BuyerEmail = session.CustomerEmail
	if base.BuyerEmail == "" && session.CustomerDetails != nil {
		base.BuyerEmail = session.CustomerDetails.Email
	}

	planRef := session.Metadata["plan_ref"]
	if planRef == "" {
		planRef = session.Metadata["plan"]
	}

	if session.Mode == "payment" {
		// One-time purchase checkout: a time-boxed grant, no subscription.
		base.Kind = types.EventPurchaseCompleted
		base.Purchase = &types.PurchaseEvent{
			PlanRef:  planRef,
			Duration: grantDurationFromMetadata(session.Metadata),
		}
		return base, nil
	}

	base.Kind = types.EventSubscriptionActivated
	base.Subscription = &types.SubscriptionEvent{
		SubscriptionID: session.Subscription,
		CustomerID:     session.Customer,
		PriceRef:       planRef,
		Status:         types.SubStatusActive,
	}
	return base, nil
}

func (a *StripeAdapter) normalizeSubscription(base *types.LifecycleEvent, eventType string, object json.RawMessage) (*types.LifecycleEvent, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(object, &sub); err != nil {
		return nil, malformedObject(types.ProviderStripe, err)
	}

	base.UserRef = sub.Metadata["user_id"]
	se := &types.SubscriptionEvent{
		SubscriptionID:    sub.ID,
		CustomerID:        sub.Customer,
		PriceRef:          stripePriceRef(sub),
		CurrentPeriodEnd:  time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}

	if eventType == stripeSubDeleted {
		// The subscription object is gone; entitlement runs out at the
		// recorded period end, which the sweeper enforces.
		base.Kind = types.EventSubscriptionCanceled
		se.Status = types.SubStatusCanceledPending
		base.Subscription = se
		return base, nil
	}

	se.Status = mapStripeStatus(sub.Status)
	if se.Status == types.SubStatusActive && sub.CancelAtPeriodEnd {
		// "Cancel at period end" arrives as an update on a still-active
		// subscription.
		base.Kind = types.EventSubscriptionCanceled
		se.Status = types.SubStatusCanceledPending
		base.Subscription = se
		return base, nil
	}

	base.Kind = types.EventSubscriptionUpdated
	base.Subscription = se
	return base, nil
}

func (a *StripeAdapter) normalizeInvoice(base *types.LifecycleEvent, eventType string, object json.RawMessage) (*types.LifecycleEvent, error) {
	var inv stripeInvoice
	if err := json.Unmarshal(object, &inv); err != nil {
		return nil, malformedObject(types.ProviderStripe, err)
	}

	if inv.SubscriptionDetails != nil {
		base.UserRef = inv.SubscriptionDetails.Metadata["user_id"]
	}
	base.BuyerEmail = inv.CustomerEmail

	ie := &types.InvoiceEvent{
		SubscriptionID: inv.Subscription,
		BillingReason:  inv.BillingReason,
		AttemptNumber:  inv.AttemptCount,
	}
	if len(inv.Lines.Data) > 0 {
		line := inv.Lines.Data[0]
		ie.CurrentPeriodEnd = time.Unix(line.Period.End, 0).UTC()
		ie.PriceRef = line.Price.Lookup
		if ie.PriceRef == "" {
			ie.PriceRef = line.Price.ID
		}
	}

	if eventType == stripeInvoiceFailed {
		base.Kind = types.EventInvoiceFailed
	} else {
		base.Kind = types.EventInvoicePaid
	}
	base.Invoice = ie
	return base, nil
}

// stripePriceRef prefers the operator-assigned lookup key over the opaque
// price id, matching how the catalog is keyed.
func stripePriceRef(sub stripeSubscription) string {
	if len(sub.Items.Data) == 0 {
		return ""
	}
	price := sub.Items.Data[0].Price
	if price.Lookup != "" {
		return price.Lookup
	}
	return price.ID
}

func mapStripeStatus(s string) types.SubscriptionStatus {
	switch s {
	case "active":
		return types.SubStatusActive
	case "trialing":
		return types.SubStatusTrialing
	case "past_due":
		return types.SubStatusPastDue
	case "unpaid":
		return types.SubStatusUnpaid
	case "canceled":
		return types.SubStatusExpired
	case "incomplete":
		return types.SubStatusIncomplete
	case "incomplete_expired":
		return types.SubStatusIncompleteExpired
	default:
		return types.SubscriptionStatus(s)
	}
}

// grantDurationFromMetadata reads an optional access window in days from
// checkout metadata. Zero means the processor's default window applies.
func grantDurationFromMetadata(metadata map[string]string) time.Duration {
	if v, ok := metadata["access_days"]; ok {
		var days int
		if _, err := fmt.Sscanf(v, "%d", &days); err == nil && days > 0 {
			return time.Duration(days) * 24 * time.Hour
		}
	}
	return 0
}

func malformedObject(provider types.Provider, err error) error {
	return types.NewAppError(types.ErrCodeValidationPayload,
		fmt.Sprintf("%s webhook data object could not be parsed", provider), err)
}
