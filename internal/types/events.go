package types

import (
	"time"
)

// EventKind discriminates the normalized lifecycle event variants.
type EventKind string

const (
	EventPurchaseCompleted     EventKind = "purchase_completed"
	EventPurchaseRevoked       EventKind = "purchase_revoked"
	EventSubscriptionActivated EventKind = "subscription_activated"
	EventSubscriptionUpdated   EventKind = "subscription_updated"
	EventSubscriptionCanceled  EventKind = "subscription_canceled"
	EventInvoicePaid           EventKind = "invoice_paid"
	EventInvoiceFailed         EventKind = "invoice_failed"
	EventUnrecognized          EventKind = "unrecognized"
)

// LifecycleEvent is the provider-neutral form every webhook notification is
// normalized into before it touches plan state. Exactly one section beyond
// the header is populated, selected by Kind.
type LifecycleEvent struct {
	Kind       EventKind `json:"kind"`
	Provider   Provider  `json:"provider"`
	ExternalID string    `json:"external_id"`
	OccurredAt time.Time `json:"occurred_at"`

	// User identity hints. UserRef is the provider-side reference carried in
	// the notification (metadata user ID, customer ID); BuyerEmail is the
	// fallback when no direct reference exists.
	UserRef    string `json:"user_ref,omitempty"`
	BuyerEmail string `json:"buyer_email,omitempty"`

	Purchase     *PurchaseEvent     `json:"purchase,omitempty"`
	Subscription *SubscriptionEvent `json:"subscription,omitempty"`
	Invoice      *InvoiceEvent      `json:"invoice,omitempty"`

	// RawType preserves the provider's own event type string for logging
	// and for unrecognized events.
	RawType string `json:"raw_type,omitempty"`
}

// PurchaseEvent carries a completed one-time purchase granting a time-boxed
// tier.
type PurchaseEvent struct {
	PlanRef  string        `json:"plan_ref"`
	Duration time.Duration `json:"duration"`
}

// SubscriptionEvent carries a subscription activation, update, or
// cancellation.
type SubscriptionEvent struct {
	SubscriptionID    string             `json:"subscription_id"`
	CustomerID        string             `json:"customer_id,omitempty"`
	PriceRef          string             `json:"price_ref"`
	Status            SubscriptionStatus `json:"status"`
	CurrentPeriodEnd  time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd bool               `json:"cancel_at_period_end"`
}

// InvoiceEvent carries a recurring payment result for an existing
// subscription.
type InvoiceEvent struct {
	SubscriptionID   string    `json:"subscription_id"`
	PriceRef         string    `json:"price_ref,omitempty"`
	CurrentPeriodEnd time.Time `json:"current_period_end"`

	// BillingReason is the provider's stated cause for the invoice.
	// The very first invoice of a subscription ("subscription_create") is
	// handled by the activation event instead to avoid a duplicate grant
	// race between the two notifications describing the same payment.
	BillingReason string `json:"billing_reason,omitempty"`

	// AttemptNumber counts provider retries for failed invoices.
	AttemptNumber int `json:"attempt_number,omitempty"`
}

// Actionable reports whether the event mutates plan state. Unrecognized
// events are acknowledged and ledgered but never applied.
func (e *LifecycleEvent) Actionable() bool {
	return e.Kind != EventUnrecognized && e.Kind != ""
}
