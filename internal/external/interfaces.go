package external

import (
	"context"

	"planguard/internal/types"
)

// IdentityResolver maps a buyer email from a webhook payload to an internal
// user id. It is the fallback identity path when the notification carries no
// explicit user reference.
type IdentityResolver interface {
	// ResolveByEmail returns the internal user id for the given email.
	// Returns an AppError with ErrCodeNotFoundUser when no account matches.
	ResolveByEmail(ctx context.Context, email string) (string, error)
}

// SubscriptionCanceler schedules a provider-side cancellation at period end.
type SubscriptionCanceler interface {
	// CancelAtPeriodEnd flags the subscription to end when the current paid
	// period does. The confirming webhook, not this call, updates the plan
	// record.
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) error
}

// WelcomeMailer sends the post-purchase welcome email.
type WelcomeMailer interface {
	// SendWelcome delivers the welcome template for the granted tier and
	// returns the provider message id.
	SendWelcome(ctx context.Context, to string, tier types.Tier) (string, error)
}
