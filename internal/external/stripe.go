package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"planguard/internal/types"
)

// stripeAPIBase is the default Stripe API base URL, overridable in tests.
const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string
	Logger    *slog.Logger
}

// StripeClient makes the few direct Stripe API calls the service needs,
// routed through BaseClient. Webhook handling does not use this client;
// it exists for user-initiated actions like cancel-at-period-end.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient with the standard resilience settings.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"stripe",
		DefaultRetryPolicy(),
		"Planguard/1.0",
	)

	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// NewStripeClientWithBase creates a StripeClient over a pre-configured
// BaseClient.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// CancelAtPeriodEnd implements SubscriptionCanceler. The subscription stays
// active until the paid period ends; Stripe confirms with a
// customer.subscription.updated webhook which drives the plan record change.
func (c *StripeClient) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) error {
	if subscriptionID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField,
			"subscription id is required", nil)
	}

	form := url.Values{}
	form.Set("cancel_at_period_end", "true")

	reqURL := c.baseURL + "/v1/subscriptions/" + url.PathEscape(subscriptionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(form.Encode()))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to create stripe cancellation request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.base.Do(req)
	if err != nil {
		if _, ok := err.(*types.AppError); ok {
			return err
		}
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			"stripe cancellation request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		c.logger.InfoContext(ctx, "stripe subscription flagged to cancel at period end",
			slog.String("subscription_id", subscriptionID))
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return types.NewAppError(types.ErrCodeNotFoundSubscription,
			fmt.Sprintf("stripe subscription %s not found", subscriptionID), nil)
	}

	return c.handleErrorResponse(resp, "CancelAtPeriodEnd")
}

// stripeErrorResponse is the JSON error envelope Stripe returns.
type stripeErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if readErr != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: stripe returned %d and the body was unreadable", operation, resp.StatusCode),
			readErr)
	}

	var stripeErr stripeErrorResponse
	msg := string(body)
	if err := json.Unmarshal(body, &stripeErr); err == nil && stripeErr.Error.Message != "" {
		msg = stripeErr.Error.Message
	}

	return types.NewAppError(types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: stripe error (%d): %s", operation, resp.StatusCode, msg), nil)
}

var _ SubscriptionCanceler = (*StripeClient)(nil)
