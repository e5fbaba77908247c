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
	"time"

	"planguard/internal/types"
)

// IdentityClientConfig holds the configuration for creating an IdentityClient.
type IdentityClientConfig struct {
	BaseURL string
	APIKey  string
	Logger  *slog.Logger
}

// IdentityClient implements IdentityResolver against the internal identity
// service's user-lookup endpoint.
type IdentityClient struct {
	base    *BaseClient
	apiKey  string
	baseURL string
	logger  *slog.Logger
}

// NewIdentityClient creates an IdentityClient with the standard resilience
// settings. Email lookups sit on the webhook processing path, so the retry
// budget is kept tight.
func NewIdentityClient(httpClient *http.Client, cfg IdentityClientConfig) *IdentityClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"identity",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    250 * time.Millisecond,
			MaxWait:    2 * time.Second,
		},
		"Planguard/1.0",
	)

	return &IdentityClient{
		base:    base,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		logger:  logger,
	}
}

// NewIdentityClientWithBase creates an IdentityClient over a pre-configured
// BaseClient, used by tests to disable retries.
func NewIdentityClientWithBase(base *BaseClient, cfg IdentityClientConfig) *IdentityClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityClient{
		base:    base,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		logger:  logger,
	}
}

type identityLookupResponse struct {
	UserID string `json:"user_id"`
}

// ResolveByEmail implements IdentityResolver.
func (c *IdentityClient) ResolveByEmail(ctx context.Context, email string) (string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return "", types.NewAppError(types.ErrCodeValidationMissingField,
			"email is required for identity lookup", nil)
	}

	reqURL := c.baseURL + "/internal/v1/users/by-email?email=" + url.QueryEscape(email)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to create identity lookup request", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.base.Do(req)
	if err != nil {
		if _, ok := err.(*types.AppError); ok {
			return "", err
		}
		return "", types.NewAppError(types.ErrCodeUpstreamIdentity,
			"identity lookup request failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out identityLookupResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", types.NewAppError(types.ErrCodeUpstreamIdentity,
				"identity lookup returned an unreadable body", err)
		}
		if out.UserID == "" {
			return "", types.NewAppError(types.ErrCodeUpstreamIdentity,
				"identity lookup returned no user_id", nil)
		}
		return out.UserID, nil

	case http.StatusNotFound:
		return "", types.NewAppError(types.ErrCodeNotFoundUser,
			fmt.Sprintf("no account matches email %s", email), nil)

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", types.NewAppError(types.ErrCodeUpstreamIdentity,
			fmt.Sprintf("identity lookup returned %d: %s", resp.StatusCode, string(body)), nil)
	}
}

var _ IdentityResolver = (*IdentityClient)(nil)
