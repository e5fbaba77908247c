package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"planguard/internal/types"
)

// sendGridAPIBase is the default SendGrid API base URL, overridable in tests.
const sendGridAPIBase = "https://api.sendgrid.com"

// SendGridClientConfig holds the configuration for creating a SendGridClient.
type SendGridClientConfig struct {
	APIKey          string
	FromAddress     string
	FromName        string
	WelcomeTemplate string
	BaseURL         string
	Logger          *slog.Logger
}

// SendGridClient implements WelcomeMailer over SendGrid's v3 Mail Send API
// with dynamic templates.
type SendGridClient struct {
	base *BaseClient
	cfg  SendGridClientConfig
}

// NewSendGridClient creates a SendGridClient with the standard resilience
// settings.
func NewSendGridClient(httpClient *http.Client, cfg SendGridClientConfig) *SendGridClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = sendGridAPIBase
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"sendgrid",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"Planguard/1.0",
	)

	return &SendGridClient{base: base, cfg: cfg}
}

// NewSendGridClientWithBase creates a SendGridClient over a pre-configured
// BaseClient.
func NewSendGridClientWithBase(base *BaseClient, cfg SendGridClientConfig) *SendGridClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = sendGridAPIBase
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SendGridClient{base: base, cfg: cfg}
}

type sendGridMailPayload struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	TemplateID       string                    `json:"template_id"`
}

type sendGridPersonalization struct {
	To          []sendGridAddress `json:"to"`
	DynamicData map[string]any    `json:"dynamic_template_data,omitempty"`
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// SendWelcome implements WelcomeMailer. Delivery failures are reported but
// never retried through the webhook pipeline: the grant has already
// committed, and a redelivered event would be deduplicated by the ledger
// before ever reaching the mailer again.
func (s *SendGridClient) SendWelcome(ctx context.Context, to string, tier types.Tier) (string, error) {
	if to == "" {
		return "", types.NewAppError(types.ErrCodeValidationMissingField,
			"recipient email is required", nil)
	}

	payload := sendGridMailPayload{
		Personalizations: []sendGridPersonalization{{
			To: []sendGridAddress{{Email: to}},
			DynamicData: map[string]any{
				"tier": string(tier),
			},
		}},
		From: sendGridAddress{
			Email: s.cfg.FromAddress,
			Name:  s.cfg.FromName,
		},
		TemplateID: s.cfg.WelcomeTemplate,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to marshal sendgrid mail payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to create sendgrid mail send request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	resp, err := s.base.Do(req)
	if err != nil {
		if _, ok := err.(*types.AppError); ok {
			return "", err
		}
		return "", types.NewAppError(types.ErrCodeUpstreamEmail,
			"sendgrid request failed", err)
	}
	defer resp.Body.Close()

	// SendGrid answers 202 Accepted on success.
	if resp.StatusCode == http.StatusAccepted {
		return resp.Header.Get("X-Message-Id"), nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := string(respBody)
	var sgErr struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(respBody, &sgErr); err == nil && len(sgErr.Errors) > 0 {
		msg = sgErr.Errors[0].Message
	}

	return "", types.NewAppError(types.ErrCodeUpstreamEmail,
		fmt.Sprintf("sendgrid error (%d): %s", resp.StatusCode, msg), nil)
}

var _ WelcomeMailer = (*SendGridClient)(nil)
