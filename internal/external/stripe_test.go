package external

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"planguard/internal/types"
)

func newStripeClient(t *testing.T, handler http.HandlerFunc) *StripeClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	base := NewBaseClient(&http.Client{Timeout: 5 * time.Second}, "stripe-test", noRetryPolicy(), "",
		WithSleepFunc(func(time.Duration) {}))
	return NewStripeClientWithBase(base, StripeClientConfig{
		SecretKey: "sk_test_123",
		BaseURL:   srv.URL,
	})
}

func TestCancelAtPeriodEnd_Success(t *testing.T) {
	c := newStripeClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/subscriptions/sub_123" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk_test_123" {
			t.Error("missing bearer auth")
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "cancel_at_period_end=true" {
			t.Errorf("body = %q", body)
		}
		w.Write([]byte(`{"id": "sub_123", "cancel_at_period_end": true}`))
	})

	if err := c.CancelAtPeriodEnd(context.Background(), "sub_123"); err != nil {
		t.Fatalf("CancelAtPeriodEnd: %v", err)
	}
}

func TestCancelAtPeriodEnd_NotFound(t *testing.T) {
	c := newStripeClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": {"message": "No such subscription"}}`))
	})

	err := c.CancelAtPeriodEnd(context.Background(), "sub_gone")
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeNotFoundSubscription {
		t.Errorf("error = %v, want %s", err, types.ErrCodeNotFoundSubscription)
	}
}

func TestCancelAtPeriodEnd_APIErrorMessageSurfaced(t *testing.T) {
	c := newStripeClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"type": "invalid_request_error", "message": "Subscription already canceled"}}`))
	})

	err := c.CancelAtPeriodEnd(context.Background(), "sub_123")
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeUpstreamStripe {
		t.Fatalf("error = %v, want %s", err, types.ErrCodeUpstreamStripe)
	}
	if appErr.Message == "" {
		t.Error("stripe error message not surfaced")
	}
}

func TestCancelAtPeriodEnd_EmptyID(t *testing.T) {
	c := newStripeClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for empty subscription id")
	})

	err := c.CancelAtPeriodEnd(context.Background(), "")
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeValidationMissingField {
		t.Errorf("error = %v, want %s", err, types.ErrCodeValidationMissingField)
	}
}
