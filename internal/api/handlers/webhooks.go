// Package handlers contains the HTTP handler implementations for the
// planguard API: the provider webhook intake, entitlement checks, plan and
// subscription endpoints, and the operator admin surface.
package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"planguard/internal/core"
	"planguard/internal/providers"
	"planguard/internal/types"
)

// maxWebhookBodySize caps webhook payloads at 64 KB. Provider notifications
// are a few KB; anything larger is abuse.
const maxWebhookBodySize = 64 << 10

// AdapterSource resolves a provider path segment to its webhook adapter.
type AdapterSource interface {
	Lookup(name string) (providers.Adapter, error)
}

// LedgerReader is the duplicate fast path for the webhook handler.
type LedgerReader interface {
	Exists(ctx context.Context, provider types.Provider, externalID string) (bool, error)
}

// Dispatcher hands a normalized event to the processing side, either an SQS
// queue or an inline processor.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg types.EventMessage) error
}

// WebhookHandler is the single intake endpoint for all payment providers.
type WebhookHandler struct {
	adapters   AdapterSource
	ledger     LedgerReader
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(adapters AdapterSource, ledger LedgerReader, dispatcher Dispatcher, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{adapters: adapters, ledger: ledger, dispatcher: dispatcher, logger: logger}
}

// RegisterRoutes mounts the webhook endpoint. Webhook routes are public; the
// provider signature is the authentication.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/{provider}", h.Handle)
}

// webhookAck is the minimal response body providers receive. Providers only
// look at the status code; the fields exist for log correlation.
type webhookAck struct {
	Received  bool   `json:"received"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Ignored   bool   `json:"ignored,omitempty"`
	EventID   string `json:"event_id,omitempty"`
}

// Handle processes one provider notification: verify against the raw bytes,
// normalize, fast-path duplicates, and dispatch for processing. A signature
// failure must reject before anything is persisted, so an attacker can never
// plant a ledger row that shadows a future legitimate delivery.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerName := chi.URLParam(r, "provider")

	adapter, err := h.adapters.Lookup(providerName)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to read webhook body",
			slog.String("provider", providerName), slog.Any("error", err))
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationPayload,
			"failed to read request body", err))
		return
	}

	if err := adapter.Verify(r, payload); err != nil {
		h.logger.WarnContext(ctx, "webhook signature rejected",
			slog.String("provider", providerName), slog.Any("error", err))
		core.Error(w, r, err)
		return
	}

	ev, err := adapter.Normalize(payload)
	if err != nil {
		h.logger.WarnContext(ctx, "webhook payload rejected",
			slog.String("provider", providerName), slog.Any("error", err))
		core.Error(w, r, err)
		return
	}

	logger := h.logger.With(
		slog.String("provider", providerName),
		slog.String("external_id", ev.ExternalID),
		slog.String("kind", string(ev.Kind)),
	)

	if !ev.Actionable() {
		logger.InfoContext(ctx, "webhook event not actionable, acknowledged",
			slog.String("raw_type", ev.RawType))
		h.ack(w, r, adapter, webhookAck{Received: true, Ignored: true, EventID: ev.ExternalID})
		return
	}

	// Duplicate fast path. The processor re-checks under the ledger's unique
	// key, so a race here costs one redundant dispatch, never a double apply.
	seen, err := h.ledger.Exists(ctx, ev.Provider, ev.ExternalID)
	if err != nil {
		logger.WarnContext(ctx, "ledger lookup failed, dispatching anyway", slog.Any("error", err))
	} else if seen {
		logger.InfoContext(ctx, "duplicate webhook delivery acknowledged")
		h.ack(w, r, adapter, webhookAck{Received: true, Duplicate: true, EventID: ev.ExternalID})
		return
	}

	msg := types.EventMessage{
		TraceID:    types.GetRequestID(ctx),
		Event:      *ev,
		RawPayload: payload,
	}
	if err := h.dispatcher.Dispatch(ctx, msg); err != nil {
		// Nothing is ledgered yet, so a 5xx here makes the provider redeliver
		// and the whole pipeline runs again.
		logger.ErrorContext(ctx, "event dispatch failed", slog.Any("error", err))
		core.Error(w, r, err)
		return
	}

	logger.InfoContext(ctx, "webhook event accepted")
	h.ack(w, r, adapter, webhookAck{Received: true, EventID: ev.ExternalID})
}

func (h *WebhookHandler) ack(w http.ResponseWriter, r *http.Request, adapter providers.Adapter, body webhookAck) {
	resp := core.APIResponse{Data: body}
	if adapter.Degraded() {
		resp.Meta = &core.ResponseMeta{
			Warnings: []string{"signature verification disabled for this provider"},
		}
	}
	core.JSON(w, r, http.StatusOK, resp)
}
