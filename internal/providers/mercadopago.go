package providers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"planguard/internal/types"
)

// MercadoPagoAdapter verifies and normalizes Mercado Pago webhook
// notifications. Mercado Pago signs a manifest string built from the
// resource id, the X-Request-Id header, and the timestamp from the
// x-signature header, not the body itself, so Verify needs the full request.
type MercadoPagoAdapter struct {
	permissiveGuard
}

// NewMercadoPagoAdapter returns the Mercado Pago webhook adapter.
func NewMercadoPagoAdapter(secret string, permissive bool, logger *slog.Logger) *MercadoPagoAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MercadoPagoAdapter{permissiveGuard{
		secret:     secret,
		permissive: permissive,
		logger:     logger,
		provider:   types.ProviderMercadoPago,
	}}
}

// Name implements Adapter.
func (a *MercadoPagoAdapter) Name() types.Provider { return types.ProviderMercadoPago }

// Verify implements Adapter. The x-signature header carries
// "ts=<unix>,v1=<hex hmac>"; the signed manifest is
// "id:<data.id>;request-id:<x-request-id>;ts:<ts>;" with the request-id
// section omitted when the header is absent.
func (a *MercadoPagoAdapter) Verify(r *http.Request, _ []byte) error {
	skip, err := a.check()
	if err != nil || skip {
		return err
	}

	sig := r.Header.Get("x-signature")
	if sig == "" {
		return types.NewAppError(types.ErrCodeAuthSignatureMissing,
			"missing x-signature header", nil)
	}

	ts, v1, err := parseMPSignature(sig)
	if err != nil {
		return err
	}

	manifest := buildMPManifest(r.URL.Query().Get("data.id"), r.Header.Get("x-request-id"), ts)
	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write([]byte(manifest))
	want := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(want), []byte(strings.ToLower(v1))) {
		return types.NewAppError(types.ErrCodeAuthSignatureInvalid,
			"mercadopago webhook signature mismatch", nil)
	}
	return nil
}

func parseMPSignature(header string) (ts, v1 string, err error) {
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "ts":
			ts = strings.TrimSpace(v)
		case "v1":
			v1 = strings.TrimSpace(v)
		}
	}
	if ts == "" || v1 == "" {
		return "", "", types.NewAppError(types.ErrCodeAuthSignatureInvalid,
			"x-signature header is missing ts or v1", nil)
	}
	return ts, v1, nil
}

func buildMPManifest(dataID, requestID, ts string) string {
	var b strings.Builder
	if dataID != "" {
		// Alphanumeric ids are signed lowercased per the provider contract.
		fmt.Fprintf(&b, "id:%s;", strings.ToLower(dataID))
	}
	if requestID != "" {
		fmt.Fprintf(&b, "request-id:%s;", requestID)
	}
	fmt.Fprintf(&b, "ts:%s;", ts)
	return b.String()
}

// mpNotification covers both the thin resource-pointer form and the
// preapproval payloads that embed subscription state directly.
type mpNotification struct {
	ID          json.Number `json:"id"`
	Type        string      `json:"type"`
	Action      string      `json:"action"`
	DateCreated string      `json:"date_created"`
	Data        struct {
		ID                json.Number `json:"id"`
		Status            string      `json:"status"`
		PreapprovalPlanID string      `json:"preapproval_plan_id"`
		PayerEmail        string      `json:"payer_email"`
		ExternalReference string      `json:"external_reference"`
		NextPaymentDate   string      `json:"next_payment_date"`
	} `json:"data"`
}

// Normalize implements Adapter.
func (a *MercadoPagoAdapter) Normalize(payload []byte) (*types.LifecycleEvent, error) {
	var n mpNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationPayload,
			"mercadopago webhook payload is not valid JSON", err)
	}
	if n.ID.String() == "" {
		return nil, types.NewAppError(types.ErrCodeValidationPayload,
			"mercadopago webhook has no notification id", nil)
	}

	base := &types.LifecycleEvent{
		Provider:   types.ProviderMercadoPago,
		ExternalID: n.ID.String(),
		OccurredAt: occurredAtOrNow(parseMPTime(n.DateCreated)),
		UserRef:    n.Data.ExternalReference,
		BuyerEmail: n.Data.PayerEmail,
		RawType:    n.Type + "." + n.Action,
	}

	if n.Type != "subscription_preapproval" && n.Type != "subscription_authorized_payment" {
		base.Kind = types.EventUnrecognized
		return base, nil
	}

	if n.Type == "subscription_authorized_payment" {
		base.Kind = types.EventInvoicePaid
		base.Invoice = &types.InvoiceEvent{
			SubscriptionID:   n.Data.ID.String(),
			PriceRef:         n.Data.PreapprovalPlanID,
			CurrentPeriodEnd: parseMPTime(n.Data.NextPaymentDate),
		}
		return base, nil
	}

	se := &types.SubscriptionEvent{
		SubscriptionID:   n.Data.ID.String(),
		PriceRef:         n.Data.PreapprovalPlanID,
		CurrentPeriodEnd: parseMPTime(n.Data.NextPaymentDate),
	}

	switch n.Data.Status {
	case "authorized":
		se.Status = types.SubStatusActive
		if n.Action == "created" {
			base.Kind = types.EventSubscriptionActivated
		} else {
			base.Kind = types.EventSubscriptionUpdated
		}
	case "paused":
		se.Status = types.SubStatusPastDue
		base.Kind = types.EventSubscriptionUpdated
	case "cancelled":
		se.Status = types.SubStatusCanceledPending
		se.CancelAtPeriodEnd = true
		base.Kind = types.EventSubscriptionCanceled
	default:
		base.Kind = types.EventUnrecognized
		return base, nil
	}

	base.Subscription = se
	return base, nil
}

func parseMPTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000-07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
