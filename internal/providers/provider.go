// Package providers contains the per-provider webhook adapters: signature
// verification over the raw payload bytes, and normalization of the
// provider's payload shape into the canonical lifecycle event.
package providers

import (
	"fmt"
	"log/slog"
	"net/http"

	"planguard/internal/config"
	"planguard/internal/types"
)

// Adapter is the per-provider pair of authenticity check and payload
// normalizer. Verification always runs over the raw, unparsed request body;
// re-serializing a parsed object before verifying breaks HMAC schemes and is
// the defect the signature goes first in the pipeline to prevent.
type Adapter interface {
	// Name returns the provider namespace this adapter serves.
	Name() types.Provider

	// Verify checks the authenticity material on the request against the raw
	// payload bytes. A nil return means the payload is trusted. The request
	// is needed in full because some providers sign over query parameters
	// and correlation headers, not just the body.
	Verify(r *http.Request, payload []byte) error

	// Normalize parses the verified payload into a canonical lifecycle
	// event. Payloads the adapter cannot classify come back as an
	// Unrecognized event, never an error: unknown event types are
	// acknowledged and ledgered, not retried.
	Normalize(payload []byte) (*types.LifecycleEvent, error)

	// Degraded reports whether the adapter is running without a secret in
	// permissive pass-through mode, so callers can surface the warning.
	Degraded() bool
}

// Registry holds the configured adapters keyed by provider namespace.
type Registry struct {
	adapters map[types.Provider]Adapter
}

// NewRegistry builds the adapter set from provider configuration. Providers
// whose secret is unset run in permissive pass-through only when explicitly
// listed in PermissiveProviders; the degraded state is logged at startup.
func NewRegistry(cfg config.ProvidersConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	adapters := map[types.Provider]Adapter{
		types.ProviderStripe:      NewStripeAdapter(cfg.StripeWebhookSecret.Unmask(), cfg.PermissiveFor("stripe"), logger),
		types.ProviderHotmart:     NewHotmartAdapter(cfg.HotmartToken.Unmask(), cfg.PermissiveFor("hotmart"), logger),
		types.ProviderMercadoPago: NewMercadoPagoAdapter(cfg.MercadoPagoSecret.Unmask(), cfg.PermissiveFor("mercadopago"), logger),
	}

	for name, a := range adapters {
		if a.Degraded() {
			logger.Warn("webhook signature verification disabled, running permissive",
				slog.String("provider", string(name)))
		}
	}

	return &Registry{adapters: adapters}
}

// Lookup returns the adapter for the given provider path segment.
func (r *Registry) Lookup(name string) (Adapter, error) {
	provider := types.Provider(name)
	if a, ok := r.adapters[provider]; ok {
		return a, nil
	}
	return nil, types.NewAppError(types.ErrCodeValidationProvider,
		fmt.Sprintf("unknown payment provider %q", name), nil)
}

// permissiveGuard implements the shared missing-secret policy. Adapters embed
// it and call check before their scheme-specific verification.
type permissiveGuard struct {
	secret     string
	permissive bool
	logger     *slog.Logger
	provider   types.Provider
}

// check returns (skip=true, nil) when verification should be bypassed in
// permissive mode, or an error when no secret is configured and permissive
// mode is off.
func (g *permissiveGuard) check() (bool, error) {
	if g.secret != "" {
		return false, nil
	}
	if g.permissive {
		// Degraded-security condition, logged per request so it cannot pass
		// unnoticed in a production log stream.
		g.logger.Warn("accepting unverified webhook, no secret configured",
			slog.String("provider", string(g.provider)))
		return true, nil
	}
	return false, types.NewAppError(types.ErrCodeAuthSignatureInvalid,
		fmt.Sprintf("no webhook secret configured for %s and permissive mode is off", g.provider), nil)
}

// Degraded reports permissive pass-through mode.
func (g *permissiveGuard) Degraded() bool {
	return g.secret == "" && g.permissive
}
