// Package plan holds the entitlement domain logic: the plan catalog, the
// subscription state machine, and the entitlement gate.
package plan

import (
	"encoding/json"
	"fmt"
	"strings"

	"planguard/internal/types"
)

// Catalog maps provider plan/price references onto tiers. It is the single
// source of truth for which purchase buys which entitlement level.
type Catalog interface {
	// Resolve returns the tier sold under the given reference. Lookup tries
	// the provider-namespaced form ("stripe:pro-monthly") first, then the
	// bare reference, so a reference shared across providers needs only one
	// entry. The second return is false when the reference is unknown.
	Resolve(provider types.Provider, ref string) (types.Tier, bool)
}

// builtinRefs is the shipped reference table. Keys are either bare
// references or provider-namespaced "provider:ref" entries when the same
// numeric identifier means different things on different providers.
var builtinRefs = map[string]types.Tier{
	"plus-monthly":   types.TierPlus,
	"plus-yearly":    types.TierPlus,
	"pro-monthly":    types.TierPro,
	"pro-yearly":     types.TierPro,
	"studio-monthly": types.TierStudio,
	"studio-yearly":  types.TierStudio,

	// Legacy naming kept for subscriptions sold before the rename.
	"tier1-monthly": types.TierPlus,
	"tier2-monthly": types.TierPro,

	// Hotmart sells by numeric offer code.
	"hotmart:764213": types.TierPlus,
	"hotmart:764214": types.TierPro,

	// Mercado Pago preapproval plan ids.
	"mercadopago:2c9380848f1": types.TierPlus,
	"mercadopago:2c9380848f2": types.TierPro,
}

// staticCatalog is an immutable in-memory catalog built once at startup.
type staticCatalog struct {
	refs map[string]types.Tier
}

// NewCatalog builds the catalog from the built-in table, optionally overlaid
// with a JSON object of {"ref": "tier"} entries from configuration. Overlay
// entries win over built-ins, which lets an operator remap or add a price
// without a deploy.
func NewCatalog(overlayJSON string) (Catalog, error) {
	refs := make(map[string]types.Tier, len(builtinRefs))
	for k, v := range builtinRefs {
		refs[k] = v
	}

	if strings.TrimSpace(overlayJSON) != "" {
		var overlay map[string]string
		if err := json.Unmarshal([]byte(overlayJSON), &overlay); err != nil {
			return nil, types.NewAppError(types.ErrCodeValidationPayload,
				fmt.Sprintf("plan catalog overlay is not valid JSON: %v", err), err)
		}
		for ref, tierName := range overlay {
			tier := types.Tier(tierName)
			if !tier.Valid() {
				return nil, types.NewAppError(types.ErrCodeValidationTier,
					fmt.Sprintf("plan catalog overlay maps %q to unknown tier %q", ref, tierName), nil)
			}
			refs[strings.TrimSpace(ref)] = tier
		}
	}

	return &staticCatalog{refs: refs}, nil
}

// Resolve implements Catalog.
func (c *staticCatalog) Resolve(provider types.Provider, ref string) (types.Tier, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return types.TierFree, false
	}
	if tier, ok := c.refs[string(provider)+":"+ref]; ok {
		return tier, true
	}
	if tier, ok := c.refs[ref]; ok {
		return tier, true
	}
	return types.TierFree, false
}
