package providers

import (
	"testing"

	"planguard/internal/config"
	"planguard/internal/types"
)

func TestRegistryLookup(t *testing.T) {
	cfg := config.ProvidersConfig{
		StripeWebhookSecret: "whsec_x",
		HotmartToken:        "hottok_x",
		MercadoPagoSecret:   "mp_x",
	}
	reg := NewRegistry(cfg, nil)

	for _, name := range []string{"stripe", "hotmart", "mercadopago"} {
		a, err := reg.Lookup(name)
		if err != nil {
			t.Errorf("Lookup(%s): %v", name, err)
			continue
		}
		if string(a.Name()) != name {
			t.Errorf("Lookup(%s).Name() = %s", name, a.Name())
		}
	}
}

func TestRegistryLookup_Unknown(t *testing.T) {
	reg := NewRegistry(config.ProvidersConfig{}, nil)
	_, err := reg.Lookup("paypal")
	assertAppErrCode(t, err, types.ErrCodeValidationProvider)
}
