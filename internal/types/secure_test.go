package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

const testSecret = "whsec_super-secret-key-12345"

func TestSecretString_Formatting(t *testing.T) {
	s := SecretString(testSecret)

	for _, verb := range []string{"%s", "%v", "%+v"} {
		result := fmt.Sprintf(verb, s)
		if strings.Contains(result, testSecret) {
			t.Errorf("fmt.Sprintf(%s) leaked the raw secret: %s", verb, result)
		}
		if result != redactedPlaceholder {
			t.Errorf("fmt.Sprintf(%s) = %q, want %q", verb, result, redactedPlaceholder)
		}
	}
}

func TestSecretString_MarshalJSON(t *testing.T) {
	type providerConfig struct {
		WebhookSecret SecretString `json:"webhook_secret"`
		Name          string       `json:"name"`
	}

	cfg := providerConfig{
		WebhookSecret: SecretString(testSecret),
		Name:          "stripe",
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("json.Marshal returned error: %v", err)
	}

	result := string(data)
	if strings.Contains(result, testSecret) {
		t.Errorf("json.Marshal leaked the raw secret: %s", result)
	}
	if !strings.Contains(result, redactedPlaceholder) {
		t.Errorf("json.Marshal did not contain redacted placeholder: %s", result)
	}
}

func TestSecretString_Unmask(t *testing.T) {
	s := SecretString(testSecret)

	if s.Unmask() != testSecret {
		t.Errorf("Unmask() = %q, want %q", s.Unmask(), testSecret)
	}

	empty := SecretString("")
	if empty.Unmask() != "" {
		t.Errorf("Unmask() on empty SecretString = %q, want empty string", empty.Unmask())
	}
	if empty.String() != redactedPlaceholder {
		t.Errorf("String() on empty SecretString = %q, want %q", empty.String(), redactedPlaceholder)
	}
}
