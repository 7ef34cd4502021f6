package engine

import (
	"errors"
	"strings"
	"testing"
)

func TestFingerprintConfigReplacesSecrets(t *testing.T) {
	t.Setenv(FingerprintKeyEnv, "test-key")

	config := map[string]any{
		"endpoint": "https://api.example.com",
		"api_key":  "sk-very-secret",
		"nested": map[string]any{
			"password": "hunter2",
			"timeout":  30,
		},
		"providers": []any{
			map[string]any{"auth_token": "tok-123", "region": "us"},
		},
	}

	out, err := FingerprintConfig(config)
	if err != nil {
		t.Fatalf("FingerprintConfig failed: %v", err)
	}

	if out["endpoint"] != "https://api.example.com" {
		t.Errorf("non-secret field changed: %v", out["endpoint"])
	}
	fp, _ := out["api_key"].(string)
	if !strings.HasPrefix(fp, "hmac-sha256:") {
		t.Errorf("api_key = %q, want an hmac-sha256 fingerprint", fp)
	}
	if strings.Contains(fp, "sk-very-secret") {
		t.Error("raw secret leaked into the fingerprint")
	}

	nested := out["nested"].(map[string]any)
	if !strings.HasPrefix(nested["password"].(string), "hmac-sha256:") {
		t.Error("nested secrets must be fingerprinted")
	}
	if nested["timeout"] != 30 {
		t.Errorf("nested non-secret changed: %v", nested["timeout"])
	}

	provider := out["providers"].([]any)[0].(map[string]any)
	if !strings.HasPrefix(provider["auth_token"].(string), "hmac-sha256:") {
		t.Error("secrets inside lists must be fingerprinted")
	}
	if provider["region"] != "us" {
		t.Errorf("list sibling changed: %v", provider["region"])
	}

	// Same value, same key: deterministic fingerprint.
	again, err := FingerprintConfig(config)
	if err != nil {
		t.Fatalf("FingerprintConfig failed: %v", err)
	}
	if again["api_key"] != out["api_key"] {
		t.Error("fingerprints must be deterministic per key and value")
	}
}

func TestFingerprintConfigDistinguishesValues(t *testing.T) {
	t.Setenv(FingerprintKeyEnv, "test-key")

	a, err := FingerprintConfig(map[string]any{"api_key": "one"})
	if err != nil {
		t.Fatalf("FingerprintConfig failed: %v", err)
	}
	b, err := FingerprintConfig(map[string]any{"api_key": "two"})
	if err != nil {
		t.Fatalf("FingerprintConfig failed: %v", err)
	}
	if a["api_key"] == b["api_key"] {
		t.Error("different secrets must fingerprint differently")
	}
}

func TestFingerprintConfigMissingKeyIsHardError(t *testing.T) {
	t.Setenv(FingerprintKeyEnv, "")

	_, err := FingerprintConfig(map[string]any{"api_key": "sk-secret"})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want a ValidationError when the key is unset", err)
	}

	// No secrets, no key needed.
	out, err := FingerprintConfig(map[string]any{"endpoint": "https://example.com"})
	if err != nil {
		t.Fatalf("secret-free config must not need a key: %v", err)
	}
	if out["endpoint"] != "https://example.com" {
		t.Errorf("out = %v", out)
	}
}

func TestIsSecretField(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"api_key", true},
		{"API_KEY", true},
		{"token", true},
		{"password", true},
		{"secret", true},
		{"anthropic_api_key", true},
		{"refresh_token", true},
		{"client_secret", true},
		{"endpoint", false},
		{"keyboard", false},
		{"tokenizer", false},
	}
	for _, tc := range cases {
		if got := isSecretField(tc.name); got != tc.want {
			t.Errorf("isSecretField(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}
