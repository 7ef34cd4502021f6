package engine

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/elspeth-engine/elspeth/engine/canonical"
)

// FingerprintKeyEnv names the environment variable holding the
// process-wide HMAC key for secret fingerprinting.
const FingerprintKeyEnv = "ELSPETH_FINGERPRINT_KEY"

// exact field names treated as secrets, plus the suffixes below.
var secretFieldNames = map[string]bool{
	"api_key":  true,
	"token":    true,
	"password": true,
	"secret":   true,
}

var secretFieldSuffixes = []string{"_key", "_token", "_secret"}

func isSecretField(name string) bool {
	lower := strings.ToLower(name)
	if secretFieldNames[lower] {
		return true
	}
	for _, suffix := range secretFieldSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// FingerprintConfig returns a copy of config with every secret field
// replaced by "hmac-sha256:<hex>" of its value, keyed by
// ELSPETH_FINGERPRINT_KEY. Raw secret values never reach the audit
// trail. A config containing secrets while the key is unset is a
// ValidationError: silently persisting secrets is not an option, and
// silently dropping them would break config hashing.
//
// Nested maps and lists are walked; non-secret fields pass through
// unchanged.
func FingerprintConfig(config map[string]any) (map[string]any, error) {
	key := os.Getenv(FingerprintKeyEnv)
	out, usedSecret, err := fingerprintValue(config, []byte(key))
	if err != nil {
		return nil, err
	}
	if usedSecret && key == "" {
		return nil, validationf("config", "secret fields present but %s is not set", FingerprintKeyEnv)
	}
	return out.(map[string]any), nil
}

func fingerprintValue(v any, key []byte) (any, bool, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		usedSecret := false
		for name, inner := range val {
			if isSecretField(name) {
				usedSecret = true
				fp, err := fingerprint(inner, key)
				if err != nil {
					return nil, true, err
				}
				out[name] = fp
				continue
			}
			replaced, used, err := fingerprintValue(inner, key)
			if err != nil {
				return nil, usedSecret || used, err
			}
			usedSecret = usedSecret || used
			out[name] = replaced
		}
		return out, usedSecret, nil
	case []any:
		out := make([]any, len(val))
		usedSecret := false
		for i, inner := range val {
			replaced, used, err := fingerprintValue(inner, key)
			if err != nil {
				return nil, usedSecret || used, err
			}
			usedSecret = usedSecret || used
			out[i] = replaced
		}
		return out, usedSecret, nil
	default:
		return v, false, nil
	}
}

func fingerprint(value any, key []byte) (string, error) {
	var material []byte
	if s, ok := value.(string); ok {
		material = []byte(s)
	} else {
		data, err := canonical.MarshalCanonical(value)
		if err != nil {
			return "", fmt.Errorf("canonicalizing secret value: %w", err)
		}
		material = data
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(material)
	return "hmac-sha256:" + hex.EncodeToString(mac.Sum(nil)), nil
}
