package canonicalize

import (
	"bytes"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// FingerprintPrefix marks fingerprint strings so they are never confused with
// other digests in logs or storage keys.
const FingerprintPrefix = "fp1:"

// Fingerprint derives a deterministic cache key from v.
//
// Every string (object keys included) is normalised to Unicode NFC before the
// canonical form is hashed, so visually identical prompts produced by different
// input methods collapse to the same key. Callers must pass only the
// semantically relevant request fields: anything time- or identity-dependent
// would defeat caching.
func Fingerprint(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint: marshal failed: %w", err)
	}

	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return "", fmt.Errorf("fingerprint: decode failed: %w", err)
	}

	h, err := CanonicalHash(normalize(generic))
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return FingerprintPrefix + h, nil
}

func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, elem := range t {
			out[i] = normalize(elem)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, elem := range t {
			out[norm.NFC.String(k)] = normalize(elem)
		}
		return out
	default:
		return v
	}
}
