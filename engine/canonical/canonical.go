// Package canonical provides stable JSON canonicalization and content
// hashing for the audit trail.
//
// Every hash stored in the Landscape database is a SHA-256 over the
// canonical JSON encoding produced here. The encoding is modeled on
// RFC 8785 (JSON Canonicalization Scheme): two payloads with the same
// logical content always hash identically under these rules:
//   - Object keys sorted lexicographically by UTF-8 byte order (this
//     diverges from RFC 8785's UTF-16 ordering only for keys mixing
//     supplementary-plane characters with U+E000..U+FFFF)
//   - No insignificant whitespace
//   - UTF-8 output, minimal string escaping
//   - Integers rendered without a trailing ".0", negative zero folded to 0
//   - NaN and infinities rejected (they have no JSON representation)
//   - Arrays keep their given order
//
// The Version constant is stored on every run so historical audit rows
// can be re-verified under the rules in force when they were written.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Version identifies the canonicalization rules used for hashing.
// Recorded on each run as canonical_version.
const Version = "sha256-rfc8785-v1"

// MarshalCanonical encodes v as canonical JSON bytes.
//
// v may be any JSON-encodable value. Struct values are first flattened
// through encoding/json so that their tags apply, then re-encoded
// canonically. Returns an error for values with no JSON representation
// (NaN, +Inf, -Inf, channels, functions).
func MarshalCanonical(v any) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	if err := encode(&b, norm); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

// Hash returns the SHA-256 of the canonical JSON encoding of v as a
// 64-character lowercase hex string.
func Hash(v any) (string, error) {
	data, err := MarshalCanonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes. Used for
// artifact content hashing where the payload is already serialized.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// normalize reduces v to the JSON data model: nil, bool, float64,
// int64, string, []any, map[string]any. Values that are not already in
// the model are round-tripped through encoding/json with UseNumber so
// integers survive without float conversion.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string:
		return t, nil
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return float64(t), nil
		}
		return int64(t), nil
	case float32:
		return checkFloat(float64(t))
	case float64:
		return checkFloat(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("canonical: invalid number %q", t.String())
		}
		return checkFloat(f)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			n, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			n, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	default:
		// Structs, typed maps, typed slices: flatten via encoding/json.
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("canonical: %w", err)
		}
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.UseNumber()
		var generic any
		if err := dec.Decode(&generic); err != nil {
			return nil, fmt.Errorf("canonical: %w", err)
		}
		return normalize(generic)
	}
}

func checkFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("canonical: non-finite number %v has no JSON representation", f)
	}
	if f == 0 {
		// Fold -0 into 0.
		return int64(0), nil
	}
	// Whole-valued floats within the safe integer range serialize as
	// integers (no trailing ".0").
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f), nil
	}
	return f, nil
}

func encode(b *strings.Builder, v any) error {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if t {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case float64:
		// Shortest representation that round-trips, matching the JCS
		// number serialization for non-integer values.
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	case string:
		encodeString(b, t)
	case []any:
		b.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := encode(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			encodeString(b, k)
			b.WriteByte(':')
			if err := encode(b, t[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unexpected type %T after normalization", v)
	}
	return nil
}

// encodeString writes s with minimal JSON escaping: only the quote,
// backslash, and control characters are escaped. HTML-significant
// characters pass through unescaped, unlike encoding/json's default.
func encodeString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(b, `\u%04x`, r)
			} else if r == utf8.RuneError {
				// Invalid UTF-8 input bytes map to the replacement rune.
				b.WriteRune(utf8.RuneError)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}
