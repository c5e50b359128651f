// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and SHA-256 digests. Every hash in the system (payload
// hashes, chain hashes, idempotency fingerprints, ledger entry integrity
// hashes) is a digest of the canonical form produced here, so insertion
// order of fields never changes a hash.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"
)

// Canonicalize returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshaled with encoding/json (so struct tags are respected),
// decoded back with json.Number to preserve exact numeric text, then
// re-marshaled with lexicographically sorted keys and HTML escaping
// disabled. Non-finite floats fail at the pre-marshal step.
func Canonicalize(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}

	var generic any
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: intermediate decode failed: %w", err)
	}

	return marshalRecursive(generic)
}

// CanonicalizeRaw transforms already-encoded JSON into its RFC 8785
// canonical form. Used for payloads that arrive over the wire as raw bytes,
// where a round trip through Go values would be wasted work.
func CanonicalizeRaw(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns a hex string.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// marshalRecursive emits canonical JSON for a decoded value: object keys in
// lexicographic order, numbers as their preserved json.Number text.
func marshalRecursive(v any) ([]byte, error) {
	switch t := v.(type) {
	case json.Number:
		return []byte(t.String()), nil
	case []any:
		parts := make([][]byte, len(t))
		for i, elem := range t {
			b, err := marshalRecursive(elem)
			if err != nil {
				return nil, err
			}
			parts[i] = b
		}
		return join('[', parts, ']'), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		parts := make([][]byte, 0, len(keys))
		for _, k := range keys {
			kb, err := encodeScalar(k)
			if err != nil {
				return nil, err
			}
			vb, err := marshalRecursive(t[k])
			if err != nil {
				return nil, err
			}
			parts = append(parts, append(append(kb, ':'), vb...))
		}
		return join('{', parts, '}'), nil
	default:
		return encodeScalar(v)
	}
}

// encodeScalar encodes null, booleans, and strings. HTML escaping is off:
// RFC 8785 forbids it.
func encodeScalar(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

func join(open byte, parts [][]byte, closing byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(open)
	for i, p := range parts {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(p)
	}
	buf.WriteByte(closing)
	return buf.Bytes()
}
