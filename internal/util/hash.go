package util

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON encodes v with stable key ordering. encoding/json already sorts
// map keys; struct values are first normalized into generic maps so field
// order never influences the result. HTML escaping is disabled.
func CanonicalJSON(v any) ([]byte, error) {
	norm, err := Normalize(v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(norm); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}

	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Normalize round-trips v through JSON, yielding only maps, slices, strings,
// float64, bool and nil. Values stored in ledgers and checkpoints are
// normalized so that a decoded copy is indistinguishable from the original.
func Normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}

	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}

	return out, nil
}

// NormalizeMap is Normalize for map payloads. A nil map stays an empty map.
func NormalizeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}

	norm, err := Normalize(m)
	if err != nil {
		return nil, err
	}

	out, ok := norm.(map[string]any)
	if !ok {
		return map[string]any{}, nil
	}

	return out, nil
}

// HashBytes returns the hex encoded sha256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Digest returns the hex sha256 over the canonical JSON encoding of v.
func Digest(v any) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}

	return HashBytes(b), nil
}

// MustDigest is Digest for values that are JSON encodable by construction.
func MustDigest(v any) string {
	d, err := Digest(v)
	if err != nil {
		panic(err)
	}

	return d
}
