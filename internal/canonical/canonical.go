// Package canonical produces deterministic encodings and digests of payloads
// so that identical logical content always hashes identically.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Genesis is the prev_hash of the first entry of every chain
const Genesis = "0000000000000000000000000000000000000000000000000000000000000000"

// Marshal encodes v as JSON with sorted object keys, no insignificant
// whitespace and no HTML escaping. Numbers keep their literal form.
func Marshal(v any) ([]byte, error) {
	raw, err := encode(v)
	if err != nil {
		return nil, err
	}

	// Round-trip through a generic tree so struct field order never leaks
	// into the encoding; maps are emitted in key order by encoding/json.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("failed to normalise payload: %w", err)
	}
	return encode(tree)
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Hash is the hex SHA-256 of the canonical encoding of v
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// ChainHash computes H(prev ++ canonical(v))
func ChainHash(prev string, v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChainHashRaw is ChainHash over an already stored JSON document
func ChainHashRaw(prev string, doc []byte) (string, error) {
	return ChainHash(prev, json.RawMessage(doc))
}
