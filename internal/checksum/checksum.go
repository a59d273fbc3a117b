// Package checksum computes the deterministic content digest carried by
// submission and transaction payloads. The digest is a SHA-256 over a
// canonical rendering of the payload in which object keys are sorted
// recursively, so re-serialization on either side of the wire never changes
// the hash.
package checksum

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/example/pos-relay/internal/pipeline"
)

// Field is the payload key holding the claimed digest. It is excluded from
// the hashed content at every nesting level's top object.
const Field = "payload_checksum"

// Compute returns the hex digest of the canonical form of payload, ignoring
// the checksum field itself. The input map is not modified.
func Compute(payload map[string]any) (string, error) {
	canonical, err := canonicalize(payload)
	if err != nil {
		return "", pipeline.WrapMalformed(err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ComputeRaw parses raw JSON and computes its digest. Number literals are
// preserved verbatim (1120.00 stays 1120.00) so the digest matches what the
// sender hashed.
func ComputeRaw(raw []byte) (string, error) {
	payload, err := Decode(raw)
	if err != nil {
		return "", err
	}
	return Compute(payload)
}

// Verify reports whether the claimed digest matches the computed one. It is
// side-effect free and never fails fatally; callers decide mismatch policy.
func Verify(payload map[string]any, claimed string) (bool, error) {
	computed, err := Compute(payload)
	if err != nil {
		return false, err
	}
	return computed == claimed, nil
}

// Decode parses raw JSON into a map while keeping numbers as their literal
// representation.
func Decode(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, pipeline.WrapMalformed(err)
	}
	return payload, nil
}

func canonicalize(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, value, true); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, value any, topLevel bool) error {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			if topLevel && k == Field {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyJSON)
			buf.WriteByte(':')
			if err := writeCanonical(buf, v[k], false); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, elem := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem, false); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case json.Number:
		buf.WriteString(v.String())
		return nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("canonicalize value: %w", err)
		}
		buf.Write(encoded)
		return nil
	}
}
