package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// DeriveIdempotencyKey produces a deterministic key for a tool call so
// that retried calls dedupe downstream. Only the declared fields feed
// the hash; any other argument is ignored, so adding unrelated args to
// a retry never changes the key.
func DeriveIdempotencyKey(toolKey, userID string, args json.RawMessage, fields []string) (string, error) {
	canonical, err := canonicalJSON(args, fields)
	if err != nil {
		return "", fmt.Errorf("canonicalize args: %w", err)
	}

	sum := sha256.Sum256([]byte(toolKey + "|" + userID + "|" + canonical))
	return "idem_" + hex.EncodeToString(sum[:])[:32], nil
}

// canonicalJSON picks the listed fields from the args object and
// renders them with object keys sorted at every nesting level.
func canonicalJSON(raw json.RawMessage, fields []string) (string, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", err
	}
	picked := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := doc[f]; ok {
			picked[f] = v
		}
	}
	var b strings.Builder
	if err := writeCanonical(&b, picked); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(keyJSON)
			b.WriteByte(':')
			if err := writeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
		return nil
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return err
		}
		b.Write(encoded)
		return nil
	}
}
