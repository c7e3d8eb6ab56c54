package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Key builds a deterministic cache key from ordered positional parts.
// Equivalent to KeyWith(parts, nil).
func Key(parts ...any) string {
	return KeyWith(parts, nil)
}

// KeyWith builds a content-addressed cache key from ordered positional parts
// and named parts. Named parts are canonicalized by name, so the same logical
// inputs produce the same key regardless of the order the map was built in.
// The key is the SHA-256 of the canonical form as 64 lowercase hex digits.
func KeyWith(parts []any, named map[string]any) string {
	canonical := struct {
		P []any          `json:"p"`
		N map[string]any `json:"n,omitempty"`
	}{P: parts, N: named}

	// json.Marshal serializes map keys in sorted order, which is exactly the
	// canonicalization needed here.
	data, err := json.Marshal(canonical)
	if err != nil {
		// Unmarshalable parts (channels, funcs) fall back to their fmt
		// representation; keys stay deterministic for comparable inputs.
		data = fmt.Appendf(nil, "%#v|%#v", parts, named)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
