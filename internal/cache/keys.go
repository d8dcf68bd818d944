package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Key joins parts into a namespaced cache key.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// HashKey derives a stable cache key from a prefix and an argument
// list. Callers that cache computed results use this instead of ad-hoc
// string building so the same inputs always resolve to the same key.
func HashKey(prefix string, args ...any) string {
	h := sha256.New()
	for _, a := range args {
		fmt.Fprintf(h, "%v|", a)
	}
	return prefix + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}
