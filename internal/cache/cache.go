// Package cache implements the two-tier read cache used by the billing
// subsystem: a bounded in-process L1 (Local) in front of a shared remote
// L2 key-value store (Remote, typically Redis). The remote tier is the
// arbiter of cross-process consistency; L1 is permitted to be stale
// relative to L2 for up to its local TTL. Values are byte slices,
// leaving encoding to the caller; Marshal/Unmarshal cover the common
// JSON case.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key does not exist in the cache.
var ErrNotFound = errors.New("cache: key not found")

// ErrSerialization wraps payload encode/decode failures.
var ErrSerialization = errors.New("cache: serialization failed")

// timeNow is swappable so tests can drive TTL expiry with a fake clock.
var timeNow = time.Now

// Remote abstracts the shared L2 key-value store. All calls are
// fallible and latency-bearing; Tiered converts their failures to
// misses or no-ops rather than surfacing them.
type Remote interface {
	// Get retrieves the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL. A zero TTL means the entry
	// does not expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// MGet fetches many keys in one round trip. The result has one slot
	// per input key; absent keys yield a nil slot.
	MGet(ctx context.Context, keys []string) ([][]byte, error)

	// DeletePattern removes every key containing pattern, scanning
	// incrementally with a bounded page size. Returns the number of keys
	// deleted before any error; deletion is not atomic and partial
	// completion is expected on failure.
	DeletePattern(ctx context.Context, pattern string) (int, error)

	// IncrBy atomically increments a counter and resets its expiry.
	IncrBy(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error)

	// Ping verifies connectivity to the store.
	Ping(ctx context.Context) error

	// Close releases the client's resources.
	Close() error
}

// Marshal encodes a payload for storage.
func Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return b, nil
}

// Unmarshal decodes a stored payload into dest.
func Unmarshal(data []byte, dest any) error {
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return nil
}
