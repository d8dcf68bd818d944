package cache

import (
	"context"
	"errors"
	"time"

	"github.com/kyralis/ember/internal/logging"
	"github.com/kyralis/ember/internal/metrics"
	"github.com/kyralis/ember/internal/observability"
)

// DefaultEvictFraction is the share of L1 entries dropped when an
// insert finds the cache full after expiry purging.
const DefaultEvictFraction = 0.20

// Options configures a Tiered cache. Invalid settings fail at
// construction, never at request time.
type Options struct {
	// L1Capacity bounds the local tier's entry count.
	L1Capacity int
	// L1MaxTTL caps how long any entry may live locally, regardless of
	// the resolved TTL. Local staleness relative to the remote tier is
	// bounded by this value.
	L1MaxTTL time.Duration
	// EvictFraction is the share of entries dropped per eviction sweep.
	// Zero selects DefaultEvictFraction.
	EvictFraction float64
	// TTL resolves effective TTLs from write categories.
	TTL TTLPolicy
}

// Tiered is the two-level cache: a bounded local tier in front of a
// shared remote store. Remote failures never propagate to callers;
// every remote operation degrades to the miss or no-op appropriate to
// it. A nil Remote is a fully supported local-only mode.
type Tiered struct {
	local    *Local
	remote   Remote
	l1MaxTTL time.Duration
	ttl      TTLPolicy
}

// NewTiered creates a two-level cache. remote may be nil for local-only
// operation.
func NewTiered(remote Remote, opts Options) (*Tiered, error) {
	if opts.L1MaxTTL <= 0 {
		return nil, errors.New("cache: L1 max TTL must be positive")
	}
	if opts.TTL.Default <= 0 {
		return nil, errors.New("cache: default TTL must be positive")
	}
	fraction := opts.EvictFraction
	if fraction == 0 {
		fraction = DefaultEvictFraction
	}
	local, err := NewLocal(opts.L1Capacity, fraction)
	if err != nil {
		return nil, err
	}
	return &Tiered{
		local:    local,
		remote:   remote,
		l1MaxTTL: opts.L1MaxTTL,
		ttl:      opts.TTL,
	}, nil
}

// SetOptions carries per-write TTL resolution inputs. An explicit TTL
// wins over the category default, which wins over the global default.
type SetOptions struct {
	TTL      time.Duration
	Category string
}

// Get returns the cached value for key, preferring the local tier. A
// remote hit backfills the local tier with the capped local TTL. Remote
// failures degrade to a miss.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, error) {
	if val, ok := t.local.Get(key); ok {
		metrics.CacheHits.WithLabelValues("local").Inc()
		return val, nil
	}
	if t.remote == nil {
		metrics.CacheMisses.Inc()
		return nil, ErrNotFound
	}

	ctx, span := observability.StartSpan(ctx, "cache.get",
		observability.AttrCacheKey.String(key),
		observability.AttrCacheTier.String("remote"))
	val, err := t.remote.Get(ctx, key)
	span.End()
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			metrics.RemoteErrors.WithLabelValues("get").Inc()
			logging.Op().Warn("remote cache get failed, treating as miss", "key", key, "error", err)
		}
		metrics.CacheMisses.Inc()
		return nil, ErrNotFound
	}

	t.local.Set(key, val, t.l1MaxTTL)
	metrics.CacheHits.WithLabelValues("remote").Inc()
	return val, nil
}

// Set writes through both tiers. The local write always succeeds with
// the TTL capped at the local maximum; a remote failure is logged and
// absorbed, preserving local read-after-write behavior during remote
// outages.
func (t *Tiered) Set(ctx context.Context, key string, value []byte, opts SetOptions) error {
	ttl := t.ttl.Resolve(opts.Category, opts.TTL)
	t.local.Set(key, value, minDuration(ttl, t.l1MaxTTL))
	if t.remote == nil {
		return nil
	}

	ctx, span := observability.StartSpan(ctx, "cache.set",
		observability.AttrCacheKey.String(key),
		observability.AttrCategory.String(opts.Category))
	defer span.End()
	if err := t.remote.Set(ctx, key, value, ttl); err != nil {
		metrics.RemoteErrors.WithLabelValues("set").Inc()
		observability.SetSpanError(span, err)
		logging.Op().Warn("remote cache set failed, local tier retains the write",
			"key", key, "category", opts.Category, "error", err)
	}
	return nil
}

// GetOrCompute is the read-through helper: on a full miss it invokes
// factory and stores a non-nil result. Concurrent callers missing the
// same key each invoke factory independently; there is no single-flight
// suppression of that thundering herd. Factory errors propagate to the
// caller and nothing is cached.
func (t *Tiered) GetOrCompute(ctx context.Context, key string, opts SetOptions, factory func(context.Context) ([]byte, error)) ([]byte, error) {
	if val, err := t.Get(ctx, key); err == nil {
		return val, nil
	}
	val, err := factory(ctx)
	if err != nil {
		return nil, err
	}
	if val != nil {
		t.Set(ctx, key, val, opts)
	}
	return val, nil
}

// InvalidatePattern removes every key containing pattern from both
// tiers and returns the number of entries removed. The remote scan may
// complete partially on failure; keys already deleted stay deleted, and
// repeating the call is safe.
func (t *Tiered) InvalidatePattern(ctx context.Context, pattern string) int {
	removed := t.local.DeleteMatching(pattern)
	if t.remote != nil {
		ctx, span := observability.StartSpan(ctx, "cache.invalidate",
			observability.AttrPattern.String(pattern))
		n, err := t.remote.DeletePattern(ctx, pattern)
		removed += n
		if err != nil {
			metrics.RemoteErrors.WithLabelValues("invalidate").Inc()
			observability.SetSpanError(span, err)
			logging.Op().Warn("remote invalidation incomplete",
				"pattern", pattern, "deleted", n, "error", err)
		}
		span.End()
	}
	metrics.Invalidations.Add(float64(removed))
	return removed
}

// BatchGet resolves many keys at once: locally-satisfied keys skip the
// remote round trip, the remainder is fetched with one MGET and
// backfilled into the local tier. Missing keys are absent from the
// result; a remote failure degrades to the locally-satisfied subset.
func (t *Tiered) BatchGet(ctx context.Context, keys []string) map[string][]byte {
	out := make(map[string][]byte, len(keys))
	var missing []string
	for _, k := range keys {
		if val, ok := t.local.Get(k); ok {
			metrics.CacheHits.WithLabelValues("local").Inc()
			out[k] = val
		} else {
			missing = append(missing, k)
		}
	}
	if t.remote == nil || len(missing) == 0 {
		return out
	}

	ctx, span := observability.StartSpan(ctx, "cache.batch_get",
		observability.AttrBatchSize.Int(len(missing)))
	vals, err := t.remote.MGet(ctx, missing)
	span.End()
	if err != nil {
		metrics.RemoteErrors.WithLabelValues("mget").Inc()
		logging.Op().Warn("remote batch get failed, returning local subset",
			"keys", len(missing), "error", err)
		return out
	}
	for i, val := range vals {
		if val == nil {
			metrics.CacheMisses.Inc()
			continue
		}
		out[missing[i]] = val
		t.local.Set(missing[i], val, t.l1MaxTTL)
		metrics.CacheHits.WithLabelValues("remote").Inc()
	}
	return out
}

// Increment bumps a counter in the remote tier only (a local counter
// would diverge from the shared one) and resets its expiry. It returns
// 0 when the remote store is unavailable or absent: callers must treat
// 0 as "count unknown", not as an authoritative value.
func (t *Tiered) Increment(ctx context.Context, key string, amount int64, ttl time.Duration) int64 {
	if t.remote == nil {
		return 0
	}
	n, err := t.remote.IncrBy(ctx, key, amount, ttl)
	if err != nil {
		metrics.RemoteErrors.WithLabelValues("incr").Inc()
		logging.Op().Warn("remote increment failed, count unknown", "key", key, "error", err)
		return 0
	}
	return n
}

// Ping checks remote connectivity. Local-only caches always succeed.
func (t *Tiered) Ping(ctx context.Context) error {
	if t.remote == nil {
		return nil
	}
	return t.remote.Ping(ctx)
}

// Close releases both tiers.
func (t *Tiered) Close() error {
	t.local.Close()
	if t.remote == nil {
		return nil
	}
	return t.remote.Close()
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
