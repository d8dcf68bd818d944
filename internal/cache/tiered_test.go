package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeRemote is an in-memory Remote that records calls and can be
// switched into a failing mode to exercise degraded behavior.
type fakeRemote struct {
	mu        sync.Mutex
	data      map[string][]byte
	ttls      map[string]time.Duration
	counters  map[string]int64
	failing   bool
	getCalls  int
	mgetCalls int
	setCalls  int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		data:     make(map[string][]byte),
		ttls:     make(map[string]time.Duration),
		counters: make(map[string]int64),
	}
}

var errRemoteDown = errors.New("remote store down")

func (f *fakeRemote) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.failing {
		return nil, errRemoteDown
	}
	val, ok := f.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return val, nil
}

func (f *fakeRemote) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls++
	if f.failing {
		return errRemoteDown
	}
	f.data[key] = value
	f.ttls[key] = ttl
	return nil
}

func (f *fakeRemote) MGet(_ context.Context, keys []string) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mgetCalls++
	if f.failing {
		return nil, errRemoteDown
	}
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if val, ok := f.data[k]; ok {
			out[i] = val
		}
	}
	return out, nil
}

func (f *fakeRemote) DeletePattern(_ context.Context, pattern string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return 0, errRemoteDown
	}
	deleted := 0
	for key := range f.data {
		if strings.Contains(key, pattern) {
			delete(f.data, key)
			deleted++
		}
	}
	return deleted, nil
}

func (f *fakeRemote) IncrBy(_ context.Context, key string, amount int64, _ time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return 0, errRemoteDown
	}
	f.counters[key] += amount
	return f.counters[key], nil
}

func (f *fakeRemote) Ping(context.Context) error { return nil }
func (f *fakeRemote) Close() error               { return nil }

func (f *fakeRemote) setFailing(failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = failing
}

func (f *fakeRemote) ttlOf(key string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ttls[key]
}

func newTestTiered(t *testing.T, remote Remote) *Tiered {
	t.Helper()
	tc, err := NewTiered(remote, Options{
		L1Capacity: 100,
		L1MaxTTL:   10 * time.Second,
		TTL: TTLPolicy{
			PerCategory: map[string]time.Duration{
				"invoice":       3600 * time.Second,
				"usage_summary": 300 * time.Second,
			},
			Default: 120 * time.Second,
		},
	})
	if err != nil {
		t.Fatalf("NewTiered failed: %v", err)
	}
	t.Cleanup(func() { tc.Close() })
	return tc
}

func TestTiered_L1HitSkipsRemote(t *testing.T) {
	remote := newFakeRemote()
	tc := newTestTiered(t, remote)
	ctx := context.Background()

	if err := tc.Set(ctx, "key1", []byte("value1"), SetOptions{}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	before := remote.getCalls
	val, err := tc.Get(ctx, "key1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != "value1" {
		t.Fatalf("expected 'value1', got '%s'", string(val))
	}
	if remote.getCalls != before {
		t.Fatal("L1 hit should not consult the remote tier")
	}
}

func TestTiered_L2FallthroughBackfillsL1(t *testing.T) {
	remote := newFakeRemote()
	tc := newTestTiered(t, remote)
	ctx := context.Background()

	remote.data["key2"] = []byte("value2")

	val, err := tc.Get(ctx, "key2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != "value2" {
		t.Fatalf("expected 'value2', got '%s'", string(val))
	}
	if remote.getCalls != 1 {
		t.Fatalf("expected 1 remote get, got %d", remote.getCalls)
	}

	// Second read is served from the backfilled L1.
	if _, err := tc.Get(ctx, "key2"); err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	if remote.getCalls != 1 {
		t.Fatalf("backfilled key should not hit remote again, got %d calls", remote.getCalls)
	}
}

func TestTiered_BothMiss(t *testing.T) {
	tc := newTestTiered(t, newFakeRemote())

	_, err := tc.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
}

func TestTiered_CategoryTTLResolution(t *testing.T) {
	remote := newFakeRemote()
	tc := newTestTiered(t, remote)
	ctx := context.Background()

	// Category default applies when no explicit TTL is given.
	tc.Set(ctx, "inv:1", []byte("data"), SetOptions{Category: "invoice"})
	if got := remote.ttlOf("inv:1"); got != 3600*time.Second {
		t.Fatalf("expected invoice category TTL 3600s on remote set, got %s", got)
	}

	// Explicit TTL wins over the category default.
	tc.Set(ctx, "inv:2", []byte("data"), SetOptions{Category: "invoice", TTL: 30 * time.Second})
	if got := remote.ttlOf("inv:2"); got != 30*time.Second {
		t.Fatalf("expected explicit TTL 30s, got %s", got)
	}

	// Unknown categories fall back to the global default.
	tc.Set(ctx, "misc:1", []byte("data"), SetOptions{Category: "unknown"})
	if got := remote.ttlOf("misc:1"); got != 120*time.Second {
		t.Fatalf("expected global default TTL 120s, got %s", got)
	}
}

func TestTiered_RemoteFailureDegradesToMiss(t *testing.T) {
	remote := newFakeRemote()
	tc := newTestTiered(t, remote)
	ctx := context.Background()

	remote.setFailing(true)

	_, err := tc.Get(ctx, "any")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("remote failure must degrade to a miss, got: %v", err)
	}
}

func TestTiered_SetSurvivesRemoteOutage(t *testing.T) {
	remote := newFakeRemote()
	tc := newTestTiered(t, remote)
	ctx := context.Background()

	remote.setFailing(true)

	if err := tc.Set(ctx, "key", []byte("val"), SetOptions{}); err != nil {
		t.Fatalf("Set must absorb remote failure, got: %v", err)
	}

	// Local read-after-write is preserved during the outage.
	val, err := tc.Get(ctx, "key")
	if err != nil {
		t.Fatalf("Get after degraded Set failed: %v", err)
	}
	if string(val) != "val" {
		t.Fatalf("expected 'val', got '%s'", string(val))
	}
}

func TestTiered_LocalOnlyMode(t *testing.T) {
	tc := newTestTiered(t, nil)
	ctx := context.Background()

	if err := tc.Set(ctx, "key", []byte("val"), SetOptions{}); err != nil {
		t.Fatalf("Set failed in local-only mode: %v", err)
	}
	val, err := tc.Get(ctx, "key")
	if err != nil {
		t.Fatalf("Get failed in local-only mode: %v", err)
	}
	if string(val) != "val" {
		t.Fatalf("expected 'val', got '%s'", string(val))
	}
	if n := tc.Increment(ctx, "counter", 1, time.Minute); n != 0 {
		t.Fatalf("local-only increment must report 0 (unknown), got %d", n)
	}
	if err := tc.Ping(ctx); err != nil {
		t.Fatalf("local-only ping failed: %v", err)
	}
}

func TestTiered_GetOrComputeInvokesFactoryOnce(t *testing.T) {
	remote := newFakeRemote()
	tc := newTestTiered(t, remote)
	ctx := context.Background()

	calls := 0
	factory := func(context.Context) ([]byte, error) {
		calls++
		return []byte("computed"), nil
	}

	val, err := tc.GetOrCompute(ctx, "k", SetOptions{}, factory)
	if err != nil {
		t.Fatalf("GetOrCompute failed: %v", err)
	}
	if string(val) != "computed" {
		t.Fatalf("expected 'computed', got '%s'", string(val))
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 factory call, got %d", calls)
	}

	// The computed value is cached; a second read skips the factory.
	val, err = tc.GetOrCompute(ctx, "k", SetOptions{}, factory)
	if err != nil {
		t.Fatalf("second GetOrCompute failed: %v", err)
	}
	if string(val) != "computed" {
		t.Fatalf("expected cached 'computed', got '%s'", string(val))
	}
	if calls != 1 {
		t.Fatalf("cached read must not re-invoke factory, got %d calls", calls)
	}
}

func TestTiered_GetOrComputeFactoryError(t *testing.T) {
	tc := newTestTiered(t, newFakeRemote())
	ctx := context.Background()

	wantErr := errors.New("source unavailable")
	_, err := tc.GetOrCompute(ctx, "k", SetOptions{}, func(context.Context) ([]byte, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("factory error must propagate, got: %v", err)
	}

	// Nothing was cached; the next call computes again.
	calls := 0
	tc.GetOrCompute(ctx, "k", SetOptions{}, func(context.Context) ([]byte, error) {
		calls++
		return []byte("ok"), nil
	})
	if calls != 1 {
		t.Fatalf("expected factory retry after earlier failure, got %d calls", calls)
	}
}

func TestTiered_InvalidatePatternIdempotent(t *testing.T) {
	remote := newFakeRemote()
	tc := newTestTiered(t, remote)
	ctx := context.Background()

	tc.Set(ctx, "usage:1:cpu", []byte("1"), SetOptions{})
	tc.Set(ctx, "usage:2:cpu", []byte("2"), SetOptions{})
	tc.Set(ctx, "invoice:1", []byte("3"), SetOptions{})

	removed := tc.InvalidatePattern(ctx, "usage:")
	if removed == 0 {
		t.Fatal("expected invalidation to remove entries")
	}

	for _, key := range []string{"usage:1:cpu", "usage:2:cpu"} {
		if _, err := tc.Get(ctx, key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected '%s' absent after invalidation, got: %v", key, err)
		}
	}
	if _, err := tc.Get(ctx, "invoice:1"); err != nil {
		t.Fatalf("unrelated key must survive invalidation: %v", err)
	}

	// Repeating the invalidation is harmless.
	tc.InvalidatePattern(ctx, "usage:")
	if _, err := tc.Get(ctx, "usage:1:cpu"); !errors.Is(err, ErrNotFound) {
		t.Fatal("key must stay absent after repeated invalidation")
	}
}

func TestTiered_InvalidatePatternSurvivesRemoteFailure(t *testing.T) {
	remote := newFakeRemote()
	tc := newTestTiered(t, remote)
	ctx := context.Background()

	tc.Set(ctx, "usage:1", []byte("1"), SetOptions{})
	remote.setFailing(true)

	removed := tc.InvalidatePattern(ctx, "usage:")
	if removed != 1 {
		t.Fatalf("local invalidation must proceed despite remote failure, removed %d", removed)
	}
	if _, err := tc.Get(ctx, "usage:1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("local entry must be gone after degraded invalidation")
	}
}

func TestTiered_BatchGet(t *testing.T) {
	remote := newFakeRemote()
	tc := newTestTiered(t, remote)
	ctx := context.Background()

	// "local" lives in both tiers, "remoteonly" only in L2,
	// "missing" in neither.
	tc.Set(ctx, "local", []byte("l"), SetOptions{})
	remote.data["remoteonly"] = []byte("r")

	out := tc.BatchGet(ctx, []string{"local", "remoteonly", "missing"})

	if string(out["local"]) != "l" {
		t.Fatalf("expected local hit, got %v", out)
	}
	if string(out["remoteonly"]) != "r" {
		t.Fatalf("expected remote hit, got %v", out)
	}
	if _, ok := out["missing"]; ok {
		t.Fatal("missing key must be absent from result")
	}
	if remote.mgetCalls != 1 {
		t.Fatalf("expected one MGET for the remainder, got %d", remote.mgetCalls)
	}

	// Remote hits are backfilled into L1.
	before := remote.getCalls
	if _, err := tc.Get(ctx, "remoteonly"); err != nil {
		t.Fatalf("backfilled Get failed: %v", err)
	}
	if remote.getCalls != before {
		t.Fatal("backfilled key should be served from L1")
	}
}

func TestTiered_BatchGetDegradesToLocalSubset(t *testing.T) {
	remote := newFakeRemote()
	tc := newTestTiered(t, remote)
	ctx := context.Background()

	tc.Set(ctx, "local", []byte("l"), SetOptions{})
	remote.data["remoteonly"] = []byte("r")
	remote.setFailing(true)

	out := tc.BatchGet(ctx, []string{"local", "remoteonly"})
	if string(out["local"]) != "l" {
		t.Fatal("locally-satisfied key must survive remote failure")
	}
	if _, ok := out["remoteonly"]; ok {
		t.Fatal("remote-only key must be absent when remote fails")
	}
}

func TestTiered_Increment(t *testing.T) {
	remote := newFakeRemote()
	tc := newTestTiered(t, remote)
	ctx := context.Background()

	if n := tc.Increment(ctx, "events", 1, time.Minute); n != 1 {
		t.Fatalf("expected count 1, got %d", n)
	}
	if n := tc.Increment(ctx, "events", 5, time.Minute); n != 6 {
		t.Fatalf("expected count 6, got %d", n)
	}

	remote.setFailing(true)
	if n := tc.Increment(ctx, "events", 1, time.Minute); n != 0 {
		t.Fatalf("failed increment must report 0 (unknown), got %d", n)
	}
}

func TestTiered_L1TTLCapped(t *testing.T) {
	clock := useFakeClock(t)
	remote := newFakeRemote()
	tc := newTestTiered(t, remote)
	ctx := context.Background()

	// Remote keeps the full TTL, but the local copy expires at the
	// 10s cap and the next read falls through to L2.
	tc.Set(ctx, "key", []byte("val"), SetOptions{TTL: time.Hour})
	if got := remote.ttlOf("key"); got != time.Hour {
		t.Fatalf("expected full TTL 1h on remote, got %s", got)
	}

	clock.Advance(11 * time.Second)
	before := remote.getCalls
	if _, err := tc.Get(ctx, "key"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if remote.getCalls != before+1 {
		t.Fatal("expected fallthrough to remote after local cap expiry")
	}
}

func TestNewTiered_InvalidOptions(t *testing.T) {
	base := Options{
		L1Capacity: 10,
		L1MaxTTL:   time.Second,
		TTL:        TTLPolicy{Default: time.Minute},
	}

	opts := base
	opts.L1Capacity = 0
	if _, err := NewTiered(nil, opts); err == nil {
		t.Fatal("expected error for zero capacity")
	}

	opts = base
	opts.L1MaxTTL = 0
	if _, err := NewTiered(nil, opts); err == nil {
		t.Fatal("expected error for zero L1 max TTL")
	}

	opts = base
	opts.TTL.Default = 0
	if _, err := NewTiered(nil, opts); err == nil {
		t.Fatal("expected error for zero default TTL")
	}

	opts = base
	opts.EvictFraction = 2
	if _, err := NewTiered(nil, opts); err == nil {
		t.Fatal("expected error for eviction fraction above 1")
	}
}
