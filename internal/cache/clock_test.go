package cache

import (
	"sync"
	"testing"
	"time"
)

// fakeClock drives TTL expiry deterministically by replacing the
// package clock for the duration of a test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func useFakeClock(t *testing.T) *fakeClock {
	t.Helper()
	fc := &fakeClock{now: time.Unix(1700000000, 0)}
	orig := timeNow
	timeNow = fc.Now
	t.Cleanup(func() { timeNow = orig })
	return fc
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
