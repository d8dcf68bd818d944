package cache

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Local is the bounded in-process L1 tier. Eviction is approximate LRU:
// access times are recorded on every read, but entries are only ordered
// and dropped when an insert finds the cache at capacity. Expired
// entries are purged first; if that is not enough, the least recently
// accessed fraction of the remaining entries is removed in one sweep.
type Local struct {
	mu            sync.RWMutex
	entries       map[string]*localEntry
	capacity      int
	evictFraction float64
	closed        bool
}

type localEntry struct {
	value        []byte
	expiresAt    time.Time
	lastAccessed time.Time
}

func (e *localEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewLocal creates a bounded local cache. capacity must be positive and
// evictFraction must be in (0, 1].
func NewLocal(capacity int, evictFraction float64) (*Local, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("cache: local capacity must be positive, got %d", capacity)
	}
	if evictFraction <= 0 || evictFraction > 1 {
		return nil, fmt.Errorf("cache: eviction fraction must be in (0, 1], got %g", evictFraction)
	}
	return &Local{
		entries:       make(map[string]*localEntry),
		capacity:      capacity,
		evictFraction: evictFraction,
	}, nil
}

// Get returns the value for key if present and unexpired, updating the
// entry's access time. An expired entry is evicted on the spot.
func (l *Local) Get(key string) ([]byte, bool) {
	now := timeNow()
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok {
		return nil, false
	}
	if entry.expired(now) {
		delete(l.entries, key)
		return nil, false
	}
	if now.After(entry.lastAccessed) {
		entry.lastAccessed = now
	}
	cp := make([]byte, len(entry.value))
	copy(cp, entry.value)
	return cp, true
}

// Set stores a value with the given TTL, evicting at capacity. A zero
// TTL means the entry does not expire locally.
func (l *Local) Set(key string, value []byte, ttl time.Duration) {
	now := timeNow()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if _, exists := l.entries[key]; !exists && len(l.entries) >= l.capacity {
		l.evictLocked(now)
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	l.entries[key] = &localEntry{value: cp, expiresAt: expiresAt, lastAccessed: now}
}

// evictLocked purges expired entries, then drops the least recently
// accessed evictFraction of what remains if the cache is still full.
func (l *Local) evictLocked(now time.Time) {
	for key, entry := range l.entries {
		if entry.expired(now) {
			delete(l.entries, key)
		}
	}
	if len(l.entries) < l.capacity {
		return
	}

	type aged struct {
		key          string
		lastAccessed time.Time
	}
	oldest := make([]aged, 0, len(l.entries))
	for key, entry := range l.entries {
		oldest = append(oldest, aged{key, entry.lastAccessed})
	}
	sort.Slice(oldest, func(i, j int) bool {
		return oldest[i].lastAccessed.Before(oldest[j].lastAccessed)
	})

	drop := int(float64(len(oldest)) * l.evictFraction)
	if drop < 1 {
		drop = 1
	}
	for _, a := range oldest[:drop] {
		delete(l.entries, a.key)
	}
}

// Delete removes a key. Deleting an absent key is not an error.
func (l *Local) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// DeleteMatching removes every key containing pattern and returns the
// number removed.
func (l *Local) DeleteMatching(pattern string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key := range l.entries {
		if strings.Contains(key, pattern) {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports the current entry count.
func (l *Local) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Close discards all entries and rejects further writes.
func (l *Local) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.entries = make(map[string]*localEntry)
}
