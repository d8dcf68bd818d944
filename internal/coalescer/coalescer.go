// Package coalescer converts a stream of discrete write events into
// periodic bulk persists, bounding per-item latency with a flush
// deadline and per-operation overhead with a size threshold.
package coalescer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kyralis/ember/internal/cache"
	"github.com/kyralis/ember/internal/logging"
	"github.com/kyralis/ember/internal/metrics"
	"github.com/kyralis/ember/internal/observability"
)

const (
	DefaultBatchSize      = 100
	DefaultFlushInterval  = 100 * time.Millisecond
	DefaultIdempotencyTTL = 24 * time.Hour

	// deferredFlushTimeout bounds the persist call on the timer path,
	// which has no caller context to inherit.
	deferredFlushTimeout = 30 * time.Second
)

// Persister is the bulk-persist collaborator. It is expected to be
// idempotent on its own conflict key (duplicates silently ignored); the
// coalescer does not deduplicate within a batch.
type Persister interface {
	BulkUpsert(ctx context.Context, category string, records []any) error
}

// Config configures a Coalescer. Zero values select the defaults above.
type Config struct {
	BatchSize      int
	FlushInterval  time.Duration
	IdempotencyTTL time.Duration
}

// Coalescer accumulates write events per category and flushes them as
// one bulk operation when the size threshold is reached or the flush
// window elapses, whichever comes first. Categories are fully
// independent of each other.
type Coalescer struct {
	persister Persister
	dedup     *cache.Tiered // optional idempotency-mark store
	cfg       Config

	mu      sync.Mutex
	batches map[string]*batch
}

// batch is the per-category accumulation state. mu orders Add against
// the timer-fired flush; flushMu is acquired before a flush swaps the
// batch out and held through the persist, so at most one flush is in
// flight per category and earlier batches are never persisted after
// later ones. Lock order is flushMu then mu; mu is never held while
// acquiring flushMu.
type batch struct {
	mu         sync.Mutex
	items      []any
	timerArmed bool
	flushMu    sync.Mutex
}

// New creates a write coalescer. dedup may be nil when idempotency-key
// suppression is not needed.
func New(persister Persister, dedup *cache.Tiered, cfg Config) (*Coalescer, error) {
	if persister == nil {
		return nil, errors.New("coalescer: persister is required")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize < 0 {
		return nil, fmt.Errorf("coalescer: batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.FlushInterval < 0 {
		return nil, fmt.Errorf("coalescer: flush interval must be positive, got %s", cfg.FlushInterval)
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = DefaultIdempotencyTTL
	}
	return &Coalescer{
		persister: persister,
		dedup:     dedup,
		cfg:       cfg,
		batches:   make(map[string]*batch),
	}, nil
}

func (c *Coalescer) batchFor(category string) *batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.batches[category]
	if !ok {
		b = &batch{}
		c.batches[category] = b
	}
	return b
}

// Add appends an item to its category's pending batch. Reaching the
// batch size triggers an immediate synchronous flush whose persist
// error propagates to this caller only; otherwise a deferred flush
// timer is armed if none is pending. Items within a batch keep
// insertion order.
func (c *Coalescer) Add(ctx context.Context, category string, item any) error {
	b := c.batchFor(category)

	b.mu.Lock()
	b.items = append(b.items, item)
	if len(b.items) < c.cfg.BatchSize {
		if !b.timerArmed {
			b.timerArmed = true
			time.AfterFunc(c.cfg.FlushInterval, func() { c.deferredFlush(category) })
		}
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	// flushMu is taken before the swap so that swap order equals
	// persist order across concurrent flushes of the same category.
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	due := b.items
	b.items = nil
	b.mu.Unlock()

	// A concurrent flush may have drained the batch while this caller
	// waited for flushMu.
	if len(due) == 0 {
		return nil
	}
	return c.persist(ctx, category, due, "size")
}

// AddUnique is Add guarded by an idempotency mark: a key already marked
// within the idempotency window suppresses the event and returns false.
// The mark is written only after Add succeeds, so a failed size flush
// leaves the key unmarked and the producer's retry is accepted. The
// mark's expiry is an accepted risk window, not a correctness
// guarantee. Without a dedup cache every event is accepted.
func (c *Coalescer) AddUnique(ctx context.Context, category, idempotencyKey string, item any) (bool, error) {
	if c.dedup == nil || idempotencyKey == "" {
		return true, c.Add(ctx, category, item)
	}

	mark := cache.Key("idempotency", category, idempotencyKey)
	if _, err := c.dedup.Get(ctx, mark); err == nil {
		metrics.DedupedEvents.WithLabelValues(category).Inc()
		return false, nil
	}
	if err := c.Add(ctx, category, item); err != nil {
		return true, err
	}
	c.dedup.Set(ctx, mark, []byte("1"), cache.SetOptions{TTL: c.cfg.IdempotencyTTL})
	return true, nil
}

// deferredFlush runs when the flush window elapses. It clears the armed
// marker so a later Add may re-arm, then flushes whatever accumulated.
// A size-triggered flush does not cancel the timer, so firing with an
// empty batch is a normal, harmless wake-up. Persist failures here are
// logged and the batch dropped; retry is the persister's concern.
func (c *Coalescer) deferredFlush(category string) {
	b := c.batchFor(category)

	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	b.timerArmed = false
	due := b.items
	b.items = nil
	b.mu.Unlock()

	if len(due) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deferredFlushTimeout)
	defer cancel()
	if err := c.persist(ctx, category, due, "timer"); err != nil {
		metrics.DroppedBatches.WithLabelValues(category).Inc()
		logging.Op().Error("deferred flush failed, batch dropped",
			"category", category, "items", len(due), "error", err)
	}
}

// FlushAll synchronously drains every category, for shutdown. All
// categories are attempted; the first persist error is returned.
func (c *Coalescer) FlushAll(ctx context.Context) error {
	c.mu.Lock()
	categories := make([]string, 0, len(c.batches))
	for category := range c.batches {
		categories = append(categories, category)
	}
	c.mu.Unlock()

	var firstErr error
	for _, category := range categories {
		b := c.batchFor(category)
		b.flushMu.Lock()
		b.mu.Lock()
		due := b.items
		b.items = nil
		b.mu.Unlock()
		if len(due) == 0 {
			b.flushMu.Unlock()
			continue
		}
		err := c.persist(ctx, category, due, "drain")
		b.flushMu.Unlock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// persist hands a swapped-out batch to the persister. Callers hold the
// category's flushMu across the swap and the persist, so at most one
// flush is in flight per category and batches are persisted in the
// order they were swapped out; producers appending to the fresh slice
// are never blocked by it.
func (c *Coalescer) persist(ctx context.Context, category string, items []any, trigger string) error {
	ctx, span := observability.StartSpan(ctx, "coalescer.flush",
		observability.AttrCategory.String(category),
		observability.AttrBatchSize.Int(len(items)),
		observability.AttrTrigger.String(trigger))
	defer span.End()

	metrics.Flushes.WithLabelValues(category, trigger).Inc()
	metrics.FlushBatchSize.WithLabelValues(category).Observe(float64(len(items)))

	if err := c.persister.BulkUpsert(ctx, category, items); err != nil {
		observability.SetSpanError(span, err)
		return fmt.Errorf("flush %s batch of %d: %w", category, len(items), err)
	}
	logging.Op().Debug("batch flushed", "category", category, "items", len(items), "trigger", trigger)
	return nil
}
