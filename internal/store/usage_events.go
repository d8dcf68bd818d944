package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CategoryUsageEvent is the coalescer category handled by this store.
const CategoryUsageEvent = "usage_event"

// UsageEvent is one metered unit of product usage.
type UsageEvent struct {
	ID             string    `json:"id"`
	CustomerID     string    `json:"customer_id"`
	Metric         string    `json:"metric"`
	Quantity       float64   `json:"quantity"`
	OccurredAt     time.Time `json:"occurred_at"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// BulkUpsert implements the coalescer's persister contract. Inserts are
// idempotent on idempotency_key: replays of an already-persisted event
// are silently ignored, so flushing the same batch twice is safe.
func (s *PostgresStore) BulkUpsert(ctx context.Context, category string, records []any) error {
	if category != CategoryUsageEvent {
		return fmt.Errorf("unknown batch category %q", category)
	}
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, record := range records {
		event, ok := record.(*UsageEvent)
		if !ok {
			return fmt.Errorf("unexpected record type %T in %s batch", record, category)
		}
		if event.ID == "" {
			event.ID = uuid.NewString()
		}
		if event.OccurredAt.IsZero() {
			event.OccurredAt = time.Now().UTC()
		}
		batch.Queue(`
			INSERT INTO usage_events (id, customer_id, metric, quantity, occurred_at, idempotency_key)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (idempotency_key) DO NOTHING
		`, event.ID, event.CustomerID, event.Metric, event.Quantity, event.OccurredAt, event.IdempotencyKey)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("bulk upsert usage events: %w", err)
		}
	}
	return nil
}

// UsageTotal sums a customer's metered quantity for one metric since
// the given time. This is the source-of-truth computation behind the
// cached usage summaries.
func (s *PostgresStore) UsageTotal(ctx context.Context, customerID, metric string, since time.Time) (float64, error) {
	var total float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0)
		FROM usage_events
		WHERE customer_id = $1 AND metric = $2 AND occurred_at >= $3
	`, customerID, metric, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("usage total for %s/%s: %w", customerID, metric, err)
	}
	return total, nil
}
