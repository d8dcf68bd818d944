package cache

import "time"

// TTLPolicy maps write categories (e.g. "usage_summary", "invoice",
// "pricing_rules") to default time-to-live values. Every write resolves
// to exactly one TTL: an explicit caller-supplied value wins, then the
// category default, then the global default.
type TTLPolicy struct {
	PerCategory map[string]time.Duration
	Default     time.Duration
}

// Resolve returns the effective TTL for a write.
func (p TTLPolicy) Resolve(category string, explicit time.Duration) time.Duration {
	if explicit > 0 {
		return explicit
	}
	if ttl, ok := p.PerCategory[category]; ok && ttl > 0 {
		return ttl
	}
	return p.Default
}
