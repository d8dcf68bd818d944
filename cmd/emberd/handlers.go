package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kyralis/ember/internal/cache"
	"github.com/kyralis/ember/internal/coalescer"
	"github.com/kyralis/ember/internal/logging"
	"github.com/kyralis/ember/internal/metrics"
	"github.com/kyralis/ember/internal/store"
)

// usageWindow is the lookback for cached usage summaries.
const usageWindow = 30 * 24 * time.Hour

type apiHandler struct {
	cache  *cache.Tiered
	writer *coalescer.Coalescer
	store  *store.PostgresStore
}

func (h *apiHandler) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/events", h.IngestEvent)
	mux.HandleFunc("GET /v1/usage/{customer}/{metric}", h.UsageSummary)
	mux.HandleFunc("DELETE /v1/cache/{pattern}", h.InvalidateCache)
	mux.HandleFunc("GET /healthz", h.Health)
	mux.Handle("GET /metrics", metrics.Handler())
}

type ingestRequest struct {
	CustomerID     string    `json:"customer_id"`
	Metric         string    `json:"metric"`
	Quantity       float64   `json:"quantity"`
	OccurredAt     time.Time `json:"occurred_at"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// IngestEvent accepts one usage event into the write coalescer.
// Acceptance is fire-and-forget: 202 means the event is queued for a
// batched persist, not that it is durable yet.
func (h *apiHandler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if req.CustomerID == "" || req.Metric == "" {
		writeError(w, http.StatusBadRequest, "customer_id and metric are required")
		return
	}
	if req.IdempotencyKey == "" {
		writeError(w, http.StatusBadRequest, "idempotency_key is required")
		return
	}

	event := &store.UsageEvent{
		CustomerID:     req.CustomerID,
		Metric:         req.Metric,
		Quantity:       req.Quantity,
		OccurredAt:     req.OccurredAt,
		IdempotencyKey: req.IdempotencyKey,
	}
	accepted, err := h.writer.AddUnique(r.Context(), store.CategoryUsageEvent, req.IdempotencyKey, event)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("persist failed: %v", err))
		return
	}
	if !accepted {
		writeJSON(w, http.StatusOK, map[string]any{"accepted": false, "deduplicated": true})
		return
	}

	// Shared hourly ingest counter; 0 means the count is unknown.
	counterKey := cache.Key("counter", req.CustomerID, time.Now().UTC().Format("2006010215"))
	h.cache.Increment(r.Context(), counterKey, 1, time.Hour)

	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

// UsageSummary serves a customer's 30-day metric total through the
// read-through cache, falling back to the Postgres aggregate on a miss.
func (h *apiHandler) UsageSummary(w http.ResponseWriter, r *http.Request) {
	customer := r.PathValue("customer")
	metric := r.PathValue("metric")

	key := cache.Key("usage_summary", customer, metric)
	payload, err := h.cache.GetOrCompute(r.Context(), key,
		cache.SetOptions{Category: "usage_summary"},
		func(ctx context.Context) ([]byte, error) {
			total, err := h.store.UsageTotal(ctx, customer, metric, time.Now().UTC().Add(-usageWindow))
			if err != nil {
				return nil, err
			}
			return cache.Marshal(map[string]any{
				"customer_id": customer,
				"metric":      metric,
				"total":       total,
				"window_days": 30,
			})
		})
	if err != nil {
		logging.Op().Error("usage summary failed", "customer", customer, "metric", metric, "error", err)
		writeError(w, http.StatusInternalServerError, "usage summary unavailable")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// InvalidateCache drops every cached entry whose key contains the given
// pattern, in both tiers. Safe to repeat.
func (h *apiHandler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	pattern := r.PathValue("pattern")
	if pattern == "" {
		writeError(w, http.StatusBadRequest, "pattern is required")
		return
	}
	removed := h.cache.InvalidatePattern(r.Context(), pattern)
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (h *apiHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		status["status"] = "degraded"
		status["postgres"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if err := h.cache.Ping(r.Context()); err != nil {
		// Cache degradation is survivable; report but stay healthy.
		status["cache"] = err.Error()
	}
	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
