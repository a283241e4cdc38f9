package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/engagement/activity"
	"github.com/kasuganosora/engagement/cache"
	"github.com/kasuganosora/engagement/store"
)

// HealthHandler reports dependency and ingestion health.
type HealthHandler struct {
	store store.Store
	kv    cache.Cache
	agg   *activity.Aggregator
	tc    *cache.Tiered
}

func NewHealthHandler(st store.Store, kv cache.Cache, agg *activity.Aggregator, tc *cache.Tiered) *HealthHandler {
	return &HealthHandler{store: st, kv: kv, agg: agg, tc: tc}
}

// Health answers 200 while the store is reachable and ingestion flushes,
// 503 otherwise. A failing cache only degrades the report.
// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := gin.H{"status": "ok"}

	if err := h.store.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		body["store"] = err.Error()
	} else {
		body["store"] = "ok"
	}
	if err := h.kv.Ping(ctx); err != nil {
		body["cache"] = err.Error()
	} else {
		body["cache"] = "ok"
	}
	body["cache_l2_errors"] = h.tc.L2Errors()

	stats := h.agg.Stats()
	body["activity"] = stats
	if stats.Health != activity.Healthy {
		status = http.StatusServiceUnavailable
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}
