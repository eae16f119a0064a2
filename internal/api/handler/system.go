package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketpulse/marketpulse/internal/api/models"
	"github.com/marketpulse/marketpulse/internal/api/response"
	"github.com/marketpulse/marketpulse/internal/cache"
	"github.com/marketpulse/marketpulse/internal/orchestrator"
)

// defaultHistoryLimit is the number of history records returned when the
// request does not ask for a specific amount.
const defaultHistoryLimit = 20

// SystemHandler exposes cache and orchestrator internals.
type SystemHandler struct {
	cache        *cache.Cache
	orchestrator *orchestrator.Orchestrator
	logger       zerolog.Logger
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(c *cache.Cache, o *orchestrator.Orchestrator, logger zerolog.Logger) *SystemHandler {
	return &SystemHandler{cache: c, orchestrator: o, logger: logger}
}

// CacheStats handles GET /v1/cache/stats.
func (h *SystemHandler) CacheStats(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, models.CacheStats{
		Tiers: h.cache.Stats(),
		Time:  models.Timestamp(time.Now()),
	})
}

// FlushCache handles POST /v1/cache/flush - clears every tier.
func (h *SystemHandler) FlushCache(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.Flush(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("cache flush failed")
		response.ServiceUnavailable(w, r, "cache flush failed: "+err.Error())
		return
	}
	h.logger.Info().Msg("cache flushed")
	response.NoContent(w, r)
}

// OrchestratorStats handles GET /v1/orchestrator/stats.
// The history query parameter bounds the number of recent requests returned.
func (h *SystemHandler) OrchestratorStats(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("history"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.BadRequest(w, r, "invalid history limit", []models.FieldError{
				{Field: "history", Message: "must be a non-negative integer", Code: "INVALID"},
			})
			return
		}
		limit = n
	}

	stats := models.OrchestratorStats{
		Statistics: h.orchestrator.Statistics(),
		History:    []orchestrator.RequestRecord{},
	}
	if limit > 0 {
		stats.History = h.orchestrator.History(limit)
	}
	response.JSON(w, r, http.StatusOK, stats)
}
