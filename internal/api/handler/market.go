package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/marketpulse/marketpulse/internal/api/middleware"
	"github.com/marketpulse/marketpulse/internal/api/models"
	"github.com/marketpulse/marketpulse/internal/api/response"
	"github.com/marketpulse/marketpulse/internal/orchestrator"
	"github.com/marketpulse/marketpulse/internal/planner"
	"github.com/marketpulse/marketpulse/internal/provider"
)

// MarketHandler serves market data through the orchestrator.
type MarketHandler struct {
	orchestrator *orchestrator.Orchestrator
}

// NewMarketHandler creates a new MarketHandler.
func NewMarketHandler(o *orchestrator.Orchestrator) *MarketHandler {
	return &MarketHandler{orchestrator: o}
}

// GetMarketData handles GET /v1/market-data/{dataType}/{symbol}.
// The priority query parameter selects the queue band; every other query
// parameter is forwarded to the provider.
func (h *MarketHandler) GetMarketData(w http.ResponseWriter, r *http.Request) {
	var fieldErrors []models.FieldError

	dataType, ok := provider.ParseDataType(chi.URLParam(r, "dataType"))
	if !ok {
		fieldErrors = append(fieldErrors, models.FieldError{
			Field:   "dataType",
			Message: "must be one of " + dataTypeNames(),
			Code:    "INVALID",
		})
	}

	symbol := strings.TrimSpace(chi.URLParam(r, "symbol"))
	if symbol == "" {
		fieldErrors = append(fieldErrors, models.FieldError{Field: "symbol", Message: "is required", Code: "REQUIRED"})
	}

	query := r.URL.Query()
	priority, ok := planner.ParsePriority(query.Get("priority"))
	if !ok {
		fieldErrors = append(fieldErrors, models.FieldError{
			Field:   "priority",
			Message: "must be one of high, default, low, batch",
			Code:    "INVALID",
		})
	}

	if len(fieldErrors) > 0 {
		response.BadRequest(w, r, "invalid market data request", fieldErrors)
		return
	}

	params := make(map[string]string, len(query))
	for key := range query {
		if key == "priority" {
			continue
		}
		params[key] = query.Get(key)
	}

	resp, err := h.orchestrator.GetMarketData(r.Context(), orchestrator.Request{
		DataType: dataType,
		Symbol:   symbol,
		Params:   params,
		Priority: priority,
	})
	if err != nil {
		response.FromError(w, r, err)
		return
	}

	w.Header().Set(middleware.HeaderDataSource, resp.Source)
	w.Header().Set(middleware.HeaderCache, cacheStatus(resp))
	if resp.Stale {
		w.Header().Set("Warning", `110 - "Response is Stale"`)
	}
	response.JSON(w, r, http.StatusOK, models.NewMarketData(resp, priority))
}

func cacheStatus(resp *orchestrator.Response) string {
	switch {
	case resp.Stale:
		return middleware.CacheStale
	case resp.FromCache && resp.CacheTier != "":
		return middleware.CacheHit + "-" + resp.CacheTier
	case resp.FromCache:
		return middleware.CacheHit
	default:
		return middleware.CacheMiss
	}
}

func dataTypeNames() string {
	types := provider.AllDataTypes()
	names := make([]string, len(types))
	for i, dt := range types {
		names[i] = string(dt)
	}
	return strings.Join(names, ", ")
}
