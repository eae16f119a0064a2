package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marketpulse/marketpulse/internal/api/models"
	"github.com/marketpulse/marketpulse/internal/api/response"
	"github.com/marketpulse/marketpulse/internal/credential"
	"github.com/marketpulse/marketpulse/internal/health"
	"github.com/marketpulse/marketpulse/internal/orchestrator"
)

// ProvidersHandler exposes provider metrics, health and credential state.
type ProvidersHandler struct {
	orchestrator *orchestrator.Orchestrator
	credentials  *credential.Manager
	registry     *health.Registry
	scorer       *health.Scorer
}

// NewProvidersHandler creates a new ProvidersHandler.
func NewProvidersHandler(o *orchestrator.Orchestrator, credentials *credential.Manager, registry *health.Registry, scorer *health.Scorer) *ProvidersHandler {
	return &ProvidersHandler{
		orchestrator: o,
		credentials:  credentials,
		registry:     registry,
		scorer:       scorer,
	}
}

// ListProviders handles GET /v1/providers.
func (h *ProvidersHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	list := models.ProviderList{Providers: h.orchestrator.GetAllProviderMetrics()}
	list.Recommended, _ = h.scorer.Recommended(h.registry.All())
	response.JSON(w, r, http.StatusOK, list)
}

// GetProvider handles GET /v1/providers/{provider}.
func (h *ProvidersHandler) GetProvider(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	snapshot, ok := h.orchestrator.GetProviderMetrics(name)
	if !ok {
		response.NotFound(w, r, "unknown provider "+name)
		return
	}
	response.JSON(w, r, http.StatusOK, snapshot)
}

// GetCredentials handles GET /v1/providers/{provider}/credentials.
// Secrets are never returned.
func (h *ProvidersHandler) GetCredentials(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	p, ok := h.orchestrator.Provider(name)
	if !ok {
		response.NotFound(w, r, "unknown provider "+name)
		return
	}

	statuses, _ := h.credentials.Status(p.Name())
	if statuses == nil {
		statuses = []credential.Status{}
	}
	response.JSON(w, r, http.StatusOK, models.ProviderCredentials{
		Provider:    p.Name(),
		Credentials: statuses,
	})
}

// HealthSummary handles GET /v1/health/summary.
func (h *ProvidersHandler) HealthSummary(w http.ResponseWriter, r *http.Request) {
	metrics := h.registry.All()
	response.JSON(w, r, http.StatusOK, models.HealthSummary{
		Summary: h.scorer.Summary(metrics),
		Ranking: h.scorer.Ranked(metrics),
		Time:    models.Timestamp(time.Now()),
	})
}
