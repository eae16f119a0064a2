// Package handler provides HTTP handlers for the MarketPulse API.
package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/marketpulse/marketpulse/internal/api/models"
	"github.com/marketpulse/marketpulse/internal/api/response"
	"github.com/marketpulse/marketpulse/internal/cache"
	"github.com/marketpulse/marketpulse/internal/health"
	"github.com/marketpulse/marketpulse/internal/orchestrator"
	"github.com/marketpulse/marketpulse/internal/stream"
)

// OpsConfig holds the dependencies of the operational endpoints.
type OpsConfig struct {
	Version   string
	BuildTime string

	Orchestrator *orchestrator.Orchestrator
	Cache        *cache.Cache

	// Stream is nil when the real-time feeds are disabled.
	Stream stream.Feed

	// Ping checks the database. Nil when running without one.
	Ping func(ctx context.Context) error
}

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	cfg OpsConfig
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(cfg OpsConfig) *OpsHandler {
	return &OpsHandler{cfg: cfg}
}

// HealthCheck handles GET /v1/ops/health - liveness check.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
		Details: map[string]interface{}{
			"version":   h.cfg.Version,
			"buildTime": h.cfg.BuildTime,
		},
	}
	response.JSON(w, r, http.StatusOK, health)
}

// ReadinessCheck handles GET /v1/ops/ready - readiness check.
// The service is not ready when the database is unreachable or every
// provider is blacklisted.
func (h *OpsHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	details := map[string]interface{}{}
	status := models.HealthStatusOK

	if h.cfg.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := h.cfg.Ping(ctx)
		cancel()
		if err != nil {
			status = models.HealthStatusFail
			details["database"] = err.Error()
		}
	}

	if h.cfg.Orchestrator != nil {
		usable := 0
		for _, p := range h.cfg.Orchestrator.GetAllProviderMetrics() {
			if !p.Blacklisted {
				usable++
			}
		}
		details["usableProviders"] = usable
		if usable == 0 {
			status = models.HealthStatusFail
		}
	}

	code := http.StatusOK
	if status == models.HealthStatusFail {
		code = http.StatusServiceUnavailable
	}
	response.JSON(w, r, code, models.Health{
		Status:  status,
		Time:    models.Timestamp(time.Now()),
		Details: details,
	})
}

// SystemStatus handles GET /v1/ops/status - provider and subsystem status.
func (h *OpsHandler) SystemStatus(w http.ResponseWriter, r *http.Request) {
	status := models.SystemStatus{
		Status:     models.HealthStatusOK,
		Time:       models.Timestamp(time.Now()),
		Subsystems: []models.SubsystemStatus{},
		Providers:  []models.ProviderStatus{},
	}

	if h.cfg.Ping != nil {
		sub := models.SubsystemStatus{Name: "postgres", Status: models.HealthStatusOK}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if err := h.cfg.Ping(ctx); err != nil {
			sub.Status = models.HealthStatusFail
			sub.Detail = strPtr(err.Error())
			status.ActiveDegradationFlags = append(status.ActiveDegradationFlags, "database_unreachable")
		}
		cancel()
		status.Subsystems = append(status.Subsystems, sub)
	}

	if h.cfg.Cache != nil {
		stats := h.cfg.Cache.Stats()
		for _, tier := range []struct {
			name  string
			stats cache.TierStats
		}{
			{"cache-l1", stats.L1},
			{"cache-l2", stats.L2},
			{"cache-l3", stats.L3},
		} {
			if !tier.stats.Enabled {
				continue
			}
			status.Subsystems = append(status.Subsystems, models.SubsystemStatus{
				Name:   tier.name,
				Status: models.HealthStatusOK,
				Detail: strPtr(fmt.Sprintf("hit rate %.2f, %d errors", tier.stats.HitRate, tier.stats.Errors)),
			})
		}
	}

	if h.cfg.Orchestrator != nil {
		queue := h.cfg.Orchestrator.Statistics().Queue
		sub := models.SubsystemStatus{
			Name:   "planner",
			Status: models.HealthStatusOK,
			Detail: strPtr(fmt.Sprintf("%d pending of %d", queue.Pending, queue.Capacity)),
		}
		if queue.Capacity > 0 && queue.Pending >= queue.Capacity {
			sub.Status = models.HealthStatusDegraded
			status.ActiveDegradationFlags = append(status.ActiveDegradationFlags, "queue_saturated")
		}
		status.Subsystems = append(status.Subsystems, sub)

		failing := 0
		snapshots := h.cfg.Orchestrator.GetAllProviderMetrics()
		for _, p := range snapshots {
			ps := providerStatus(p)
			if ps.Status == models.HealthStatusFail {
				failing++
			}
			if p.Blacklisted {
				status.ActiveDegradationFlags = append(status.ActiveDegradationFlags, "provider_blacklisted:"+p.ProviderName)
			}
			if p.CircuitState == "open" {
				status.ActiveDegradationFlags = append(status.ActiveDegradationFlags, "circuit_open:"+p.ProviderName)
			}
			status.Providers = append(status.Providers, ps)
		}
		if len(snapshots) > 0 && failing == len(snapshots) {
			status.Status = models.HealthStatusFail
		}
	}

	if h.cfg.Stream != nil {
		st := h.cfg.Stream.Status()
		feeds := st.Feeds
		if len(feeds) == 0 {
			feeds = []stream.Status{st}
		}
		for _, fs := range feeds {
			sub := models.SubsystemStatus{Name: "stream:" + fs.Feed, Status: models.HealthStatusOK, Detail: strPtr(string(fs.State))}
			switch fs.State {
			case stream.StateConnecting, stream.StateReconnecting:
				sub.Status = models.HealthStatusDegraded
				status.ActiveDegradationFlags = append(status.ActiveDegradationFlags, "stream_"+string(fs.State)+":"+fs.Feed)
			case stream.StateDisconnected:
				sub.Status = models.HealthStatusFail
				status.ActiveDegradationFlags = append(status.ActiveDegradationFlags, "stream_disconnected:"+fs.Feed)
			}
			status.Subsystems = append(status.Subsystems, sub)
		}
	}

	if status.Status == models.HealthStatusOK && len(status.ActiveDegradationFlags) > 0 {
		status.Status = models.HealthStatusDegraded
	}
	response.JSON(w, r, http.StatusOK, status)
}

func providerStatus(p orchestrator.ProviderSnapshot) models.ProviderStatus {
	ps := models.ProviderStatus{
		Provider:            p.ProviderName,
		Status:              models.HealthStatusOK,
		HealthScore:         p.HealthScore,
		Blacklisted:         p.Blacklisted,
		DataTypes:           make([]string, len(p.SupportedDataTypes)),
		ConsecutiveFailures: p.ConsecutiveFailures,
		CircuitState:        p.CircuitState,
	}
	for i, dt := range p.SupportedDataTypes {
		ps.DataTypes[i] = string(dt)
	}
	switch p.Status {
	case health.StatusDegraded:
		ps.Status = models.HealthStatusDegraded
	case health.StatusUnhealthy:
		ps.Status = models.HealthStatusFail
	}
	if p.LastSuccessAt != nil {
		ts := models.Timestamp(*p.LastSuccessAt)
		ps.LastSuccessAt = &ts
	}
	if p.LastFailureAt != nil {
		ts := models.Timestamp(*p.LastFailureAt)
		ps.LastFailureAt = &ts
	}
	if p.LastError != "" {
		ps.Message = strPtr(p.LastError)
	}
	return ps
}

func strPtr(s string) *string {
	return &s
}
