package handler

import (
	"net/http"

	"github.com/marketpulse/marketpulse/internal/api/models"
	"github.com/marketpulse/marketpulse/internal/api/response"
	"github.com/marketpulse/marketpulse/internal/stream"
)

// StreamHandler exposes the real-time feeds. Both fields are nil when
// streaming is disabled.
type StreamHandler struct {
	feed stream.Feed
	hub  *stream.Hub
}

// NewStreamHandler creates a new StreamHandler.
func NewStreamHandler(feed stream.Feed, hub *stream.Hub) *StreamHandler {
	return &StreamHandler{feed: feed, hub: hub}
}

// Status handles GET /v1/stream/status.
func (h *StreamHandler) Status(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		response.JSON(w, r, http.StatusOK, models.StreamStatus{
			Status: stream.Status{State: stream.StateDisconnected, Topics: []stream.TopicStatus{}},
		})
		return
	}

	status := models.StreamStatus{
		Status:  h.feed.Status(),
		Enabled: true,
	}
	if h.hub != nil {
		status.Clients = h.hub.Clients()
		status.Dropped = h.hub.Dropped()
	}
	response.JSON(w, r, http.StatusOK, status)
}

// WebSocket handles GET /v1/stream/ws by upgrading to a downstream feed.
func (h *StreamHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		response.ServiceUnavailable(w, r, "streaming is disabled")
		return
	}
	h.hub.ServeHTTP(w, r)
}
