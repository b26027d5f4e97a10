package handler

import (
	"net/http"

	"github.com/waveline-social/realtime-core/internal/transport"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	authority transport.Authority
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(authority transport.Authority) *HealthHandler {
	return &HealthHandler{
		authority: authority,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
//
// The service stays up while the authority is unreachable; mutations queue
// locally. Ready reflects whether commits can flow right now.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.authority == nil || !h.authority.Connected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "authority not connected",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
