package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/waveline-social/realtime-core/internal/middleware"
	"github.com/waveline-social/realtime-core/internal/notify"
	"github.com/waveline-social/realtime-core/pkg/logger"
)

// NotificationHandler handles subscription and suppression endpoints.
type NotificationHandler struct {
	engine *notify.Engine
	logger *logger.Logger
}

// NewNotificationHandler creates a new notification handler.
func NewNotificationHandler(e *notify.Engine, log *logger.Logger) *NotificationHandler {
	return &NotificationHandler{
		engine: e,
		logger: log,
	}
}

// Subscribe handles PUT /api/v1/notifications/subscriptions/{category}
func (h *NotificationHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	category := chi.URLParam(r, "category")

	h.engine.Subscribe(userID, category)
	writeJSON(w, http.StatusOK, map[string]string{
		"category": category,
		"status":   "subscribed",
	})
}

// Unsubscribe handles DELETE /api/v1/notifications/subscriptions/{category}
func (h *NotificationHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	category := chi.URLParam(r, "category")

	h.engine.Unsubscribe(userID, category)
	writeJSON(w, http.StatusOK, map[string]string{
		"category": category,
		"status":   "unsubscribed",
	})
}

// SetTimezone handles PUT /api/v1/notifications/timezone
func (h *NotificationHandler) SetTimezone(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req struct {
		Timezone string `json:"timezone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.engine.SetTimezone(userID, req.Timezone); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"timezone": req.Timezone})
}

// Suppressions handles GET /api/v1/notifications/suppressions/{userID}
//
// Audit endpoint; requires the notifications:audit scope.
func (h *NotificationHandler) Suppressions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      userID,
		"suppressions": h.engine.Suppressions(userID),
	})
}
