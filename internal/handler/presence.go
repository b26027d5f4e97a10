package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/waveline-social/realtime-core/internal/middleware"
	"github.com/waveline-social/realtime-core/internal/presence"
	"github.com/waveline-social/realtime-core/pkg/logger"
)

// PresenceHandler handles typing and presence endpoints.
type PresenceHandler struct {
	coordinator *presence.Coordinator
	logger      *logger.Logger
}

// NewPresenceHandler creates a new presence handler.
func NewPresenceHandler(c *presence.Coordinator, log *logger.Logger) *PresenceHandler {
	return &PresenceHandler{
		coordinator: c,
		logger:      log,
	}
}

// SetTyping handles PUT /api/v1/conversations/{id}/typing
func (h *PresenceHandler) SetTyping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeDomainError(w, err)
		return
	}

	var req struct {
		Typing bool `json:"typing"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.coordinator.SetTyping(conversationID, userID, req.Typing)
	writeJSON(w, http.StatusOK, map[string]bool{"typing": req.Typing})
}

// TypingUsers handles GET /api/v1/conversations/{id}/typing
func (h *PresenceHandler) TypingUsers(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeDomainError(w, err)
		return
	}

	users := h.coordinator.TypingUsers(conversationID)
	writeJSON(w, http.StatusOK, map[string][]string{"typing": users})
}

// Heartbeat handles POST /api/v1/presence/heartbeat
func (h *PresenceHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	h.coordinator.Heartbeat(userID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "online"})
}

// Get handles GET /api/v1/presence/{userID}
func (h *PresenceHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	resp := struct {
		UserID       string     `json:"user_id"`
		Online       bool       `json:"online"`
		LastActiveAt *time.Time `json:"last_active_at,omitempty"`
	}{
		UserID: userID,
		Online: h.coordinator.Online(userID),
	}
	if at, ok := h.coordinator.LastActiveAt(userID); ok {
		resp.LastActiveAt = &at
	}

	writeJSON(w, http.StatusOK, resp)
}
