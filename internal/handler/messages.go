package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/waveline-social/realtime-core/internal/middleware"
	"github.com/waveline-social/realtime-core/internal/model"
	"github.com/waveline-social/realtime-core/internal/pipeline"
	"github.com/waveline-social/realtime-core/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	pipeline *pipeline.Pipeline
	logger   *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(p *pipeline.Pipeline, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		pipeline: p,
		logger:   log,
	}
}

// Send handles POST /api/v1/conversations/{id}/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeDomainError(w, err)
		return
	}

	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageID(req.ClientMsgID); err != nil {
		writeDomainError(w, err)
		return
	}

	msg, err := h.pipeline.Send(ctx, userID, conversationID, &req)
	if err != nil {
		h.logger.Error("failed to send message",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, msg)
}

// List handles GET /api/v1/conversations/{id}/messages
//
// Query parameters after_ts and after_id position the page strictly after
// an order key; limit caps the page size.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeDomainError(w, err)
		return
	}

	var after model.OrderKey
	if ts := r.URL.Query().Get("after_ts"); ts != "" {
		parsed, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after_ts")
			return
		}
		after.Timestamp = parsed
		after.MessageID = r.URL.Query().Get("after_id")
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	resp, err := h.pipeline.Messages(ctx, userID, conversationID, after, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Edit handles PUT /api/v1/conversations/{id}/messages/{messageID}
func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")
	messageID := chi.URLParam(r, "messageID")

	if err := middleware.ValidateMessageID(messageID); err != nil {
		writeDomainError(w, err)
		return
	}

	var req model.EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := h.pipeline.Edit(ctx, userID, conversationID, messageID, &req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, msg)
}

// Delete handles DELETE /api/v1/conversations/{id}/messages/{messageID}
//
// ?for_everyone=true tombstones the message for all participants; the
// default removes it from the caller's view only.
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")
	messageID := chi.URLParam(r, "messageID")

	if err := middleware.ValidateMessageID(messageID); err != nil {
		writeDomainError(w, err)
		return
	}

	forEveryone := r.URL.Query().Get("for_everyone") == "true"

	if err := h.pipeline.Delete(ctx, userID, conversationID, messageID, forEveryone); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// React handles PUT /api/v1/conversations/{id}/messages/{messageID}/reaction
func (h *MessageHandler) React(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")
	messageID := chi.URLParam(r, "messageID")

	var req model.ReactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateEmoji(req.Emoji); err != nil {
		writeDomainError(w, err)
		return
	}

	if err := h.pipeline.React(ctx, userID, conversationID, messageID, req.Emoji); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "reacted"})
}

// Unreact handles DELETE /api/v1/conversations/{id}/messages/{messageID}/reaction
func (h *MessageHandler) Unreact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")
	messageID := chi.URLParam(r, "messageID")

	if err := h.pipeline.Unreact(ctx, userID, conversationID, messageID); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// Cancel handles POST /api/v1/conversations/{id}/messages/{messageID}/cancel
func (h *MessageHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")
	messageID := chi.URLParam(r, "messageID")

	if err := h.pipeline.CancelSend(ctx, userID, conversationID, messageID); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

// Retry handles POST /api/v1/conversations/{id}/messages/{messageID}/retry
func (h *MessageHandler) Retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")
	messageID := chi.URLParam(r, "messageID")

	if err := h.pipeline.RetryFailed(ctx, userID, conversationID, messageID); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying"})
}

// MarkDelivered handles POST /api/v1/conversations/{id}/messages/{messageID}/delivered
//
// Delivery receipts come from receiving devices; the message is located by ID
// alone so a receipt can arrive before the device has full conversation state.
func (h *MessageHandler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	messageID := chi.URLParam(r, "messageID")

	if err := middleware.ValidateMessageID(messageID); err != nil {
		writeDomainError(w, err)
		return
	}

	if err := h.pipeline.MarkDelivered(ctx, messageID); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

// MarkRead handles POST /api/v1/conversations/{id}/read
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeDomainError(w, err)
		return
	}

	var req model.MarkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.pipeline.MarkRead(ctx, userID, conversationID, req.UpTo); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}
