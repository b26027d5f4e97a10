package handler

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/waveline-social/realtime-core/internal/feed"
	"github.com/waveline-social/realtime-core/internal/middleware"
	"github.com/waveline-social/realtime-core/pkg/logger"
)

// FeedHandler handles feed endpoints.
type FeedHandler struct {
	engine *feed.Engine
	logger *logger.Logger
}

// NewFeedHandler creates a new feed handler.
func NewFeedHandler(e *feed.Engine, log *logger.Logger) *FeedHandler {
	return &FeedHandler{
		engine: e,
		logger: log,
	}
}

// Get handles GET /api/v1/feed
func (h *FeedHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	cursor := r.URL.Query().Get("cursor")

	resp, err := h.engine.GenerateFeed(ctx, userID, cursor, limit)
	if err != nil {
		h.logger.Error("failed to generate feed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
