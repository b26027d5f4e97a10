package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/waveline-social/realtime-core/internal/event"
	"github.com/waveline-social/realtime-core/internal/feed"
	"github.com/waveline-social/realtime-core/internal/middleware"
	"github.com/waveline-social/realtime-core/internal/model"
	"github.com/waveline-social/realtime-core/pkg/logger"
)

// SocialHandler handles post publishing and follow edges, the producers
// behind the feed and the social notification types.
type SocialHandler struct {
	graph  *feed.MemoryGraph
	posts  *feed.MemoryPosts
	bus    *event.Bus
	logger *logger.Logger
}

// NewSocialHandler creates a new social handler.
func NewSocialHandler(graph *feed.MemoryGraph, posts *feed.MemoryPosts, bus *event.Bus, log *logger.Logger) *SocialHandler {
	return &SocialHandler{
		graph:  graph,
		posts:  posts,
		bus:    bus,
		logger: log,
	}
}

// CreatePost handles POST /api/v1/posts
func (h *SocialHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req struct {
		Content  string   `json:"content"`
		Hashtags []string `json:"hashtags,omitempty"`
		Mentions []string `json:"mentions,omitempty"`
		Draft    bool     `json:"draft,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content cannot be empty")
		return
	}

	post := model.Post{
		ID:        uuid.Must(uuid.NewV7()).String(),
		AuthorID:  userID,
		Content:   req.Content,
		Hashtags:  req.Hashtags,
		Mentions:  req.Mentions,
		Status:    model.PostPublished,
		CreatedAt: time.Now(),
	}
	if req.Draft {
		post.Status = model.PostDraft
	}
	h.posts.Put(post)

	if post.Status == model.PostPublished {
		h.bus.Publish(event.PostPublished{
			Base: event.Base{At: post.CreatedAt},
			Post: post,
		})
	}

	writeJSON(w, http.StatusCreated, post)
}

// Follow handles PUT /api/v1/follows/{authorID}
func (h *SocialHandler) Follow(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	authorID := chi.URLParam(r, "authorID")

	if authorID == "" || authorID == userID {
		writeError(w, http.StatusBadRequest, "invalid author")
		return
	}

	h.graph.Follow(userID, authorID)
	h.bus.Publish(event.FollowerAdded{
		Base:       event.Base{At: time.Now()},
		UserID:     authorID,
		FollowerID: userID,
	})

	writeJSON(w, http.StatusOK, map[string]string{"following": authorID})
}

// SetInterests handles PUT /api/v1/interests
func (h *SocialHandler) SetInterests(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req struct {
		Interests []string `json:"interests"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.graph.SetInterests(userID, req.Interests)
	writeJSON(w, http.StatusOK, map[string][]string{"interests": req.Interests})
}
