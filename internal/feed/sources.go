// Package feed implements the feed ranking engine: candidate gathering from
// a social graph and engagement store, deterministic scoring, and stable
// cursor pagination.
package feed

import (
	"context"
	"sort"
	"sync"

	"github.com/waveline-social/realtime-core/internal/model"
)

// SocialGraph supplies relationship signals. Read-only from the engine's
// point of view.
type SocialGraph interface {
	// Following returns the IDs of authors the user follows.
	Following(ctx context.Context, userID string) ([]string, error)

	// Affinity returns a monotonic relationship-strength measure in
	// [0, 1] between the user and an author.
	Affinity(ctx context.Context, userID, authorID string) (float64, error)

	// Interests returns the user's interest hashtag set.
	Interests(ctx context.Context, userID string) ([]string, error)
}

// PostSource supplies ranked-candidate posts. Engagement counters are
// read-only inputs; mutations flow through the post update path, never from
// ranking.
type PostSource interface {
	// RecentByAuthors returns published posts by the given authors, newest
	// first.
	RecentByAuthors(ctx context.Context, authorIDs []string, limit int) ([]model.Post, error)

	// Trending returns posts ordered by trending score.
	Trending(ctx context.Context, limit int) ([]model.Post, error)

	// ByHashtags returns published posts matching any of the hashtags.
	ByHashtags(ctx context.Context, hashtags []string, limit int) ([]model.Post, error)

	// Discovery returns a deterministic exploration slate. Any selection
	// randomness belongs behind this interface, never in scoring.
	Discovery(ctx context.Context, limit int) ([]model.Post, error)
}

// MemoryGraph is an in-memory social graph.
type MemoryGraph struct {
	mu        sync.RWMutex
	follows   map[string]map[string]bool   // user -> authors
	strength  map[string]map[string]float64 // user -> author -> interaction strength
	interests map[string][]string
}

// NewMemoryGraph creates an empty graph.
func NewMemoryGraph() *MemoryGraph {
	return &MemoryGraph{
		follows:   make(map[string]map[string]bool),
		strength:  make(map[string]map[string]float64),
		interests: make(map[string][]string),
	}
}

// Follow records that user follows author.
func (g *MemoryGraph) Follow(userID, authorID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.follows[userID] == nil {
		g.follows[userID] = make(map[string]bool)
	}
	g.follows[userID][authorID] = true
}

// Followers returns the sorted IDs of users following the author.
func (g *MemoryGraph) Followers(ctx context.Context, authorID string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var ids []string
	for userID, authors := range g.follows {
		if authors[authorID] {
			ids = append(ids, userID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// RecordInteraction strengthens the user-author tie.
func (g *MemoryGraph) RecordInteraction(userID, authorID string, weight float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.strength[userID] == nil {
		g.strength[userID] = make(map[string]float64)
	}
	g.strength[userID][authorID] += weight
}

// SetInterests replaces the user's interest set.
func (g *MemoryGraph) SetInterests(userID string, interests []string) {
	g.mu.Lock()
	g.interests[userID] = interests
	g.mu.Unlock()
}

// Following implements SocialGraph.
func (g *MemoryGraph) Following(ctx context.Context, userID string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for authorID := range g.follows[userID] {
		out = append(out, authorID)
	}
	sort.Strings(out)
	return out, nil
}

// Affinity implements SocialGraph: follow contributes a base tie, repeated
// interaction saturates toward 1.
func (g *MemoryGraph) Affinity(ctx context.Context, userID, authorID string) (float64, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var affinity float64
	if g.follows[userID][authorID] {
		affinity = 0.5
	}
	s := g.strength[userID][authorID]
	affinity += 0.5 * (s / (s + 5))
	if affinity > 1 {
		affinity = 1
	}
	return affinity, nil
}

// Interests implements SocialGraph.
func (g *MemoryGraph) Interests(ctx context.Context, userID string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.interests[userID]...), nil
}

// MemoryPosts is an in-memory post source.
type MemoryPosts struct {
	mu    sync.RWMutex
	posts map[string]model.Post
}

// NewMemoryPosts creates an empty post source.
func NewMemoryPosts() *MemoryPosts {
	return &MemoryPosts{posts: make(map[string]model.Post)}
}

// Put upserts a post.
func (s *MemoryPosts) Put(post model.Post) {
	s.mu.Lock()
	s.posts[post.ID] = post
	s.mu.Unlock()
}

// Get returns a post by ID.
func (s *MemoryPosts) Get(postID string) (model.Post, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.posts[postID]
	return p, ok
}

func (s *MemoryPosts) published() []model.Post {
	var out []model.Post
	for _, p := range s.posts {
		if p.Status == model.PostPublished {
			out = append(out, p)
		}
	}
	return out
}

func newestFirst(posts []model.Post) {
	sort.Slice(posts, func(i, j int) bool {
		if !posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].CreatedAt.After(posts[j].CreatedAt)
		}
		return posts[i].ID < posts[j].ID
	})
}

func clip(posts []model.Post, limit int) []model.Post {
	if limit > 0 && len(posts) > limit {
		return posts[:limit]
	}
	return posts
}

// RecentByAuthors implements PostSource.
func (s *MemoryPosts) RecentByAuthors(ctx context.Context, authorIDs []string, limit int) ([]model.Post, error) {
	authors := make(map[string]bool, len(authorIDs))
	for _, id := range authorIDs {
		authors[id] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Post
	for _, p := range s.published() {
		if authors[p.AuthorID] {
			out = append(out, p)
		}
	}
	newestFirst(out)
	return clip(out, limit), nil
}

// Trending implements PostSource.
func (s *MemoryPosts) Trending(ctx context.Context, limit int) ([]model.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.published()
	sort.Slice(out, func(i, j int) bool {
		if out[i].TrendingScore != out[j].TrendingScore {
			return out[i].TrendingScore > out[j].TrendingScore
		}
		return out[i].ID < out[j].ID
	})
	return clip(out, limit), nil
}

// ByHashtags implements PostSource.
func (s *MemoryPosts) ByHashtags(ctx context.Context, hashtags []string, limit int) ([]model.Post, error) {
	tags := make(map[string]bool, len(hashtags))
	for _, t := range hashtags {
		tags[t] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Post
	for _, p := range s.published() {
		for _, t := range p.Hashtags {
			if tags[t] {
				out = append(out, p)
				break
			}
		}
	}
	newestFirst(out)
	return clip(out, limit), nil
}

// Discovery implements PostSource with a stable newest-first slate.
func (s *MemoryPosts) Discovery(ctx context.Context, limit int) ([]model.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.published()
	newestFirst(out)
	return clip(out, limit), nil
}

