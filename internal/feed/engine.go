package feed

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/waveline-social/realtime-core/internal/config"
	"github.com/waveline-social/realtime-core/internal/model"
	"github.com/waveline-social/realtime-core/pkg/logger"
	"github.com/waveline-social/realtime-core/pkg/metrics"
)

// overfetch widens source queries so the mix survives scoring and the
// author cap.
const overfetch = 3

// Engine ranks feed candidates. Scoring is fully deterministic: identical
// inputs at an identical timestamp always produce identical output.
type Engine struct {
	graph  SocialGraph
	posts  PostSource
	cfg    config.RankingConfig
	logger *logger.Logger

	// Now injects the clock for deterministic tests.
	Now func() time.Time
}

// NewEngine creates a feed ranking engine.
func NewEngine(graph SocialGraph, posts PostSource, cfg config.RankingConfig, log *logger.Logger) *Engine {
	cfg.Normalize()
	return &Engine{
		graph:  graph,
		posts:  posts,
		cfg:    cfg,
		logger: log,
		Now:    time.Now,
	}
}

// candidate carries a post through scoring.
type candidate struct {
	post  model.Post
	score float64
}

// GenerateFeed returns one ranked page for the user and a cursor for the
// next. The candidate set is followed ∪ trending ∪ interest ∪ discovery,
// gathered per the configured mix shares.
func (e *Engine) GenerateFeed(ctx context.Context, userID, cursorToken string, limit int) (*model.FeedResponse, error) {
	start := time.Now()
	defer func() {
		metrics.FeedLatency.Observe(time.Since(start).Seconds())
	}()

	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	cur, err := decodeCursor(cursorToken)
	if err != nil {
		return nil, err
	}

	pool, err := e.gather(ctx, userID, limit)
	if err != nil {
		return nil, err
	}

	affinity, interests, err := e.userSignals(ctx, userID, pool)
	if err != nil {
		return nil, err
	}

	now := e.Now()
	ranked := e.rank(pool, affinity, interests, now, limit)

	// The author cap reorders entries relative to pure score order, so the
	// page position is located by the cursor's post ID; the (score, postID)
	// comparator is the fallback when that post left the pool.
	page := ranked
	if cur.PostID != "" {
		idx := -1
		for i, c := range ranked {
			if c.post.ID == cur.PostID {
				idx = i
				break
			}
		}
		if idx >= 0 {
			page = ranked[idx+1:]
		} else {
			page = nil
			for _, c := range ranked {
				if cur.after(c.score, c.post.ID) {
					page = append(page, c)
				}
			}
		}
	}

	entries := make([]model.FeedEntry, 0, limit)
	for _, c := range page {
		entries = append(entries, model.FeedEntry{
			UserID: userID,
			PostID: c.post.ID,
			Score:  c.score,
		})
		if len(entries) == limit {
			break
		}
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}

	resp := &model.FeedResponse{Entries: entries}
	if len(entries) == limit {
		last := entries[len(entries)-1]
		resp.NextCursor = encodeCursor(cursor{Score: last.Score, PostID: last.PostID})
	}
	return resp, nil
}

// gather assembles the candidate pool from the four sources per mix share,
// deduplicated by post ID with first-source-wins.
func (e *Engine) gather(ctx context.Context, userID string, limit int) ([]model.Post, error) {
	fetch := limit * overfetch

	followed, err := e.graph.Following(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load follow graph: %w", err)
	}
	interests, err := e.graph.Interests(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load interests: %w", err)
	}

	type sourced struct {
		name  string
		share float64
		load  func(int) ([]model.Post, error)
	}
	sources := []sourced{
		{"followed", e.cfg.FollowedShare, func(n int) ([]model.Post, error) {
			return e.posts.RecentByAuthors(ctx, followed, n)
		}},
		{"trending", e.cfg.TrendingShare, func(n int) ([]model.Post, error) {
			return e.posts.Trending(ctx, n)
		}},
		{"interest", e.cfg.InterestShare, func(n int) ([]model.Post, error) {
			return e.posts.ByHashtags(ctx, interests, n)
		}},
		{"discovery", e.cfg.DiscoveryShare, func(n int) ([]model.Post, error) {
			return e.posts.Discovery(ctx, n)
		}},
	}

	seen := make(map[string]bool)
	var pool []model.Post
	for _, src := range sources {
		n := int(math.Ceil(src.share * float64(fetch)))
		if n == 0 {
			continue
		}
		posts, err := src.load(n)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s candidates: %w", src.name, err)
		}
		metrics.FeedCandidates.WithLabelValues(src.name).Observe(float64(len(posts)))
		for _, p := range posts {
			if seen[p.ID] || p.AuthorID == userID {
				continue
			}
			seen[p.ID] = true
			pool = append(pool, p)
		}
	}
	return pool, nil
}

func (e *Engine) userSignals(ctx context.Context, userID string, pool []model.Post) (map[string]float64, map[string]bool, error) {
	affinity := make(map[string]float64)
	for _, p := range pool {
		if _, ok := affinity[p.AuthorID]; ok {
			continue
		}
		a, err := e.graph.Affinity(ctx, userID, p.AuthorID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load affinity: %w", err)
		}
		affinity[p.AuthorID] = a
	}

	interestList, err := e.graph.Interests(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	interests := make(map[string]bool, len(interestList))
	for _, tag := range interestList {
		interests[tag] = true
	}
	return affinity, interests, nil
}

// rank scores the pool and assembles the final order: base score ordering, a
// greedy pass that applies the diversity penalty against the window selected
// so far, then a hard per-author cap on the re-sorted window so a dominant
// author cannot hold more than their share of the top positions.
func (e *Engine) rank(pool []model.Post, affinity map[string]float64, interests map[string]bool, now time.Time, window int) []candidate {
	base := make([]candidate, 0, len(pool))
	for _, p := range pool {
		base = append(base, candidate{
			post: p,
			score: e.cfg.RecencyWeight*e.recency(p, now) +
				e.cfg.EngagementWeight*engagementRate(p, e.cfg.CommentFactor, e.cfg.ShareFactor) +
				e.cfg.AffinityWeight*affinity[p.AuthorID] +
				e.cfg.InterestWeight*interestMatch(p, interests),
		})
	}
	sortCandidates(base, now)

	maxPerAuthor := int(math.Ceil(e.cfg.MaxAuthorShare * float64(window)))
	if maxPerAuthor < 1 {
		maxPerAuthor = 1
	}

	authorCount := make(map[string]int)
	tagCount := make(map[string]int)
	selected := make([]candidate, 0, len(base))
	var deferred []candidate

	for _, c := range base {
		if len(selected) < window && authorCount[c.post.AuthorID] >= maxPerAuthor {
			deferred = append(deferred, c)
			continue
		}
		c.score -= e.cfg.DiversityWeight * diversityPenalty(c.post, authorCount, tagCount)
		authorCount[c.post.AuthorID]++
		for _, tag := range c.post.Hashtags {
			tagCount[tag]++
		}
		selected = append(selected, c)
	}
	for _, c := range deferred {
		c.score -= e.cfg.DiversityWeight * diversityPenalty(c.post, authorCount, tagCount)
		authorCount[c.post.AuthorID]++
		for _, tag := range c.post.Hashtags {
			tagCount[tag]++
		}
		selected = append(selected, c)
	}

	sortCandidates(selected, now)
	return capAuthors(selected, window, maxPerAuthor)
}

// capAuthors enforces the per-author share cap on the final order: an entry
// that would push its author past the cap inside the window moves to just
// below the window, keeping relative order. When too few distinct authors
// exist to fill the window, the displaced entries backfill it.
func capAuthors(cs []candidate, window, maxPerAuthor int) []candidate {
	out := make([]candidate, 0, len(cs))
	var deferred []candidate
	counts := make(map[string]int)

	for i, c := range cs {
		if len(out) == window {
			out = append(out, deferred...)
			return append(out, cs[i:]...)
		}
		if counts[c.post.AuthorID] >= maxPerAuthor {
			deferred = append(deferred, c)
			continue
		}
		counts[c.post.AuthorID]++
		out = append(out, c)
	}
	return append(out, deferred...)
}

// sortCandidates orders by score descending, ties broken by recency then
// post ID — the same total order the cursor encodes.
func sortCandidates(cs []candidate, now time.Time) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].score != cs[j].score {
			return cs[i].score > cs[j].score
		}
		if !cs[i].post.CreatedAt.Equal(cs[j].post.CreatedAt) {
			return cs[i].post.CreatedAt.After(cs[j].post.CreatedAt)
		}
		return cs[i].post.ID < cs[j].post.ID
	})
}

// recency decays exponentially with age, halving every configured window.
func (e *Engine) recency(p model.Post, now time.Time) float64 {
	age := now.Sub(p.CreatedAt)
	if age < 0 {
		age = 0
	}
	halfLives := float64(age) / float64(e.cfg.RecencyHalfLife)
	return math.Pow(0.5, halfLives)
}

// engagementRate is (likes + k1·comments + k2·shares) / views, zero when
// the post has no views.
func engagementRate(p model.Post, commentFactor, shareFactor float64) float64 {
	if p.Engagement.Views == 0 {
		return 0
	}
	weighted := float64(p.Engagement.Likes) +
		commentFactor*float64(p.Engagement.Comments) +
		shareFactor*float64(p.Engagement.Shares)
	rate := weighted / float64(p.Engagement.Views)
	if rate > 1 {
		rate = 1
	}
	return rate
}

// interestMatch is the fraction of the post's hashtags in the user's
// interest set.
func interestMatch(p model.Post, interests map[string]bool) float64 {
	if len(p.Hashtags) == 0 || len(interests) == 0 {
		return 0
	}
	matched := 0
	for _, tag := range p.Hashtags {
		if interests[tag] {
			matched++
		}
	}
	return float64(matched) / float64(len(p.Hashtags))
}

// diversityPenalty grows with repeated author and hashtag appearances in
// the already-selected window.
func diversityPenalty(p model.Post, authorCount map[string]int, tagCount map[string]int) float64 {
	penalty := float64(authorCount[p.AuthorID]) * 0.5
	for _, tag := range p.Hashtags {
		penalty += float64(tagCount[tag]) * 0.1
	}
	if penalty > 1 {
		penalty = 1
	}
	return penalty
}
