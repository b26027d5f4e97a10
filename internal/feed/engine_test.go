package feed

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveline-social/realtime-core/internal/config"
	"github.com/waveline-social/realtime-core/internal/model"
	"github.com/waveline-social/realtime-core/pkg/logger"
)

func testRankingConfig() config.RankingConfig {
	return config.RankingConfig{
		FollowedShare:    0.40,
		TrendingShare:    0.25,
		InterestShare:    0.20,
		DiscoveryShare:   0.15,
		RecencyWeight:    0.30,
		EngagementWeight: 0.25,
		AffinityWeight:   0.25,
		InterestWeight:   0.20,
		DiversityWeight:  0.10,
		RecencyHalfLife:  24 * time.Hour,
		CommentFactor:    2.0,
		ShareFactor:      3.0,
		MaxAuthorShare:   0.34,
	}
}

func newTestEngine(t *testing.T) (*Engine, *MemoryGraph, *MemoryPosts) {
	t.Helper()
	log, err := logger.New("error")
	require.NoError(t, err)

	graph := NewMemoryGraph()
	posts := NewMemoryPosts()
	engine := NewEngine(graph, posts, testRankingConfig(), log)
	return engine, graph, posts
}

func post(id, author string, createdAt time.Time, eng model.Engagement, tags ...string) model.Post {
	return model.Post{
		ID:         id,
		AuthorID:   author,
		Content:    "post " + id,
		Hashtags:   tags,
		Engagement: eng,
		Status:     model.PostPublished,
		CreatedAt:  createdAt,
	}
}

func TestGenerateFeedDeterministic(t *testing.T) {
	engine, graph, posts := newTestEngine(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	engine.Now = func() time.Time { return now }

	graph.Follow("viewer", "author-1")
	graph.Follow("viewer", "author-2")
	graph.SetInterests("viewer", []string{"golang", "distsys"})
	graph.RecordInteraction("viewer", "author-1", 3)

	for _, p := range []model.Post{
		post("p1", "author-1", now.Add(-1*time.Hour), model.Engagement{Likes: 10, Views: 100}, "golang"),
		post("p2", "author-2", now.Add(-2*time.Hour), model.Engagement{Likes: 5, Views: 100}),
		post("p3", "author-3", now.Add(-30*time.Minute), model.Engagement{Likes: 50, Views: 200}, "distsys"),
		post("p4", "author-4", now.Add(-6*time.Hour), model.Engagement{Views: 10}),
	} {
		posts.Put(p)
	}

	first, err := engine.GenerateFeed(context.Background(), "viewer", "", 10)
	require.NoError(t, err)
	require.NotEmpty(t, first.Entries)

	second, err := engine.GenerateFeed(context.Background(), "viewer", "", 10)
	require.NoError(t, err)

	require.Equal(t, len(first.Entries), len(second.Entries))
	for i := range first.Entries {
		assert.Equal(t, first.Entries[i].PostID, second.Entries[i].PostID)
		assert.Equal(t, first.Entries[i].Score, second.Entries[i].Score)
		assert.Equal(t, i+1, first.Entries[i].Rank)
	}
}

func TestEngagementBreaksTies(t *testing.T) {
	engine, graph, posts := newTestEngine(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	engine.Now = func() time.Time { return now }

	// Identical recency and affinity; engagement rate 0.3 vs 0.1 must
	// decide the order.
	createdAt := now.Add(-time.Hour)
	graph.Follow("viewer", "author-1")
	graph.Follow("viewer", "author-2")
	posts.Put(post("p1", "author-1", createdAt, model.Engagement{Likes: 30, Views: 100}))
	posts.Put(post("p2", "author-2", createdAt, model.Engagement{Likes: 10, Views: 100}))

	resp, err := engine.GenerateFeed(context.Background(), "viewer", "", 10)
	require.NoError(t, err)
	require.Len(t, resp.Entries, 2)
	assert.Equal(t, "p1", resp.Entries[0].PostID)
	assert.Equal(t, "p2", resp.Entries[1].PostID)
	assert.Greater(t, resp.Entries[0].Score, resp.Entries[1].Score)
}

func TestEngagementRateZeroViews(t *testing.T) {
	p := post("p1", "a", time.Now(), model.Engagement{Likes: 100, Views: 0})
	assert.Zero(t, engagementRate(p, 2.0, 3.0))
}

func TestViewerOwnPostsExcluded(t *testing.T) {
	engine, graph, posts := newTestEngine(t)
	now := time.Now()
	engine.Now = func() time.Time { return now }

	graph.Follow("viewer", "viewer")
	posts.Put(post("mine", "viewer", now, model.Engagement{Likes: 100, Views: 100}))
	posts.Put(post("theirs", "author-1", now, model.Engagement{Likes: 1, Views: 100}))
	graph.Follow("viewer", "author-1")

	resp, err := engine.GenerateFeed(context.Background(), "viewer", "", 10)
	require.NoError(t, err)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "theirs", resp.Entries[0].PostID)
}

func TestAuthorShareCap(t *testing.T) {
	engine, graph, posts := newTestEngine(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	engine.Now = func() time.Time { return now }

	graph.Follow("viewer", "prolific")
	graph.Follow("viewer", "other")

	// One author floods the candidate pool with posts that all outscore the
	// slower author's single post on base score alone.
	for i := 0; i < 7; i++ {
		posts.Put(post(
			"flood-"+string(rune('a'+i)),
			"prolific",
			now.Add(-time.Duration(i)*time.Minute),
			model.Engagement{Likes: 50, Views: 100},
		))
	}
	posts.Put(post("quiet", "other", now.Add(-2*time.Hour), model.Engagement{Likes: 40, Views: 100}))

	resp, err := engine.GenerateFeed(context.Background(), "viewer", "", 6)
	require.NoError(t, err)
	require.Len(t, resp.Entries, 6)

	// The diversity penalty demotes the flooding author's repeats, so the
	// slower author's post climbs past all but the flood leader.
	assert.Equal(t, "flood-a", resp.Entries[0].PostID)
	assert.Equal(t, "quiet", resp.Entries[1].PostID)
}

func TestAuthorCapBoundsWindowShare(t *testing.T) {
	engine, graph, posts := newTestEngine(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	engine.Now = func() time.Time { return now }

	graph.Follow("viewer", "prolific")

	// A dominant author whose posts all outscore everything else, against a
	// slate of weaker posts from distinct authors.
	for i := 0; i < 12; i++ {
		posts.Put(post(
			fmt.Sprintf("flood-%02d", i),
			"prolific",
			now.Add(-time.Duration(i+1)*time.Minute),
			model.Engagement{Likes: 90, Views: 100},
		))
	}
	for i := 1; i <= 11; i++ {
		p := post(
			fmt.Sprintf("weak-%02d", i),
			fmt.Sprintf("author-%02d", i),
			now.Add(-time.Duration(i)*time.Second),
			model.Engagement{Likes: 10, Views: 100},
		)
		p.TrendingScore = float64(12 - i)
		posts.Put(p)
	}

	resp, err := engine.GenerateFeed(context.Background(), "viewer", "", 6)
	require.NoError(t, err)
	require.Len(t, resp.Entries, 6)

	// cap = ceil(0.34 * 6) = 3: no author may hold more of the window.
	perAuthor := make(map[string]int)
	for _, e := range resp.Entries {
		p, ok := posts.Get(e.PostID)
		require.True(t, ok)
		perAuthor[p.AuthorID]++
	}
	for author, n := range perAuthor {
		assert.LessOrEqual(t, n, 3, "author %s exceeds the window share cap", author)
	}
	assert.Equal(t, 3, perAuthor["prolific"])
}

func TestCursorPagination(t *testing.T) {
	engine, graph, posts := newTestEngine(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	engine.Now = func() time.Time { return now }

	graph.Follow("viewer", "author-1")
	for i := 0; i < 10; i++ {
		posts.Put(post(
			"p"+string(rune('0'+i)),
			"author-1",
			now.Add(-time.Duration(i)*time.Hour),
			model.Engagement{Likes: int64(10 - i), Views: 100},
		))
	}

	full, err := engine.GenerateFeed(context.Background(), "viewer", "", 10)
	require.NoError(t, err)

	page1, err := engine.GenerateFeed(context.Background(), "viewer", "", 4)
	require.NoError(t, err)
	require.Len(t, page1.Entries, 4)
	require.NotEmpty(t, page1.NextCursor)

	page2, err := engine.GenerateFeed(context.Background(), "viewer", page1.NextCursor, 4)
	require.NoError(t, err)
	require.Len(t, page2.Entries, 4)

	// Pages must tile the full ranking without overlap or gaps.
	for i, e := range page1.Entries {
		assert.Equal(t, full.Entries[i].PostID, e.PostID)
	}
	for i, e := range page2.Entries {
		assert.Equal(t, full.Entries[4+i].PostID, e.PostID)
	}
}

func TestCursorRejectsGarbage(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	_, err := engine.GenerateFeed(context.Background(), "viewer", "not-a-cursor", 10)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestCursorRoundTrip(t *testing.T) {
	c := cursor{Score: 0.731, PostID: "post-9"}
	decoded, err := decodeCursor(encodeCursor(c))
	require.NoError(t, err)
	assert.Equal(t, c, decoded)

	empty, err := decodeCursor("")
	require.NoError(t, err)
	assert.True(t, empty.after(1.0, "any"))

	// A set cursor admits only entries strictly after it in (score desc,
	// postID asc) order.
	assert.False(t, c.after(0.8, "post-1"))
	assert.False(t, c.after(0.731, "post-9"))
	assert.False(t, c.after(0.731, "post-1"))
	assert.True(t, c.after(0.731, "post-z"))
	assert.True(t, c.after(0.5, "post-1"))
}

func TestMemoryGraphAffinity(t *testing.T) {
	graph := NewMemoryGraph()
	ctx := context.Background()

	a, err := graph.Affinity(ctx, "u", "stranger")
	require.NoError(t, err)
	assert.Zero(t, a)

	graph.Follow("u", "friend")
	followOnly, err := graph.Affinity(ctx, "u", "friend")
	require.NoError(t, err)
	assert.Greater(t, followOnly, 0.0)

	graph.RecordInteraction("u", "friend", 10)
	engaged, err := graph.Affinity(ctx, "u", "friend")
	require.NoError(t, err)
	assert.Greater(t, engaged, followOnly)
	assert.LessOrEqual(t, engaged, 1.0)
}
