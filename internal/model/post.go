package model

import (
	"time"
)

// PostStatus represents the lifecycle state of a post.
type PostStatus string

const (
	PostDraft     PostStatus = "draft"
	PostPublished PostStatus = "published"
	PostArchived  PostStatus = "archived"
	PostFlagged   PostStatus = "flagged"
)

// Engagement holds a post's interaction counters. The ranking engine treats
// these as read-only inputs.
type Engagement struct {
	Likes    int64 `json:"likes"`
	Comments int64 `json:"comments"`
	Shares   int64 `json:"shares"`
	Views    int64 `json:"views"`
}

// Post represents a social feed post.
type Post struct {
	ID         string     `json:"id"`
	AuthorID   string     `json:"author_id"`
	Content    string     `json:"content"`
	Hashtags   []string   `json:"hashtags,omitempty"`
	Mentions   []string   `json:"mentions,omitempty"`
	Engagement Engagement `json:"engagement"`
	Status     PostStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`

	// TrendingScore is an optional precomputed signal from the engagement
	// store; zero means unscored.
	TrendingScore float64 `json:"trending_score,omitempty"`
}

// FeedEntry is one ranked post in a user's feed. Derived per request, never
// persisted as source of truth.
type FeedEntry struct {
	UserID string  `json:"user_id"`
	PostID string  `json:"post_id"`
	Score  float64 `json:"score"`
	Rank   int     `json:"rank"`
}

// FeedResponse is a page of ranked feed entries.
type FeedResponse struct {
	Entries    []FeedEntry `json:"entries"`
	NextCursor string      `json:"next_cursor,omitempty"`
}
