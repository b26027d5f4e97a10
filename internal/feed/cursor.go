package feed

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/waveline-social/realtime-core/internal/model"
)

// cursor encodes the pagination position as the last returned entry's
// (score, postID). The page resumes after that post's position in the ranked
// order; the score comparator approximates the position when the post has
// left the candidate pool.
type cursor struct {
	Score  float64 `json:"s"`
	PostID string  `json:"p"`
}

func encodeCursor(c cursor) string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(token string) (cursor, error) {
	if token == "" {
		return cursor{}, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return cursor{}, model.ValidationError("cursor", "malformed token")
	}
	var c cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return cursor{}, model.ValidationError("cursor", "malformed token")
	}
	if c.PostID == "" {
		return cursor{}, fmt.Errorf("%w: cursor: missing post id", model.ErrValidation)
	}
	return c, nil
}

// after reports whether an entry at (score, postID) sorts strictly after
// the cursor position in (score desc, postID asc) order.
func (c cursor) after(score float64, postID string) bool {
	if c.PostID == "" {
		return true
	}
	if score != c.Score {
		return score < c.Score
	}
	return postID > c.PostID
}
