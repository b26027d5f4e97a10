// Package event defines the core's internal event kinds and a bounded
// publish/subscribe bus that fans them out to consumers.
package event

import (
	"time"

	"github.com/waveline-social/realtime-core/internal/model"
)

// Kind enumerates the closed set of core event kinds.
type Kind string

const (
	KindMessageCommitted Kind = "message_committed"
	KindMessageEdited    Kind = "message_edited"
	KindMessageDeleted   Kind = "message_deleted"
	KindReactionChanged  Kind = "reaction_changed"
	KindReadStateChanged Kind = "read_state_changed"
	KindTypingChanged    Kind = "typing_changed"
	KindPresenceChanged  Kind = "presence_changed"
	KindPostPublished    Kind = "post_published"
	KindFollowerAdded    Kind = "follower_added"
)

// Event is the closed union of core events. Consumers type-switch on the
// concrete types; the Kind method exists for logging and routing.
type Event interface {
	EventKind() Kind
	OccurredAt() time.Time
}

type Base struct {
	At time.Time `json:"at"`
}

func (b Base) OccurredAt() time.Time { return b.At }

// MessageCommitted fires when the authority acknowledges a message.
type MessageCommitted struct {
	Base
	Message model.Message `json:"message"`
}

func (MessageCommitted) EventKind() Kind { return KindMessageCommitted }

// MessageEdited fires after a successful edit.
type MessageEdited struct {
	Base
	Message model.Message `json:"message"`
}

func (MessageEdited) EventKind() Kind { return KindMessageEdited }

// MessageDeleted fires on a for-everyone delete.
type MessageDeleted struct {
	Base
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	ActorID        string `json:"actor_id"`
}

func (MessageDeleted) EventKind() Kind { return KindMessageDeleted }

// ReactionChanged fires on reaction upsert or removal.
type ReactionChanged struct {
	Base
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	SenderID       string `json:"sender_id"` // message author
	UserID         string `json:"user_id"`   // reacting user
	Emoji          string `json:"emoji"`     // empty on removal
}

func (ReactionChanged) EventKind() Kind { return KindReactionChanged }

// ReadStateChanged fires when a user's last-seen order key advances.
type ReadStateChanged struct {
	Base
	ConversationID string         `json:"conversation_id"`
	UserID         string         `json:"user_id"`
	UpTo           model.OrderKey `json:"up_to"`
}

func (ReadStateChanged) EventKind() Kind { return KindReadStateChanged }

// TypingChanged fires only on typing state transitions, never on refresh.
type TypingChanged struct {
	Base
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Typing         bool   `json:"typing"`
}

func (TypingChanged) EventKind() Kind { return KindTypingChanged }

// PresenceChanged fires when a user transitions between online and offline.
type PresenceChanged struct {
	Base
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

func (PresenceChanged) EventKind() Kind { return KindPresenceChanged }

// PostPublished fires when an author publishes a post.
type PostPublished struct {
	Base
	Post model.Post `json:"post"`
}

func (PostPublished) EventKind() Kind { return KindPostPublished }

// FollowerAdded fires when a user gains a follower.
type FollowerAdded struct {
	Base
	UserID     string `json:"user_id"`
	FollowerID string `json:"follower_id"`
}

func (FollowerAdded) EventKind() Kind { return KindFollowerAdded }

