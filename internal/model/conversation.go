package model

import (
	"time"
)

// Role is a participant's role within a conversation.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

// CanModerate reports whether the role may act on other users' messages.
func (r Role) CanModerate() bool {
	return r == RoleAdmin || r == RoleOwner
}

// Participant is a member of a conversation.
type Participant struct {
	UserID   string    `json:"user_id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`

	// LastSeen is the order key of the newest message the user has read.
	// Unread count is derived from it, never stored independently.
	LastSeen OrderKey `json:"last_seen"`

	// WrappedKey is the conversation content key sealed to this
	// participant's public key.
	WrappedKey []byte `json:"wrapped_key,omitempty"`
}

// Conversation represents a conversation thread and its membership.
type Conversation struct {
	ID           string                 `json:"id"`
	Title        string                 `json:"title,omitempty"`
	Participants map[string]Participant `json:"participants"`
	Active       bool                   `json:"active"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`

	// LastMessage is denormalized for conversation lists.
	LastMessage *Message `json:"last_message,omitempty"`
}

// Participant returns the participant entry for a user, if present.
func (c *Conversation) Participant(userID string) (Participant, bool) {
	p, ok := c.Participants[userID]
	return p, ok
}

// Clone returns a deep copy safe to hand outside the owning store.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Participants = make(map[string]Participant, len(c.Participants))
	for id, p := range c.Participants {
		if p.WrappedKey != nil {
			p.WrappedKey = append([]byte(nil), p.WrappedKey...)
		}
		cp.Participants[id] = p
	}
	if c.LastMessage != nil {
		cp.LastMessage = c.LastMessage.Clone()
	}
	return &cp
}

// CreateConversationRequest is the request to create a new conversation.
type CreateConversationRequest struct {
	Title        string   `json:"title,omitempty"`
	Participants []string `json:"participants"`
}

// AddParticipantRequest adds a user to a conversation.
type AddParticipantRequest struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role,omitempty"`
}

// ConversationSummary is a conversation with per-viewer derived fields.
type ConversationSummary struct {
	Conversation
	UnreadCount int `json:"unread_count"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
	Total         int                   `json:"total"`
	HasMore       bool                  `json:"has_more"`
}
