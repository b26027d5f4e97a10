package model

import (
	"time"
)

// NotificationType classifies a notification event.
type NotificationType string

const (
	NotifyNewMessage  NotificationType = "new_message"
	NotifyMention     NotificationType = "mention"
	NotifyReaction    NotificationType = "reaction"
	NotifyNewPost     NotificationType = "new_post"
	NotifyNewFollower NotificationType = "new_follower"
)

// Category maps a notification type to its frequency-cap category.
func (t NotificationType) Category() string {
	switch t {
	case NotifyNewMessage:
		return "message"
	case NotifyMention:
		return "mention"
	case NotifyReaction:
		return "reaction"
	case NotifyNewPost, NotifyNewFollower:
		return "social"
	default:
		return "other"
	}
}

// Urgent reports whether the type bypasses the timezone send window.
func (t NotificationType) Urgent() bool {
	return t == NotifyNewMessage || t == NotifyMention
}

// NotificationPriority orders delivery urgency.
type NotificationPriority int

const (
	PriorityLow NotificationPriority = iota
	PriorityNormal
	PriorityHigh
)

// Channel is a delivery channel for notifications, tried in fallback order.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "in_app"
	ChannelEmail Channel = "email"
)

// NotificationOutcome is the terminal state of a processed event.
type NotificationOutcome string

const (
	OutcomeDelivered  NotificationOutcome = "delivered"
	OutcomeSuppressed NotificationOutcome = "suppressed"
	OutcomeFailed     NotificationOutcome = "failed"
)

// NotificationEvent is an event consumed exactly once by the targeting
// engine. DedupKey collapses duplicates at the recipient.
type NotificationEvent struct {
	ID           string               `json:"id"`
	Type         NotificationType     `json:"type"`
	ActorID      string               `json:"actor_id"`
	TargetUserID string               `json:"target_user_id"`
	Payload      map[string]string    `json:"payload,omitempty"`
	DedupKey     string               `json:"dedup_key"`
	Priority     NotificationPriority `json:"priority"`
	CreatedAt    time.Time            `json:"created_at"`
}

// NotificationPayload is the rendered, channel-ready notification.
type NotificationPayload struct {
	Type         NotificationType     `json:"type"`
	TargetUserID string               `json:"target_user_id"`
	DedupKey     string               `json:"dedup_key"`
	Priority     NotificationPriority `json:"priority"`
	Title        string               `json:"title"`
	Body         string               `json:"body"`
	Data         map[string]string    `json:"data,omitempty"`
}

// Suppression records a frequency-capped event. Over-cap events are never
// dropped silently.
type Suppression struct {
	UserID    string    `json:"user_id"`
	Category  string    `json:"category"`
	DedupKey  string    `json:"dedup_key"`
	Timestamp time.Time `json:"timestamp"`
}
