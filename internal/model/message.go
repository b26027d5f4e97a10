// Package model defines data structures for the realtime messaging core.
package model

import (
	"time"
)

// DeliveryStatus represents the delivery state of a message.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
	StatusCanceled  DeliveryStatus = "canceled"
)

// statusRank orders the forward delivery progression. Failed and Canceled
// are terminal and sit outside the progression.
var statusRank = map[DeliveryStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// CanTransition reports whether moving to next is a forward transition.
// Backward moves are no-ops for the caller, not errors.
func (s DeliveryStatus) CanTransition(next DeliveryStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFailed || next == StatusCanceled {
		return true
	}
	return statusRank[next] > statusRank[s]
}

// Terminal reports whether the status admits no further transitions.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusFailed || s == StatusCanceled
}

// OrderKey is the authority-assigned total order within a conversation:
// commit timestamp first, message ID as tie-break. Client timestamps are
// advisory only and never participate in ordering.
type OrderKey struct {
	Timestamp int64  `json:"ts" msgpack:"ts"` // unix milliseconds, authority clock
	MessageID string `json:"id" msgpack:"id"`
}

// Zero reports whether the key has not been assigned yet.
func (k OrderKey) Zero() bool {
	return k.Timestamp == 0 && k.MessageID == ""
}

// Less defines the total order: (timestamp, id) lexicographic.
func (k OrderKey) Less(other OrderKey) bool {
	if k.Timestamp != other.Timestamp {
		return k.Timestamp < other.Timestamp
	}
	return k.MessageID < other.MessageID
}

// Attachment is a reference to out-of-band media attached to a message.
type Attachment struct {
	ID       string `json:"id" msgpack:"id"`
	Kind     string `json:"kind" msgpack:"kind"`
	URL      string `json:"url" msgpack:"url"`
	MimeType string `json:"mime_type,omitempty" msgpack:"mime_type,omitempty"`
	Size     int64  `json:"size_bytes,omitempty" msgpack:"size_bytes,omitempty"`
}

// EditRecord is one entry in a message's append-only edit history.
type EditRecord struct {
	PriorContent string    `json:"prior_content"`
	EditedAt     time.Time `json:"edited_at"`
}

// TombstoneContent replaces message content on a for-everyone delete.
const TombstoneContent = "__deleted__"

// Message represents a conversation message.
type Message struct {
	// Identity. ID is client-generated and globally unique; it doubles as
	// the idempotency token for the send.
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`

	// Content
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// Encrypted form of Content as committed to the authority. Never
	// populated alongside plaintext on the wire.
	EncryptedPayload []byte `json:"encrypted_payload,omitempty"`

	// Ordering. OrderKey is assigned by the authority on commit and is
	// immutable afterward. ClientTimestamp is what the sending device
	// believed the time was; a display hint only.
	OrderKey        OrderKey  `json:"order_key"`
	ClientTimestamp time.Time `json:"client_timestamp"`

	// State
	Status      DeliveryStatus    `json:"status"`
	// EditTimestamp is the authority timestamp of the newest applied
	// edit; last-write-wins conflict resolution compares against it.
	EditTimestamp int64 `json:"edit_ts,omitempty"`
	Reactions   map[string]string `json:"reactions,omitempty"` // userID -> emoji
	EditHistory []EditRecord      `json:"edit_history,omitempty"`
	Deleted     bool              `json:"deleted,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Committed reports whether the authority has assigned an order key.
func (m *Message) Committed() bool {
	return !m.OrderKey.Zero()
}

// Clone returns a deep copy safe to hand outside the owning store.
func (m *Message) Clone() *Message {
	cp := *m
	if m.Attachments != nil {
		cp.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.EncryptedPayload != nil {
		cp.EncryptedPayload = append([]byte(nil), m.EncryptedPayload...)
	}
	if m.Reactions != nil {
		cp.Reactions = make(map[string]string, len(m.Reactions))
		for k, v := range m.Reactions {
			cp.Reactions[k] = v
		}
	}
	if m.EditHistory != nil {
		cp.EditHistory = append([]EditRecord(nil), m.EditHistory...)
	}
	return &cp
}

// SendMessageRequest is the request to send a new message.
type SendMessageRequest struct {
	ClientMsgID string       `json:"client_msg_id"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// EditMessageRequest is the request to edit an existing message.
type EditMessageRequest struct {
	Content string `json:"content"`
}

// ReactRequest is the request to add a reaction to a message.
type ReactRequest struct {
	Emoji string `json:"emoji"`
}

// MarkReadRequest marks everything up to an order key as read.
type MarkReadRequest struct {
	UpTo OrderKey `json:"up_to"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}
