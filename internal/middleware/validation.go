package middleware

import (
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/waveline-social/realtime-core/internal/model"
)

// ValidateMessageContent validates message content against the configured
// maximum length.
func ValidateMessageContent(content string, maxLength int) error {
	if len(content) == 0 {
		return model.ValidationError("content", "cannot be empty")
	}
	if len(content) > maxLength {
		return model.ValidationError("content", "exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return model.ValidationError("content", "must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return model.ValidationError("conversation_id", "must be a UUID")
	}
	return nil
}

// ValidateMessageID validates a client-generated message ID, which doubles
// as the mutation's idempotency token.
func ValidateMessageID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return model.ValidationError("message_id", "must be a UUID")
	}
	return nil
}

// ValidateTitle validates a conversation title.
func ValidateTitle(title string) error {
	if len(title) > 256 {
		return model.ValidationError("title", "exceeds maximum length")
	}
	if !utf8.ValidString(title) {
		return model.ValidationError("title", "must be valid UTF-8")
	}
	return nil
}

// ValidateEmoji validates a reaction emoji.
func ValidateEmoji(emoji string) error {
	if emoji == "" {
		return model.ValidationError("emoji", "cannot be empty")
	}
	if utf8.RuneCountInString(emoji) > 8 {
		return model.ValidationError("emoji", "exceeds maximum length")
	}
	return nil
}
