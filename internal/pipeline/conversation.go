package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/waveline-social/realtime-core/internal/crypto"
	"github.com/waveline-social/realtime-core/internal/model"
)

// BindDirectory attaches the public-key directory used for content-key
// distribution.
func (p *Pipeline) BindDirectory(dir crypto.Directory) {
	p.directory = dir
}

// CreateConversation creates a conversation, generates its content key, and
// wraps the key to every participant's identity.
func (p *Pipeline) CreateConversation(ctx context.Context, creatorID string, req *model.CreateConversationRequest) (*model.Conversation, error) {
	if len(req.Participants) == 0 {
		return nil, model.ValidationError("participants", "at least one participant required")
	}

	conv, err := p.store.CreateConversation(creatorID, req)
	if err != nil {
		return nil, err
	}

	contentKey, err := p.keyring.GenerateContentKey(conv.ID)
	if err != nil {
		return nil, err
	}

	for userID := range conv.Participants {
		if err := p.wrapKeyFor(conv.ID, userID, contentKey); err != nil {
			p.logger.Warn("content key not distributed",
				zap.String("conversation_id", conv.ID),
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}
	return conv, nil
}

func (p *Pipeline) wrapKeyFor(conversationID, userID string, contentKey []byte) error {
	if p.directory == nil {
		return nil
	}
	pub, err := p.directory.PublicKey(userID)
	if err != nil {
		return err
	}
	wrapped, err := crypto.WrapKey(contentKey, pub)
	if err != nil {
		return err
	}
	return p.store.SetWrappedKey(conversationID, userID, wrapped)
}

// AddParticipant adds a user to the conversation and provisions them with
// the wrapped content key.
func (p *Pipeline) AddParticipant(ctx context.Context, actorID, conversationID string, req *model.AddParticipantRequest) error {
	unlock := p.locks.lock(conversationID)
	defer unlock()

	if err := p.store.AddParticipant(conversationID, actorID, req); err != nil {
		return err
	}

	key, err := p.keyring.ContentKey(conversationID)
	if err != nil {
		return fmt.Errorf("cannot provision new participant: %w", err)
	}
	if err := p.wrapKeyFor(conversationID, req.UserID, key); err != nil {
		p.logger.Warn("content key not distributed",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", req.UserID),
			zap.Error(err),
		)
	}
	return nil
}

// RemoveParticipant removes a user from the conversation.
func (p *Pipeline) RemoveParticipant(ctx context.Context, actorID, conversationID, userID string) error {
	unlock := p.locks.lock(conversationID)
	defer unlock()
	return p.store.RemoveParticipant(conversationID, actorID, userID)
}

// Conversation returns a single conversation with the caller's unread count.
func (p *Pipeline) Conversation(ctx context.Context, userID, conversationID string) (*model.ConversationSummary, error) {
	conv, err := p.store.GetConversation(conversationID, userID)
	if err != nil {
		return nil, err
	}
	unread, err := p.store.UnreadCount(conversationID, userID)
	if err != nil {
		return nil, err
	}
	return &model.ConversationSummary{Conversation: *conv, UnreadCount: unread}, nil
}

// Conversations lists the caller's conversations with unread counts.
func (p *Pipeline) Conversations(ctx context.Context, userID string, limit, offset int) (*model.ListConversationsResponse, error) {
	return p.store.ListConversations(userID, limit, offset)
}
