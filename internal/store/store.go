// Package store owns conversation and message state. All mutation flows
// through the message pipeline's serialized per-conversation path; no other
// component writes here directly.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/waveline-social/realtime-core/internal/model"
	"github.com/waveline-social/realtime-core/pkg/logger"
)

// ConversationStore holds conversations, their messages in authority order,
// per-user read state, and per-user local tombstones.
type ConversationStore struct {
	logger *logger.Logger

	mu            sync.RWMutex
	conversations map[string]*model.Conversation
	messages      map[string]map[string]*model.Message // convID -> msgID -> msg
	order         map[string][]string                  // convID -> committed msgIDs in order-key order
	tombstones    map[string]map[string]map[string]bool // convID -> userID -> msgID
}

// New creates an empty conversation store.
func New(log *logger.Logger) *ConversationStore {
	return &ConversationStore{
		logger:        log,
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string]map[string]*model.Message),
		order:         make(map[string][]string),
		tombstones:    make(map[string]map[string]map[string]bool),
	}
}

// CreateConversation creates a conversation with the given participants. The
// creator becomes owner; everyone else joins as member.
func (s *ConversationStore) CreateConversation(creatorID string, req *model.CreateConversationRequest) (*model.Conversation, error) {
	now := time.Now()

	conv := &model.Conversation{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Title:        req.Title,
		Participants: make(map[string]model.Participant),
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	conv.Participants[creatorID] = model.Participant{
		UserID:   creatorID,
		Role:     model.RoleOwner,
		JoinedAt: now,
	}
	for _, userID := range req.Participants {
		if userID == creatorID {
			continue
		}
		conv.Participants[userID] = model.Participant{
			UserID:   userID,
			Role:     model.RoleMember,
			JoinedAt: now,
		}
	}

	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.messages[conv.ID] = make(map[string]*model.Message)
	s.mu.Unlock()

	return conv.Clone(), nil
}

// GetConversation retrieves a conversation visible to the user. The result is
// a deep copy; the live participants map never escapes the store's lock.
func (s *ConversationStore) GetConversation(conversationID, userID string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[conversationID]
	if !exists || !conv.Active {
		return nil, model.ErrNotFound
	}
	if _, ok := conv.Participants[userID]; !ok {
		return nil, model.ErrNotFound
	}
	return conv.Clone(), nil
}

// ParticipantRole returns the user's role in the conversation.
func (s *ConversationStore) ParticipantRole(conversationID, userID string) (model.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[conversationID]
	if !exists || !conv.Active {
		return "", model.ErrNotFound
	}
	p, ok := conv.Participants[userID]
	if !ok {
		return "", model.ErrNotFound
	}
	return p.Role, nil
}

// Participants returns the sorted participant IDs of a conversation.
func (s *ConversationStore) Participants(conversationID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[conversationID]
	if !exists || !conv.Active {
		return nil, model.ErrNotFound
	}
	ids := make([]string, 0, len(conv.Participants))
	for id := range conv.Participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// AddParticipant adds a user. The actor must be admin or owner.
func (s *ConversationStore) AddParticipant(conversationID, actorID string, req *model.AddParticipantRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[conversationID]
	if !exists || !conv.Active {
		return model.ErrNotFound
	}
	actor, ok := conv.Participants[actorID]
	if !ok {
		return model.ErrNotFound
	}
	if !actor.Role.CanModerate() {
		return model.PermissionError("add participant")
	}
	if _, ok := conv.Participants[req.UserID]; ok {
		return nil // already a member, idempotent
	}

	role := req.Role
	if role == "" {
		role = model.RoleMember
	}
	if role == model.RoleOwner {
		return model.ValidationError("role", "owner cannot be granted")
	}

	conv.Participants[req.UserID] = model.Participant{
		UserID:   req.UserID,
		Role:     role,
		JoinedAt: time.Now(),
	}
	conv.UpdatedAt = time.Now()
	return nil
}

// RemoveParticipant removes a user. Members may remove themselves;
// otherwise the actor must be admin or owner.
func (s *ConversationStore) RemoveParticipant(conversationID, actorID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[conversationID]
	if !exists || !conv.Active {
		return model.ErrNotFound
	}
	actor, ok := conv.Participants[actorID]
	if !ok {
		return model.ErrNotFound
	}
	if actorID != userID && !actor.Role.CanModerate() {
		return model.PermissionError("remove participant")
	}
	target, ok := conv.Participants[userID]
	if !ok {
		return nil // idempotent
	}
	if target.Role == model.RoleOwner {
		return model.PermissionError("remove owner")
	}

	delete(conv.Participants, userID)
	conv.UpdatedAt = time.Now()
	return nil
}

// SetWrappedKey stores the conversation content key sealed to a participant.
func (s *ConversationStore) SetWrappedKey(conversationID, userID string, wrapped []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[conversationID]
	if !exists {
		return model.ErrNotFound
	}
	p, ok := conv.Participants[userID]
	if !ok {
		return model.ErrNotFound
	}
	p.WrappedKey = wrapped
	conv.Participants[userID] = p
	return nil
}

// ListConversations returns the user's conversations with derived unread
// counts, newest activity first.
func (s *ConversationStore) ListConversations(userID string, limit, offset int) (*model.ListConversationsResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var summaries []model.ConversationSummary
	for _, conv := range s.conversations {
		p, ok := conv.Participants[userID]
		if !ok || !conv.Active {
			continue
		}
		summaries = append(summaries, model.ConversationSummary{
			Conversation: *conv.Clone(),
			UnreadCount:  s.unreadLocked(conv.ID, p.LastSeen),
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})

	total := len(summaries)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if limit <= 0 || end > total {
		end = total
	}

	return &model.ListConversationsResponse{
		Conversations: summaries[start:end],
		Total:         total,
		HasMore:       end < total,
	}, nil
}
