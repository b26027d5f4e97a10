package store

import (
	"sort"

	"go.uber.org/zap"

	"github.com/waveline-social/realtime-core/internal/model"
)

// PutMessage upserts a message. When a message gains an order key it enters
// the committed order; an already-assigned order key is never reassigned.
func (s *ConversationStore) PutMessage(msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, exists := s.messages[msg.ConversationID]
	if !exists {
		return model.ErrNotFound
	}

	prev, had := msgs[msg.ID]
	if had && prev.Committed() && msg.Committed() && prev.OrderKey != msg.OrderKey {
		s.logger.Error("order key reassignment rejected",
			zap.String("message_id", msg.ID),
			zap.String("conversation_id", msg.ConversationID),
		)
		return model.ErrConflict
	}

	msgs[msg.ID] = msg.Clone()

	if msg.Committed() && (!had || !prev.Committed()) {
		s.insertOrderedLocked(msg.ConversationID, msg.ID)
	}

	if conv, ok := s.conversations[msg.ConversationID]; ok {
		if msg.Committed() && !msg.Status.Terminal() {
			conv.LastMessage = msgs[msg.ID]
		}
		conv.UpdatedAt = msg.UpdatedAt
	}

	return nil
}

// insertOrderedLocked places a committed message ID into the per-conversation
// order slice, keeping (timestamp, id) order. Binary search keeps inserts
// cheap for the common append case.
func (s *ConversationStore) insertOrderedLocked(conversationID, msgID string) {
	ids := s.order[conversationID]
	msgs := s.messages[conversationID]
	key := msgs[msgID].OrderKey

	i := sort.Search(len(ids), func(i int) bool {
		return key.Less(msgs[ids[i]].OrderKey)
	})
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = msgID
	s.order[conversationID] = ids
}

// GetMessage retrieves a message by ID.
func (s *ConversationStore) GetMessage(conversationID, messageID string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs, exists := s.messages[conversationID]
	if !exists {
		return nil, model.ErrNotFound
	}
	msg, ok := msgs[messageID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return msg.Clone(), nil
}

// FindMessage locates a message by ID across conversations. Used when the
// caller holds only a message ID (delivery receipts, reactions).
func (s *ConversationStore) FindMessage(messageID string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, msgs := range s.messages {
		if msg, ok := msgs[messageID]; ok {
			return msg.Clone(), nil
		}
	}
	return nil, model.ErrNotFound
}

// MessagesAfter returns committed messages with order key strictly greater
// than after, in authority order, filtered for the viewer: locally deleted
// messages are skipped, canceled sends are never shown, for-everyone deletes
// appear as tombstones.
func (s *ConversationStore) MessagesAfter(conversationID, viewerID string, after model.OrderKey, limit int) ([]model.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs, exists := s.messages[conversationID]
	if !exists {
		return nil, false, model.ErrNotFound
	}

	ids := s.order[conversationID]
	start := sort.Search(len(ids), func(i int) bool {
		return after.Less(msgs[ids[i]].OrderKey)
	})

	hidden := s.tombstones[conversationID][viewerID]

	var out []model.Message
	for _, id := range ids[start:] {
		if limit > 0 && len(out) >= limit {
			return out, true, nil
		}
		msg := msgs[id]
		if msg.Status == model.StatusCanceled {
			continue
		}
		if hidden[id] {
			continue
		}
		out = append(out, *msg.Clone())
	}
	return out, false, nil
}

// PendingMessages returns the viewer's own uncommitted messages (sending or
// failed) so optimistic state stays visible while offline.
func (s *ConversationStore) PendingMessages(conversationID, viewerID string) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Message
	for _, msg := range s.messages[conversationID] {
		if msg.Committed() || msg.SenderID != viewerID || msg.Status == model.StatusCanceled {
			continue
		}
		out = append(out, *msg.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// LocalDelete hides a message for one user only.
func (s *ConversationStore) LocalDelete(conversationID, userID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, exists := s.messages[conversationID]
	if !exists {
		return model.ErrNotFound
	}
	if _, ok := msgs[messageID]; !ok {
		return model.ErrNotFound
	}

	if s.tombstones[conversationID] == nil {
		s.tombstones[conversationID] = make(map[string]map[string]bool)
	}
	if s.tombstones[conversationID][userID] == nil {
		s.tombstones[conversationID][userID] = make(map[string]bool)
	}
	s.tombstones[conversationID][userID][messageID] = true
	return nil
}

// AdvanceLastSeen moves the user's last-seen order key forward. Backward
// moves are no-ops; returns whether the key advanced.
func (s *ConversationStore) AdvanceLastSeen(conversationID, userID string, upTo model.OrderKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[conversationID]
	if !exists {
		return false, model.ErrNotFound
	}
	p, ok := conv.Participants[userID]
	if !ok {
		return false, model.ErrNotFound
	}
	if !p.LastSeen.Less(upTo) {
		return false, nil
	}
	p.LastSeen = upTo
	conv.Participants[userID] = p
	return true, nil
}

// LastSeen returns the user's last-seen order key.
func (s *ConversationStore) LastSeen(conversationID, userID string) (model.OrderKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[conversationID]
	if !exists {
		return model.OrderKey{}, model.ErrNotFound
	}
	p, ok := conv.Participants[userID]
	if !ok {
		return model.OrderKey{}, model.ErrNotFound
	}
	return p.LastSeen, nil
}

// UnreadCount derives the user's unread count: committed messages with order
// key greater than the user's last-seen key.
func (s *ConversationStore) UnreadCount(conversationID, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[conversationID]
	if !exists {
		return 0, model.ErrNotFound
	}
	p, ok := conv.Participants[userID]
	if !ok {
		return 0, model.ErrNotFound
	}
	return s.unreadLocked(conversationID, p.LastSeen), nil
}

func (s *ConversationStore) unreadLocked(conversationID string, lastSeen model.OrderKey) int {
	ids := s.order[conversationID]
	msgs := s.messages[conversationID]
	start := sort.Search(len(ids), func(i int) bool {
		return lastSeen.Less(msgs[ids[i]].OrderKey)
	})
	return len(ids) - start
}
