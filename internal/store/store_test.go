package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveline-social/realtime-core/internal/model"
	"github.com/waveline-social/realtime-core/pkg/logger"
)

func newStore(t *testing.T) *ConversationStore {
	t.Helper()
	log, err := logger.New("error")
	require.NoError(t, err)
	return New(log)
}

func createConv(t *testing.T, s *ConversationStore, creator string, others ...string) *model.Conversation {
	t.Helper()
	conv, err := s.CreateConversation(creator, &model.CreateConversationRequest{
		Title:        "test",
		Participants: others,
	})
	require.NoError(t, err)
	return conv
}

func committedMsg(convID, msgID, sender string, ts int64) *model.Message {
	now := time.Now()
	return &model.Message{
		ID:             msgID,
		ConversationID: convID,
		SenderID:       sender,
		Content:        "hello",
		OrderKey:       model.OrderKey{Timestamp: ts, MessageID: msgID},
		Status:         model.StatusSent,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestCreateConversationRoles(t *testing.T) {
	s := newStore(t)
	conv := createConv(t, s, "alice", "bob", "alice")

	require.Len(t, conv.Participants, 2)
	assert.Equal(t, model.RoleOwner, conv.Participants["alice"].Role)
	assert.Equal(t, model.RoleMember, conv.Participants["bob"].Role)

	ids, err := s.Participants(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, ids)
}

func TestGetConversationHidesNonParticipants(t *testing.T) {
	s := newStore(t)
	conv := createConv(t, s, "alice", "bob")

	_, err := s.GetConversation(conv.ID, "mallory")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = s.GetConversation("missing", "alice")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestConversationReadsAreIsolatedCopies(t *testing.T) {
	s := newStore(t)
	conv := createConv(t, s, "alice", "bob")

	snapshot, err := s.GetConversation(conv.ID, "alice")
	require.NoError(t, err)

	// Membership changes after the read must not show up in the snapshot,
	// and writes to the snapshot must not reach the store.
	require.NoError(t, s.AddParticipant(conv.ID, "alice", &model.AddParticipantRequest{UserID: "carol"}))
	assert.Len(t, snapshot.Participants, 2)

	snapshot.Participants["mallory"] = model.Participant{UserID: "mallory", Role: model.RoleMember}
	ids, err := s.Participants(conv.ID)
	require.NoError(t, err)
	assert.NotContains(t, ids, "mallory")

	listed, err := s.ListConversations("alice", 10, 0)
	require.NoError(t, err)
	require.Len(t, listed.Conversations, 1)
	listed.Conversations[0].Participants["mallory"] = model.Participant{UserID: "mallory"}
	ids, err = s.Participants(conv.ID)
	require.NoError(t, err)
	assert.NotContains(t, ids, "mallory")
}

func TestParticipantManagement(t *testing.T) {
	s := newStore(t)
	conv := createConv(t, s, "alice", "bob")

	// Members cannot add.
	err := s.AddParticipant(conv.ID, "bob", &model.AddParticipantRequest{UserID: "carol"})
	assert.ErrorIs(t, err, model.ErrPermission)

	require.NoError(t, s.AddParticipant(conv.ID, "alice", &model.AddParticipantRequest{UserID: "carol"}))
	// Re-adding is idempotent.
	require.NoError(t, s.AddParticipant(conv.ID, "alice", &model.AddParticipantRequest{UserID: "carol"}))

	err = s.AddParticipant(conv.ID, "alice", &model.AddParticipantRequest{UserID: "dave", Role: model.RoleOwner})
	assert.ErrorIs(t, err, model.ErrValidation)

	// Members may leave on their own; removing the owner is forbidden.
	require.NoError(t, s.RemoveParticipant(conv.ID, "bob", "bob"))
	err = s.RemoveParticipant(conv.ID, "carol", "alice")
	assert.ErrorIs(t, err, model.ErrPermission)

	ids, err := s.Participants(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol"}, ids)
}

func TestOrderKeyReassignmentRejected(t *testing.T) {
	s := newStore(t)
	conv := createConv(t, s, "alice", "bob")

	require.NoError(t, s.PutMessage(committedMsg(conv.ID, "m1", "alice", 10)))

	// Once committed, the order key is immutable.
	moved := committedMsg(conv.ID, "m1", "alice", 99)
	assert.ErrorIs(t, s.PutMessage(moved), model.ErrConflict)

	msg, err := s.GetMessage(conv.ID, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), msg.OrderKey.Timestamp)
}

func TestMessagesAfterOrderAndFiltering(t *testing.T) {
	s := newStore(t)
	conv := createConv(t, s, "alice", "bob")

	// Inserted out of order; reads come back in authority order.
	require.NoError(t, s.PutMessage(committedMsg(conv.ID, "m3", "alice", 30)))
	require.NoError(t, s.PutMessage(committedMsg(conv.ID, "m1", "alice", 10)))
	require.NoError(t, s.PutMessage(committedMsg(conv.ID, "m2", "bob", 20)))

	canceled := committedMsg(conv.ID, "m4", "alice", 40)
	canceled.Status = model.StatusCanceled
	require.NoError(t, s.PutMessage(canceled))

	msgs, more, err := s.MessagesAfter(conv.ID, "bob", model.OrderKey{}, 0)
	require.NoError(t, err)
	assert.False(t, more)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, "m3", msgs[2].ID)

	// Pagination from a cursor.
	msgs, more, err = s.MessagesAfter(conv.ID, "bob", model.OrderKey{Timestamp: 10, MessageID: "m1"}, 1)
	require.NoError(t, err)
	assert.True(t, more)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m2", msgs[0].ID)

	// A local delete hides the message for that viewer only.
	require.NoError(t, s.LocalDelete(conv.ID, "bob", "m2"))
	msgs, _, err = s.MessagesAfter(conv.ID, "bob", model.OrderKey{}, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	msgs, _, err = s.MessagesAfter(conv.ID, "alice", model.OrderKey{}, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
}

func TestPendingMessagesOnlySenderUncommitted(t *testing.T) {
	s := newStore(t)
	conv := createConv(t, s, "alice", "bob")

	pending := &model.Message{
		ID:             "p1",
		ConversationID: conv.ID,
		SenderID:       "alice",
		Content:        "queued",
		Status:         model.StatusSending,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, s.PutMessage(pending))
	require.NoError(t, s.PutMessage(committedMsg(conv.ID, "m1", "alice", 10)))

	mine := s.PendingMessages(conv.ID, "alice")
	require.Len(t, mine, 1)
	assert.Equal(t, "p1", mine[0].ID)

	assert.Empty(t, s.PendingMessages(conv.ID, "bob"))
}

func TestUnreadDerivedFromLastSeen(t *testing.T) {
	s := newStore(t)
	conv := createConv(t, s, "alice", "bob")

	for i, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, s.PutMessage(committedMsg(conv.ID, id, "alice", int64(10*(i+1)))))
	}

	unread, err := s.UnreadCount(conv.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 3, unread)

	advanced, err := s.AdvanceLastSeen(conv.ID, "bob", model.OrderKey{Timestamp: 20, MessageID: "m2"})
	require.NoError(t, err)
	assert.True(t, advanced)

	unread, err = s.UnreadCount(conv.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	// Backward moves never regress read state.
	advanced, err = s.AdvanceLastSeen(conv.ID, "bob", model.OrderKey{Timestamp: 10, MessageID: "m1"})
	require.NoError(t, err)
	assert.False(t, advanced)

	seen, err := s.LastSeen(conv.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(20), seen.Timestamp)
}

func TestListConversationsUnreadAndPaging(t *testing.T) {
	s := newStore(t)
	first := createConv(t, s, "alice", "bob")
	second := createConv(t, s, "alice", "bob")
	createConv(t, s, "carol", "dave") // not alice's

	require.NoError(t, s.PutMessage(committedMsg(first.ID, "m1", "bob", 10)))

	resp, err := s.ListConversations("alice", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Total)
	assert.False(t, resp.HasMore)

	for _, summary := range resp.Conversations {
		if summary.ID == first.ID {
			assert.Equal(t, 1, summary.UnreadCount)
		} else {
			assert.Equal(t, second.ID, summary.ID)
			assert.Zero(t, summary.UnreadCount)
		}
	}

	page, err := s.ListConversations("alice", 1, 0)
	require.NoError(t, err)
	assert.Len(t, page.Conversations, 1)
	assert.True(t, page.HasMore)

	rest, err := s.ListConversations("alice", 1, 1)
	require.NoError(t, err)
	assert.Len(t, rest.Conversations, 1)
	assert.False(t, rest.HasMore)
	assert.NotEqual(t, page.Conversations[0].ID, rest.Conversations[0].ID)
}
