package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveline-social/realtime-core/internal/crypto"
	"github.com/waveline-social/realtime-core/internal/event"
	"github.com/waveline-social/realtime-core/internal/model"
	"github.com/waveline-social/realtime-core/internal/queue"
	"github.com/waveline-social/realtime-core/internal/store"
	"github.com/waveline-social/realtime-core/internal/transport"
	"github.com/waveline-social/realtime-core/pkg/logger"
)

type testEnv struct {
	pipeline  *Pipeline
	store     *store.ConversationStore
	queue     *queue.Store
	authority *transport.MemoryAuthority
	bus       *event.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log, err := logger.New("error")
	require.NoError(t, err)

	q, err := queue.Open(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	bus := event.NewBus(log)
	t.Cleanup(bus.Close)

	st := store.New(log)
	p := New(st, crypto.NewKeyRing(), q, bus, Options{}, log)

	return &testEnv{
		pipeline:  p,
		store:     st,
		queue:     q,
		authority: transport.NewMemoryAuthority(),
		bus:       bus,
	}
}

// newConversation creates a conversation with a provisioned content key.
func (env *testEnv) newConversation(t *testing.T, creator string, others ...string) string {
	t.Helper()
	conv, err := env.pipeline.CreateConversation(context.Background(), creator, &model.CreateConversationRequest{
		Participants: append([]string{creator}, others...),
	})
	require.NoError(t, err)
	return conv.ID
}

// drain replays the conversation's queue against the authority, mirroring
// one sync-engine pass synchronously.
func (env *testEnv) drain(t *testing.T, conversationID string) {
	t.Helper()
	entries, err := env.queue.Pending(conversationID)
	require.NoError(t, err)
	for _, e := range entries {
		ack, err := env.authority.Commit(context.Background(), e.Mutation)
		if err != nil {
			env.pipeline.OnReplayFailure(e.Mutation, err)
		} else {
			require.NoError(t, env.pipeline.ApplyCommitted(e.Mutation, ack))
		}
		require.NoError(t, env.queue.Ack(conversationID, e.Seq))
	}
}

func send(t *testing.T, env *testEnv, convID, sender, content string) *model.Message {
	t.Helper()
	msg, err := env.pipeline.Send(context.Background(), sender, convID, &model.SendMessageRequest{
		ClientMsgID: uuid.Must(uuid.NewV7()).String(),
		Content:     content,
	})
	require.NoError(t, err)
	return msg
}

func TestSendAssignsAuthorityOrder(t *testing.T) {
	env := newTestEnv(t)
	convID := env.newConversation(t, "alice", "bob")
	ctx := context.Background()

	// Client clocks are skewed: A claims a later local time than B, but A
	// is submitted first and the authority's commit order wins.
	base := time.Now()
	env.pipeline.opts.Now = func() time.Time { return base.Add(time.Second) }
	msgA := send(t, env, convID, "alice", "message A")
	env.pipeline.opts.Now = func() time.Time { return base }
	msgB := send(t, env, convID, "alice", "message B")

	require.True(t, msgB.ClientTimestamp.Before(msgA.ClientTimestamp))

	env.drain(t, convID)

	resp, err := env.pipeline.Messages(ctx, "bob", convID, model.OrderKey{}, 0)
	require.NoError(t, err)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, msgA.ID, resp.Messages[0].ID)
	assert.Equal(t, msgB.ID, resp.Messages[1].ID)
	assert.True(t, resp.Messages[0].OrderKey.Less(resp.Messages[1].OrderKey))
	assert.Equal(t, model.StatusSent, resp.Messages[0].Status)
}

func TestSendIdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	convID := env.newConversation(t, "alice", "bob")
	ctx := context.Background()

	msgA := send(t, env, convID, "alice", "A")
	send(t, env, convID, "alice", "B")
	send(t, env, convID, "alice", "C")

	env.drain(t, convID)

	// Flaky reconnect resends A's mutation; the token dedups server-side
	// and the duplicate ack changes nothing.
	resent := transport.Mutation{
		Token:          msgA.ID,
		Kind:           transport.MutationSend,
		ConversationID: convID,
		MessageID:      msgA.ID,
		SenderID:       "alice",
	}
	ack, err := env.authority.Commit(ctx, resent)
	require.NoError(t, err)
	require.True(t, ack.Duplicate)
	require.NoError(t, env.pipeline.ApplyCommitted(resent, ack))

	resp, err := env.pipeline.Messages(ctx, "bob", convID, model.OrderKey{}, 0)
	require.NoError(t, err)
	require.Len(t, resp.Messages, 3)
	assert.Equal(t, "A", resp.Messages[0].Content)
	assert.Equal(t, "B", resp.Messages[1].Content)
	assert.Equal(t, "C", resp.Messages[2].Content)
}

func TestSendResubmissionReturnsExisting(t *testing.T) {
	env := newTestEnv(t)
	convID := env.newConversation(t, "alice", "bob")
	ctx := context.Background()

	clientID := uuid.Must(uuid.NewV7()).String()
	first, err := env.pipeline.Send(ctx, "alice", convID, &model.SendMessageRequest{
		ClientMsgID: clientID,
		Content:     "hello",
	})
	require.NoError(t, err)

	second, err := env.pipeline.Send(ctx, "alice", convID, &model.SendMessageRequest{
		ClientMsgID: clientID,
		Content:     "hello again",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "hello", second.Content)

	entries, err := env.queue.Pending(convID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSendValidation(t *testing.T) {
	env := newTestEnv(t)
	convID := env.newConversation(t, "alice", "bob")
	ctx := context.Background()

	_, err := env.pipeline.Send(ctx, "alice", convID, &model.SendMessageRequest{Content: ""})
	assert.ErrorIs(t, err, model.ErrValidation)

	long := make([]byte, env.pipeline.opts.MaxContentLength+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = env.pipeline.Send(ctx, "alice", convID, &model.SendMessageRequest{Content: string(long)})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = env.pipeline.Send(ctx, "mallory", convID, &model.SendMessageRequest{Content: "hi"})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSendEncryptionFailureIsFatal(t *testing.T) {
	env := newTestEnv(t)

	// A conversation with no provisioned content key: sends must fail
	// rather than fall back to plaintext.
	conv, err := env.store.CreateConversation("alice", &model.CreateConversationRequest{
		Participants: []string{"alice", "bob"},
	})
	require.NoError(t, err)

	_, err = env.pipeline.Send(context.Background(), "alice", conv.ID, &model.SendMessageRequest{
		ClientMsgID: uuid.Must(uuid.NewV7()).String(),
		Content:     "secret",
	})
	require.ErrorIs(t, err, model.ErrEncryption)

	entries, err := env.queue.Pending(conv.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCancelBeforeCommit(t *testing.T) {
	env := newTestEnv(t)
	convID := env.newConversation(t, "alice", "bob")
	ctx := context.Background()

	msg := send(t, env, convID, "alice", "take it back")

	require.NoError(t, env.pipeline.CancelSend(ctx, "alice", convID, msg.ID))

	// Cancel is idempotent.
	require.NoError(t, env.pipeline.CancelSend(ctx, "alice", convID, msg.ID))

	env.drain(t, convID)

	got, err := env.store.GetMessage(convID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, got.Status)
	assert.False(t, got.Committed())

	resp, err := env.pipeline.Messages(ctx, "alice", convID, model.OrderKey{}, 0)
	require.NoError(t, err)
	assert.Empty(t, resp.Messages)
}

func TestCancelRacesCommit(t *testing.T) {
	env := newTestEnv(t)
	convID := env.newConversation(t, "alice", "bob")
	ctx := context.Background()

	msg := send(t, env, convID, "alice", "racing")

	// The entry drains to the authority before the cancel lands locally.
	entries, err := env.queue.Pending(convID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	ack, err := env.authority.Commit(ctx, entries[0].Mutation)
	require.NoError(t, err)

	require.NoError(t, env.pipeline.CancelSend(ctx, "alice", convID, msg.ID))

	// The late-arriving ack is dropped; canceled wins locally.
	require.NoError(t, env.pipeline.ApplyCommitted(entries[0].Mutation, ack))

	got, err := env.store.GetMessage(convID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, got.Status)
	assert.False(t, got.Committed())
}

func TestCancelAfterCommitRejected(t *testing.T) {
	env := newTestEnv(t)
	convID := env.newConversation(t, "alice", "bob")
	ctx := context.Background()

	msg := send(t, env, convID, "alice", "too late")
	env.drain(t, convID)

	err := env.pipeline.CancelSend(ctx, "alice", convID, msg.ID)
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestMarkReadUnreadCounts(t *testing.T) {
	env := newTestEnv(t)
	convID := env.newConversation(t, "alice", "bob")
	ctx := context.Background()

	m1 := send(t, env, convID, "alice", "one")
	m2 := send(t, env, convID, "alice", "two")
	send(t, env, convID, "alice", "three")
	env.drain(t, convID)

	unread, err := env.store.UnreadCount(convID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 3, unread)

	m2Stored, err := env.store.GetMessage(convID, m2.ID)
	require.NoError(t, err)
	require.NoError(t, env.pipeline.MarkRead(ctx, "bob", convID, m2Stored.OrderKey))

	unread, err = env.store.UnreadCount(convID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	m1Stored, err := env.store.GetMessage(convID, m1.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRead, m1Stored.Status)

	// Moving backward is a no-op, not an error.
	require.NoError(t, env.pipeline.MarkRead(ctx, "bob", convID, m1Stored.OrderKey))
	unread, err = env.store.UnreadCount(convID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, unread)
}

// appendRefusingQueue delegates to a real store but can refuse appends,
// standing in for a failing disk.
type appendRefusingQueue struct {
	*queue.Store
	refuse bool
}

func (q *appendRefusingQueue) Append(mut transport.Mutation) (queue.Entry, error) {
	if q.refuse {
		return queue.Entry{}, errors.New("no space left on device")
	}
	return q.Store.Append(mut)
}

func TestEnqueueFailureLeavesLocalStateUntouched(t *testing.T) {
	log, err := logger.New("error")
	require.NoError(t, err)

	q, err := queue.Open(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	fq := &appendRefusingQueue{Store: q}

	bus := event.NewBus(log)
	t.Cleanup(bus.Close)

	st := store.New(log)
	env := &testEnv{
		pipeline:  New(st, crypto.NewKeyRing(), fq, bus, Options{}, log),
		store:     st,
		queue:     q,
		authority: transport.NewMemoryAuthority(),
		bus:       bus,
	}

	convID := env.newConversation(t, "alice", "bob")
	ctx := context.Background()

	msg := send(t, env, convID, "alice", "original")
	env.drain(t, convID)

	fq.refuse = true

	// A read receipt that cannot be queued for the authority must not
	// advance the local watermark, or the two sides diverge forever.
	stored, err := env.store.GetMessage(convID, msg.ID)
	require.NoError(t, err)
	require.Error(t, env.pipeline.MarkRead(ctx, "bob", convID, stored.OrderKey))

	unread, err := env.store.UnreadCount(convID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	// Same for edits: no local content change the authority will never see.
	_, err = env.pipeline.Edit(ctx, "alice", convID, msg.ID, &model.EditMessageRequest{Content: "revised"})
	require.Error(t, err)

	got, err := env.store.GetMessage(convID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", got.Content)
	assert.Empty(t, got.EditHistory)

	// Once appends succeed again the same operations apply cleanly.
	fq.refuse = false
	require.NoError(t, env.pipeline.MarkRead(ctx, "bob", convID, stored.OrderKey))
	unread, err = env.store.UnreadCount(convID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, unread)
}

func TestEditRules(t *testing.T) {
	env := newTestEnv(t)
	convID := env.newConversation(t, "alice", "bob")
	ctx := context.Background()

	msg := send(t, env, convID, "alice", "original")
	env.drain(t, convID)

	// Only the sender may edit.
	_, err := env.pipeline.Edit(ctx, "bob", convID, msg.ID, &model.EditMessageRequest{Content: "hijacked"})
	assert.ErrorIs(t, err, model.ErrPermission)

	edited, err := env.pipeline.Edit(ctx, "alice", convID, msg.ID, &model.EditMessageRequest{Content: "revised"})
	require.NoError(t, err)
	assert.Equal(t, "revised", edited.Content)
	require.Len(t, edited.EditHistory, 1)
	assert.Equal(t, "original", edited.EditHistory[0].PriorContent)

	// Outside the edit window the edit is rejected.
	env.pipeline.opts.Now = func() time.Time {
		return time.Now().Add(env.pipeline.opts.EditWindow + time.Hour)
	}
	_, err = env.pipeline.Edit(ctx, "alice", convID, msg.ID, &model.EditMessageRequest{Content: "too late"})
	assert.ErrorIs(t, err, model.ErrEditWindowExpired)
}

func TestEditConflictConvergence(t *testing.T) {
	// Concurrent edits E1 (ts=t1) and E2 (ts=t2 > t1) must converge on
	// E2's content regardless of replay order.
	replays := [][]struct {
		content string
		ts      int64
	}{
		{{"E1", 10}, {"E2", 20}},
		{{"E2", 20}, {"E1", 10}},
	}

	for i, order := range replays {
		t.Run(fmt.Sprintf("order_%d", i), func(t *testing.T) {
			env := newTestEnv(t)
			convID := env.newConversation(t, "alice", "bob")

			msg := send(t, env, convID, "alice", "base")
			env.drain(t, convID)

			for _, e := range order {
				err := env.pipeline.ApplyRemoteEdit(convID, msg.ID, e.content, e.ts, time.Now())
				require.NoError(t, err)
			}

			got, err := env.store.GetMessage(convID, msg.ID)
			require.NoError(t, err)
			assert.Equal(t, "E2", got.Content)
			assert.Equal(t, int64(20), got.EditTimestamp)
		})
	}
}

func TestReactionsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	convID := env.newConversation(t, "alice", "bob")
	ctx := context.Background()

	msg := send(t, env, convID, "alice", "react to me")
	env.drain(t, convID)

	require.NoError(t, env.pipeline.React(ctx, "bob", convID, msg.ID, "👍"))
	require.NoError(t, env.pipeline.React(ctx, "bob", convID, msg.ID, "👍"))

	got, err := env.store.GetMessage(convID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"bob": "👍"}, got.Reactions)

	// One reaction per user; a second emoji replaces the first.
	require.NoError(t, env.pipeline.React(ctx, "bob", convID, msg.ID, "🎉"))
	got, err = env.store.GetMessage(convID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"bob": "🎉"}, got.Reactions)

	// Server-side concurrent reaction unions in.
	require.NoError(t, env.pipeline.ApplyRemoteReaction(convID, msg.ID, "alice", "❤️"))
	got, err = env.store.GetMessage(convID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"bob": "🎉", "alice": "❤️"}, got.Reactions)

	// Removing an absent reaction is a no-op.
	require.NoError(t, env.pipeline.Unreact(ctx, "carol", convID, msg.ID))
	require.NoError(t, env.pipeline.Unreact(ctx, "bob", convID, msg.ID))
	got, err = env.store.GetMessage(convID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice": "❤️"}, got.Reactions)
}

func TestDeleteLocalAndForEveryone(t *testing.T) {
	env := newTestEnv(t)
	convID := env.newConversation(t, "alice", "bob", "carol")
	ctx := context.Background()

	msg := send(t, env, convID, "alice", "delete me")
	env.drain(t, convID)

	// Local delete hides the message for bob only.
	require.NoError(t, env.pipeline.Delete(ctx, "bob", convID, msg.ID, false))

	bobView, err := env.pipeline.Messages(ctx, "bob", convID, model.OrderKey{}, 0)
	require.NoError(t, err)
	assert.Empty(t, bobView.Messages)

	carolView, err := env.pipeline.Messages(ctx, "carol", convID, model.OrderKey{}, 0)
	require.NoError(t, err)
	require.Len(t, carolView.Messages, 1)
	assert.Equal(t, "delete me", carolView.Messages[0].Content)

	// A plain member cannot tombstone another user's message.
	err = env.pipeline.Delete(ctx, "carol", convID, msg.ID, true)
	assert.ErrorIs(t, err, model.ErrPermission)

	// The sender can. Everyone then sees the tombstone.
	require.NoError(t, env.pipeline.Delete(ctx, "alice", convID, msg.ID, true))

	carolView, err = env.pipeline.Messages(ctx, "carol", convID, model.OrderKey{}, 0)
	require.NoError(t, err)
	require.Len(t, carolView.Messages, 1)
	assert.Equal(t, model.TombstoneContent, carolView.Messages[0].Content)
	assert.True(t, carolView.Messages[0].Deleted)
}

func TestModeratorDelete(t *testing.T) {
	env := newTestEnv(t)
	convID := env.newConversation(t, "owner", "member")
	ctx := context.Background()

	msg := send(t, env, convID, "member", "spam")
	env.drain(t, convID)

	// The conversation owner tombstones another user's message.
	require.NoError(t, env.pipeline.Delete(ctx, "owner", convID, msg.ID, true))

	got, err := env.store.GetMessage(convID, msg.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}

func TestFailedSendRetry(t *testing.T) {
	env := newTestEnv(t)
	convID := env.newConversation(t, "alice", "bob")
	ctx := context.Background()

	msg := send(t, env, convID, "alice", "will fail")

	// A permanent rejection surfaces as Failed, never dropped.
	entries, err := env.queue.Pending(convID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	env.pipeline.OnReplayFailure(entries[0].Mutation, model.PermissionError("send"))
	require.NoError(t, env.queue.Ack(convID, entries[0].Seq))

	got, err := env.store.GetMessage(convID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)

	// The failed send stays visible to its sender.
	view, err := env.pipeline.Messages(ctx, "alice", convID, model.OrderKey{}, 0)
	require.NoError(t, err)
	require.Len(t, view.Messages, 1)
	assert.Equal(t, model.StatusFailed, view.Messages[0].Status)

	// Explicit retry resubmits under the same idempotency ID.
	require.NoError(t, env.pipeline.RetryFailed(ctx, "alice", convID, msg.ID))
	env.drain(t, convID)

	got, err = env.store.GetMessage(convID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, got.Status)
	assert.True(t, got.Committed())
}

func TestOfflineQueueAccumulates(t *testing.T) {
	env := newTestEnv(t)
	convID := env.newConversation(t, "alice", "bob")
	ctx := context.Background()

	env.authority.SetOnline(false)

	send(t, env, convID, "alice", "offline 1")
	send(t, env, convID, "alice", "offline 2")

	// Optimistic state is visible to the sender while offline.
	view, err := env.pipeline.Messages(ctx, "alice", convID, model.OrderKey{}, 0)
	require.NoError(t, err)
	assert.Len(t, view.Messages, 2)

	entries, err := env.queue.Pending(convID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	env.authority.SetOnline(true)
	env.drain(t, convID)

	view, err = env.pipeline.Messages(ctx, "bob", convID, model.OrderKey{}, 0)
	require.NoError(t, err)
	require.Len(t, view.Messages, 2)
	assert.Equal(t, "offline 1", view.Messages[0].Content)
	assert.Equal(t, "offline 2", view.Messages[1].Content)
}

func TestIngestRemoteDeduplicates(t *testing.T) {
	env := newTestEnv(t)
	convID := env.newConversation(t, "alice", "bob")

	remote := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: convID,
		SenderID:       "bob",
		Content:        "from another device",
		OrderKey:       model.OrderKey{Timestamp: 7, MessageID: "x"},
		Status:         model.StatusSent,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	require.NoError(t, env.pipeline.IngestRemote(remote.Clone()))
	require.NoError(t, env.pipeline.IngestRemote(remote.Clone()))

	view, err := env.pipeline.Messages(context.Background(), "alice", convID, model.OrderKey{}, 0)
	require.NoError(t, err)
	assert.Len(t, view.Messages, 1)
}
