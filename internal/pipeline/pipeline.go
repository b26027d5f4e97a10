// Package pipeline implements the message pipeline: it creates, orders,
// encrypts, and transitions messages through delivery states, and owns
// edit, delete, and reaction semantics. All conversation state mutation
// flows through here, serialized per conversation.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/waveline-social/realtime-core/internal/crypto"
	"github.com/waveline-social/realtime-core/internal/event"
	"github.com/waveline-social/realtime-core/internal/model"
	"github.com/waveline-social/realtime-core/internal/queue"
	"github.com/waveline-social/realtime-core/internal/store"
	"github.com/waveline-social/realtime-core/internal/transport"
	"github.com/waveline-social/realtime-core/pkg/logger"
	"github.com/waveline-social/realtime-core/pkg/metrics"
)

// Options tunes pipeline behavior.
type Options struct {
	EditWindow       time.Duration
	MaxContentLength int

	// Now injects the clock for deterministic tests; defaults to time.Now.
	Now func() time.Time
}

// MutationQueue is the durable outbound queue the pipeline enqueues into.
// Satisfied by *queue.Store.
type MutationQueue interface {
	Append(mut transport.Mutation) (queue.Entry, error)
	Pending(conversationID string) ([]queue.Entry, error)
	Ack(conversationID string, seq uint64) error
}

// Pipeline is the message pipeline service.
type Pipeline struct {
	store   *store.ConversationStore
	keyring *crypto.KeyRing
	queue   MutationQueue
	bus     *event.Bus
	logger  *logger.Logger
	opts    Options

	// engine is kicked after each enqueue so connected sends commit
	// promptly. Set via BindEngine after construction.
	engine *queue.SyncEngine

	// directory resolves participant public keys for key distribution.
	directory crypto.Directory

	// locks serializes all mutation per conversation. Different
	// conversations proceed fully in parallel.
	locks keyedLocks

	// sendStarted tracks send submission time per message for commit
	// latency metrics.
	sendMu      sync.Mutex
	sendStarted map[string]time.Time
}

// New creates a message pipeline.
func New(st *store.ConversationStore, keyring *crypto.KeyRing, q MutationQueue, bus *event.Bus, opts Options, log *logger.Logger) *Pipeline {
	if opts.EditWindow <= 0 {
		opts.EditWindow = 24 * time.Hour
	}
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = 10000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		store:       st,
		keyring:     keyring,
		queue:       q,
		bus:         bus,
		logger:      log,
		opts:        opts,
		sendStarted: make(map[string]time.Time),
	}
}

// BindEngine attaches the sync engine whose Kick accelerates draining.
func (p *Pipeline) BindEngine(e *queue.SyncEngine) {
	p.engine = e
}

// keyedLocks hands out one mutex per conversation.
type keyedLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	if k.m == nil {
		k.m = make(map[string]*sync.Mutex)
	}
	l, ok := k.m[key]
	if !ok {
		l = &sync.Mutex{}
		k.m[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (p *Pipeline) validateContent(content string) error {
	if content == "" {
		return model.ValidationError("content", "cannot be empty")
	}
	if len(content) > p.opts.MaxContentLength {
		return model.ValidationError("content", "exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return model.ValidationError("content", "must be valid UTF-8")
	}
	return nil
}

// Send constructs a message in Sending state under the caller's idempotency
// ID, applies it optimistically, and enqueues it for commit. The returned
// message carries no order key until the authority acknowledges it.
func (p *Pipeline) Send(ctx context.Context, senderID, conversationID string, req *model.SendMessageRequest) (*model.Message, error) {
	if err := p.validateContent(req.Content); err != nil {
		metrics.RecordSend("validation_failed")
		return nil, err
	}
	if _, err := p.store.GetConversation(conversationID, senderID); err != nil {
		return nil, err
	}

	unlock := p.locks.lock(conversationID)
	defer unlock()

	msgID := req.ClientMsgID
	if msgID == "" {
		msgID = uuid.Must(uuid.NewV7()).String()
	}

	// Resubmission of a known client ID returns the existing message
	// rather than creating a second one.
	if existing, err := p.store.GetMessage(conversationID, msgID); err == nil {
		return existing, nil
	}

	sealed, err := p.keyring.Seal(conversationID, []byte(req.Content))
	if err != nil {
		// Fatal: a send never silently degrades to plaintext.
		metrics.RecordSend("encryption_failed")
		return nil, err
	}

	now := p.opts.Now()
	msg := &model.Message{
		ID:               msgID,
		ConversationID:   conversationID,
		SenderID:         senderID,
		Content:          req.Content,
		Attachments:      req.Attachments,
		EncryptedPayload: sealed,
		ClientTimestamp:  now,
		Status:           model.StatusSending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := p.store.PutMessage(msg); err != nil {
		return nil, err
	}

	mut := transport.Mutation{
		Token:          msgID,
		Kind:           transport.MutationSend,
		ConversationID: conversationID,
		MessageID:      msgID,
		SenderID:       senderID,
		Payload:        sealed,
		ClientTime:     now,
	}
	if _, err := p.queue.Append(mut); err != nil {
		p.failMessage(msg, err)
		return nil, fmt.Errorf("failed to enqueue send: %w", err)
	}

	p.sendMu.Lock()
	p.sendStarted[msgID] = now
	p.sendMu.Unlock()

	metrics.RecordSend("submitted")
	if p.engine != nil {
		p.engine.Kick()
	}
	return msg.Clone(), nil
}

func (p *Pipeline) failMessage(msg *model.Message, cause error) {
	msg.Status = model.StatusFailed
	msg.UpdatedAt = p.opts.Now()
	if err := p.store.PutMessage(msg); err != nil {
		p.logger.Error("failed to record message failure", zap.Error(err))
	}
	metrics.RecordSend("failed")
	p.logger.Warn("send failed",
		zap.String("message_id", msg.ID),
		zap.String("conversation_id", msg.ConversationID),
		zap.Error(cause),
	)
}

// CancelSend cancels an in-flight send before authority acknowledgment.
// A canceled message is terminal and excluded from display order; a commit
// ack that races in afterward is ignored.
func (p *Pipeline) CancelSend(ctx context.Context, userID, conversationID, messageID string) error {
	unlock := p.locks.lock(conversationID)
	defer unlock()

	msg, err := p.store.GetMessage(conversationID, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != userID {
		return model.PermissionError("cancel send")
	}
	if msg.Committed() {
		return fmt.Errorf("%w: message already committed", model.ErrConflict)
	}
	if msg.Status == model.StatusCanceled {
		return nil
	}

	msg.Status = model.StatusCanceled
	msg.UpdatedAt = p.opts.Now()
	if err := p.store.PutMessage(msg); err != nil {
		return err
	}

	// Best effort removal of the queued entry; if it already drained the
	// ack path sees the canceled status and drops the commit.
	p.removeQueued(conversationID, messageID)
	metrics.RecordSend("canceled")
	return nil
}

func (p *Pipeline) removeQueued(conversationID, token string) {
	entries, err := p.queue.Pending(conversationID)
	if err != nil {
		p.logger.Error("failed to scan queue for cancel", zap.Error(err))
		return
	}
	for _, e := range entries {
		if e.Mutation.Token == token {
			if err := p.queue.Ack(conversationID, e.Seq); err != nil {
				p.logger.Error("failed to remove canceled entry", zap.Error(err))
			}
			return
		}
	}
}

// MarkDelivered transitions a message to Delivered. Backward moves are
// no-ops, not errors.
func (p *Pipeline) MarkDelivered(ctx context.Context, messageID string) error {
	msg, err := p.store.FindMessage(messageID)
	if err != nil {
		return err
	}

	unlock := p.locks.lock(msg.ConversationID)
	defer unlock()

	msg, err = p.store.GetMessage(msg.ConversationID, messageID)
	if err != nil {
		return err
	}
	if !msg.Status.CanTransition(model.StatusDelivered) {
		return nil
	}
	msg.Status = model.StatusDelivered
	msg.UpdatedAt = p.opts.Now()
	return p.store.PutMessage(msg)
}

// MarkRead advances the user's read position to upTo and transitions covered
// messages to Read. Monotonic: moving backward is a no-op.
func (p *Pipeline) MarkRead(ctx context.Context, userID, conversationID string, upTo model.OrderKey) error {
	if _, err := p.store.GetConversation(conversationID, userID); err != nil {
		return err
	}

	unlock := p.locks.lock(conversationID)
	defer unlock()

	prev, err := p.store.LastSeen(conversationID, userID)
	if err != nil {
		return err
	}
	if !prev.Less(upTo) {
		return nil
	}

	// Enqueue before touching local read state so a failed append cannot
	// leave an advance the authority will never learn about.
	mut := transport.Mutation{
		Token:          uuid.Must(uuid.NewV7()).String(),
		Kind:           transport.MutationRead,
		ConversationID: conversationID,
		SenderID:       userID,
		UpTo:           upTo,
		ClientTime:     p.opts.Now(),
	}
	if _, err := p.queue.Append(mut); err != nil {
		return fmt.Errorf("failed to enqueue read receipt: %w", err)
	}

	if _, err := p.store.AdvanceLastSeen(conversationID, userID, upTo); err != nil {
		return err
	}

	// Transition newly covered messages from other senders to Read.
	msgs, _, err := p.store.MessagesAfter(conversationID, userID, prev, 0)
	if err != nil {
		return err
	}
	for i := range msgs {
		msg := &msgs[i]
		if upTo.Less(msg.OrderKey) || msg.SenderID == userID {
			continue
		}
		if !msg.Status.CanTransition(model.StatusRead) {
			continue
		}
		msg.Status = model.StatusRead
		msg.UpdatedAt = p.opts.Now()
		if err := p.store.PutMessage(msg); err != nil {
			return err
		}
	}

	p.bus.Publish(event.ReadStateChanged{
		Base:           event.Base{At: p.opts.Now()},
		ConversationID: conversationID,
		UserID:         userID,
		UpTo:           upTo,
	})

	if p.engine != nil {
		p.engine.Kick()
	}
	return nil
}

// Edit replaces message content. Only the original sender may edit, and only
// within the edit window. Prior content is appended to the edit history.
func (p *Pipeline) Edit(ctx context.Context, userID, conversationID, messageID string, req *model.EditMessageRequest) (*model.Message, error) {
	if err := p.validateContent(req.Content); err != nil {
		return nil, err
	}

	unlock := p.locks.lock(conversationID)
	defer unlock()

	msg, err := p.store.GetMessage(conversationID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, model.PermissionError("edit message")
	}
	if msg.Deleted {
		return nil, fmt.Errorf("%w: message deleted", model.ErrConflict)
	}
	now := p.opts.Now()
	if now.Sub(msg.CreatedAt) > p.opts.EditWindow {
		return nil, model.ErrEditWindowExpired
	}

	sealed, err := p.keyring.Seal(conversationID, []byte(req.Content))
	if err != nil {
		return nil, err
	}

	// Enqueue before applying the edit locally so a failed append cannot
	// leave content the authority will never see.
	mut := transport.Mutation{
		Token:          uuid.Must(uuid.NewV7()).String(),
		Kind:           transport.MutationEdit,
		ConversationID: conversationID,
		MessageID:      messageID,
		SenderID:       userID,
		Payload:        sealed,
		ClientTime:     now,
	}
	if _, err := p.queue.Append(mut); err != nil {
		return nil, fmt.Errorf("failed to enqueue edit: %w", err)
	}

	msg.EditHistory = append(msg.EditHistory, model.EditRecord{
		PriorContent: msg.Content,
		EditedAt:     now,
	})
	msg.Content = req.Content
	msg.EncryptedPayload = sealed
	msg.UpdatedAt = now
	if err := p.store.PutMessage(msg); err != nil {
		return nil, err
	}
	if p.engine != nil {
		p.engine.Kick()
	}
	return msg, nil
}

// Delete removes a message. Local-only deletes hide it for the caller via a
// tombstone set; for-everyone deletes require sender or moderator role and
// replace content with a tombstone marker visible to all.
func (p *Pipeline) Delete(ctx context.Context, userID, conversationID, messageID string, forEveryone bool) error {
	unlock := p.locks.lock(conversationID)
	defer unlock()

	msg, err := p.store.GetMessage(conversationID, messageID)
	if err != nil {
		return err
	}

	if !forEveryone {
		return p.store.LocalDelete(conversationID, userID, messageID)
	}

	role, err := p.store.ParticipantRole(conversationID, userID)
	if err != nil {
		return err
	}
	if msg.SenderID != userID && !role.CanModerate() {
		return model.PermissionError("delete for everyone")
	}

	now := p.opts.Now()
	msg.Content = model.TombstoneContent
	msg.EncryptedPayload = nil
	msg.Attachments = nil
	msg.Deleted = true
	msg.UpdatedAt = now
	if err := p.store.PutMessage(msg); err != nil {
		return err
	}

	mut := transport.Mutation{
		Token:          uuid.Must(uuid.NewV7()).String(),
		Kind:           transport.MutationDelete,
		ConversationID: conversationID,
		MessageID:      messageID,
		SenderID:       userID,
		ForEveryone:    true,
		ClientTime:     now,
	}
	if _, err := p.queue.Append(mut); err != nil {
		return fmt.Errorf("failed to enqueue delete: %w", err)
	}

	p.bus.Publish(event.MessageDeleted{
		Base:           event.Base{At: now},
		ConversationID: conversationID,
		MessageID:      messageID,
		ActorID:        userID,
	})
	if p.engine != nil {
		p.engine.Kick()
	}
	return nil
}

// React upserts the caller's reaction. At most one reaction per user per
// message; applying the same reaction twice is a no-op.
func (p *Pipeline) React(ctx context.Context, userID, conversationID, messageID, emoji string) error {
	if emoji == "" {
		return model.ValidationError("emoji", "cannot be empty")
	}

	unlock := p.locks.lock(conversationID)
	defer unlock()

	msg, err := p.store.GetMessage(conversationID, messageID)
	if err != nil {
		return err
	}
	if msg.Reactions[userID] == emoji {
		return nil
	}
	if msg.Reactions == nil {
		msg.Reactions = make(map[string]string)
	}
	msg.Reactions[userID] = emoji
	msg.UpdatedAt = p.opts.Now()
	if err := p.store.PutMessage(msg); err != nil {
		return err
	}

	mut := transport.Mutation{
		Token:          uuid.Must(uuid.NewV7()).String(),
		Kind:           transport.MutationReact,
		ConversationID: conversationID,
		MessageID:      messageID,
		SenderID:       userID,
		Emoji:          emoji,
		ClientTime:     p.opts.Now(),
	}
	if _, err := p.queue.Append(mut); err != nil {
		return fmt.Errorf("failed to enqueue reaction: %w", err)
	}

	p.bus.Publish(event.ReactionChanged{
		Base:           event.Base{At: p.opts.Now()},
		ConversationID: conversationID,
		MessageID:      messageID,
		SenderID:       msg.SenderID,
		UserID:         userID,
		Emoji:          emoji,
	})
	if p.engine != nil {
		p.engine.Kick()
	}
	return nil
}

// Unreact removes the caller's reaction. Removing an absent reaction is a
// no-op.
func (p *Pipeline) Unreact(ctx context.Context, userID, conversationID, messageID string) error {
	unlock := p.locks.lock(conversationID)
	defer unlock()

	msg, err := p.store.GetMessage(conversationID, messageID)
	if err != nil {
		return err
	}
	if _, ok := msg.Reactions[userID]; !ok {
		return nil
	}
	delete(msg.Reactions, userID)
	msg.UpdatedAt = p.opts.Now()
	if err := p.store.PutMessage(msg); err != nil {
		return err
	}

	mut := transport.Mutation{
		Token:          uuid.Must(uuid.NewV7()).String(),
		Kind:           transport.MutationUnreact,
		ConversationID: conversationID,
		MessageID:      messageID,
		SenderID:       userID,
		ClientTime:     p.opts.Now(),
	}
	if _, err := p.queue.Append(mut); err != nil {
		return fmt.Errorf("failed to enqueue unreact: %w", err)
	}

	p.bus.Publish(event.ReactionChanged{
		Base:           event.Base{At: p.opts.Now()},
		ConversationID: conversationID,
		MessageID:      messageID,
		SenderID:       msg.SenderID,
		UserID:         userID,
	})
	if p.engine != nil {
		p.engine.Kick()
	}
	return nil
}

// Messages returns committed messages after the given order key as seen by
// the viewer, followed by the viewer's own pending (uncommitted) sends.
func (p *Pipeline) Messages(ctx context.Context, viewerID, conversationID string, after model.OrderKey, limit int) (*model.ListMessagesResponse, error) {
	if _, err := p.store.GetConversation(conversationID, viewerID); err != nil {
		return nil, err
	}
	msgs, hasMore, err := p.store.MessagesAfter(conversationID, viewerID, after, limit)
	if err != nil {
		return nil, err
	}
	if !hasMore {
		msgs = append(msgs, p.store.PendingMessages(conversationID, viewerID)...)
	}
	return &model.ListMessagesResponse{Messages: msgs, HasMore: hasMore}, nil
}

// RetryFailed resubmits a failed send. The original idempotency ID
// guarantees the authority commits it at most once.
func (p *Pipeline) RetryFailed(ctx context.Context, userID, conversationID, messageID string) error {
	unlock := p.locks.lock(conversationID)
	defer unlock()

	msg, err := p.store.GetMessage(conversationID, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != userID {
		return model.PermissionError("retry send")
	}
	if msg.Status != model.StatusFailed {
		return fmt.Errorf("%w: message is not in failed state", model.ErrConflict)
	}

	msg.Status = model.StatusSending
	msg.UpdatedAt = p.opts.Now()
	if err := p.store.PutMessage(msg); err != nil {
		return err
	}

	mut := transport.Mutation{
		Token:          msg.ID,
		Kind:           transport.MutationSend,
		ConversationID: conversationID,
		MessageID:      msg.ID,
		SenderID:       userID,
		Payload:        msg.EncryptedPayload,
		ClientTime:     p.opts.Now(),
	}
	if _, err := p.queue.Append(mut); err != nil {
		return fmt.Errorf("failed to enqueue retry: %w", err)
	}
	metrics.RecordSend("retried")
	if p.engine != nil {
		p.engine.Kick()
	}
	return nil
}

