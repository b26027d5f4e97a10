package pipeline

import (
	"time"

	"go.uber.org/zap"

	"github.com/waveline-social/realtime-core/internal/event"
	"github.com/waveline-social/realtime-core/internal/model"
	"github.com/waveline-social/realtime-core/internal/transport"
	"github.com/waveline-social/realtime-core/pkg/metrics"
)

// ApplyCommitted is the sync engine's apply callback: it folds an authority
// ack back into local state under the conflict-resolution policy.
//
//   - Sends: the order key is assigned exactly once; a duplicate ack for a
//     resent token is a no-op beyond confirming the original key.
//   - Edits and deletes: authority-timestamp last-write-wins; a local edit
//     older than an already-applied one is discarded, not merged.
//   - Reactions: set-merge; replaying a reaction that is already present is
//     a no-op.
func (p *Pipeline) ApplyCommitted(mut transport.Mutation, ack transport.Ack) error {
	unlock := p.locks.lock(mut.ConversationID)
	defer unlock()

	switch mut.Kind {
	case transport.MutationSend:
		return p.applySendAck(mut, ack)
	case transport.MutationEdit:
		return p.applyEditAck(mut, ack)
	case transport.MutationDelete:
		return p.applyDeleteAck(mut, ack)
	case transport.MutationReact, transport.MutationUnreact, transport.MutationRead:
		// Local state was already applied optimistically; the commit is
		// authoritative confirmation and carries nothing to merge.
		return nil
	default:
		p.logger.Error("unknown mutation kind in ack", zap.String("kind", string(mut.Kind)))
		return nil
	}
}

func (p *Pipeline) applySendAck(mut transport.Mutation, ack transport.Ack) error {
	msg, err := p.store.GetMessage(mut.ConversationID, mut.MessageID)
	if err != nil {
		return err
	}

	// A cancellation that raced the commit wins locally: the message
	// stays terminal and out of display order.
	if msg.Status == model.StatusCanceled {
		p.logger.Info("dropping commit for canceled send",
			zap.String("message_id", mut.MessageID),
		)
		return nil
	}

	if msg.Committed() {
		// Duplicate ack for a resent token; the original key stands.
		if ack.Duplicate {
			return nil
		}
		metrics.ReplayConflicts.WithLabelValues("duplicate_send").Inc()
		return nil
	}

	now := p.opts.Now()
	msg.OrderKey = ack.OrderKey
	if msg.Status.CanTransition(model.StatusSent) {
		msg.Status = model.StatusSent
	}
	msg.UpdatedAt = now
	if err := p.store.PutMessage(msg); err != nil {
		return err
	}

	p.sendMu.Lock()
	started, ok := p.sendStarted[msg.ID]
	delete(p.sendStarted, msg.ID)
	p.sendMu.Unlock()
	if ok {
		metrics.MessageCommitLatency.Observe(now.Sub(started).Seconds())
	}
	metrics.RecordSend("committed")

	p.bus.Publish(event.MessageCommitted{
		Base:    event.Base{At: now},
		Message: *msg.Clone(),
	})
	return nil
}

func (p *Pipeline) applyEditAck(mut transport.Mutation, ack transport.Ack) error {
	msg, err := p.store.GetMessage(mut.ConversationID, mut.MessageID)
	if err != nil {
		return err
	}

	// Last-write-wins: if a newer edit already applied, this one is
	// discarded. Requires restoring content from the winning side, which
	// is already in place locally.
	if ack.Timestamp < msg.EditTimestamp {
		metrics.ReplayConflicts.WithLabelValues("edit_discarded").Inc()
		p.logger.Warn("local edit discarded by newer edit",
			zap.String("message_id", mut.MessageID),
			zap.Int64("local_ts", ack.Timestamp),
			zap.Int64("winning_ts", msg.EditTimestamp),
		)
		return nil
	}

	plain, err := p.keyring.Open(mut.ConversationID, mut.Payload)
	if err != nil {
		return err
	}

	msg.Content = string(plain)
	msg.EncryptedPayload = mut.Payload
	msg.EditTimestamp = ack.Timestamp
	msg.UpdatedAt = p.opts.Now()
	if err := p.store.PutMessage(msg); err != nil {
		return err
	}

	p.bus.Publish(event.MessageEdited{
		Base:    event.Base{At: p.opts.Now()},
		Message: *msg.Clone(),
	})
	return nil
}

func (p *Pipeline) applyDeleteAck(mut transport.Mutation, ack transport.Ack) error {
	msg, err := p.store.GetMessage(mut.ConversationID, mut.MessageID)
	if err != nil {
		return err
	}
	if msg.Deleted && msg.EditTimestamp >= ack.Timestamp {
		return nil
	}
	msg.Content = model.TombstoneContent
	msg.EncryptedPayload = nil
	msg.Deleted = true
	msg.EditTimestamp = ack.Timestamp
	msg.UpdatedAt = p.opts.Now()
	return p.store.PutMessage(msg)
}

// OnReplayFailure is the sync engine's failure callback: the entry already
// left the queue; the pipeline reflects the failure in local state so the
// caller sees it (a failed send stays visible with a retry affordance).
func (p *Pipeline) OnReplayFailure(mut transport.Mutation, cause error) {
	unlock := p.locks.lock(mut.ConversationID)
	defer unlock()

	if mut.Kind != transport.MutationSend {
		p.logger.Warn("non-send mutation rejected on replay",
			zap.String("kind", string(mut.Kind)),
			zap.String("conversation_id", mut.ConversationID),
			zap.Error(cause),
		)
		return
	}

	msg, err := p.store.GetMessage(mut.ConversationID, mut.MessageID)
	if err != nil {
		return
	}
	if msg.Committed() || msg.Status.Terminal() {
		return
	}
	p.failMessage(msg, cause)
}

// IngestRemote folds a message committed by another device into local
// state: inserted at its authority-assigned position regardless of arrival
// order.
func (p *Pipeline) IngestRemote(msg *model.Message) error {
	unlock := p.locks.lock(msg.ConversationID)
	defer unlock()

	if existing, err := p.store.GetMessage(msg.ConversationID, msg.ID); err == nil {
		// Deduplicated by ID; the caller never observes duplicates.
		if existing.Committed() {
			return nil
		}
	}

	if msg.Content == "" && len(msg.EncryptedPayload) > 0 {
		plain, err := p.keyring.Open(msg.ConversationID, msg.EncryptedPayload)
		if err != nil {
			return err
		}
		msg.Content = string(plain)
	}

	if err := p.store.PutMessage(msg); err != nil {
		return err
	}
	p.bus.Publish(event.MessageCommitted{
		Base:    event.Base{At: p.opts.Now()},
		Message: *msg.Clone(),
	})
	return nil
}

// ApplyRemoteEdit applies an edit committed by another device, under the
// same last-write-wins policy as local edits.
func (p *Pipeline) ApplyRemoteEdit(conversationID, messageID, content string, serverTS int64, editedAt time.Time) error {
	unlock := p.locks.lock(conversationID)
	defer unlock()

	msg, err := p.store.GetMessage(conversationID, messageID)
	if err != nil {
		return err
	}
	if serverTS < msg.EditTimestamp {
		metrics.ReplayConflicts.WithLabelValues("remote_edit_discarded").Inc()
		return nil
	}

	msg.EditHistory = append(msg.EditHistory, model.EditRecord{
		PriorContent: msg.Content,
		EditedAt:     editedAt,
	})
	msg.Content = content
	msg.EditTimestamp = serverTS
	msg.UpdatedAt = p.opts.Now()
	return p.store.PutMessage(msg)
}

// ApplyRemoteReaction merges a reaction applied concurrently server-side.
// Per-user reactions are idempotent, so the merge is a set union.
func (p *Pipeline) ApplyRemoteReaction(conversationID, messageID, userID, emoji string) error {
	unlock := p.locks.lock(conversationID)
	defer unlock()

	msg, err := p.store.GetMessage(conversationID, messageID)
	if err != nil {
		return err
	}
	if emoji == "" {
		delete(msg.Reactions, userID)
	} else {
		if msg.Reactions == nil {
			msg.Reactions = make(map[string]string)
		}
		if msg.Reactions[userID] == emoji {
			return nil
		}
		msg.Reactions[userID] = emoji
	}
	msg.UpdatedAt = p.opts.Now()
	return p.store.PutMessage(msg)
}
