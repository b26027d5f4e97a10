// Package notify implements the notification targeting engine: it consumes
// core events, classifies them, resolves recipients, enforces per-user
// frequency caps, and dispatches over a channel fallback chain with
// at-least-once semantics.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/waveline-social/realtime-core/internal/config"
	"github.com/waveline-social/realtime-core/internal/event"
	"github.com/waveline-social/realtime-core/internal/model"
	"github.com/waveline-social/realtime-core/pkg/logger"
	"github.com/waveline-social/realtime-core/pkg/metrics"
)

// ParticipantSource resolves the recipients of conversation-scoped events.
type ParticipantSource interface {
	Participants(conversationID string) ([]string, error)
}

// FollowerSource resolves the audience of social events.
type FollowerSource interface {
	Followers(ctx context.Context, authorID string) ([]string, error)
}

// Engine consumes core events and turns them into targeted notifications.
type Engine struct {
	participants ParticipantSource
	followers    FollowerSource
	dispatcher   Dispatcher
	limiters     *limiterPool
	cfg          config.NotifyConfig
	logger       *logger.Logger

	mu           sync.Mutex
	seen         map[string]time.Time
	suppressions map[string][]model.Suppression
	unsubscribed map[string]map[string]bool
	timezones    map[string]*time.Location

	// Now injects the clock for send-window and dedup-retention tests.
	Now func() time.Time
}

// NewEngine creates a targeting engine.
func NewEngine(participants ParticipantSource, followers FollowerSource, dispatcher Dispatcher, cfg config.NotifyConfig, log *logger.Logger) *Engine {
	return &Engine{
		participants: participants,
		followers:    followers,
		dispatcher:   dispatcher,
		limiters:     newLimiterPool(cfg.DailyCaps, cfg.DefaultDailyCap),
		cfg:          cfg,
		logger:       log,
		seen:         make(map[string]time.Time),
		suppressions: make(map[string][]model.Suppression),
		unsubscribed: make(map[string]map[string]bool),
		timezones:    make(map[string]*time.Location),
		Now:          time.Now,
	}
}

// Run consumes events from the subscription until the context is canceled
// or the bus closes.
func (e *Engine) Run(ctx context.Context, sub *event.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			e.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent classifies a core event and processes every notification it
// yields. Individual failures are logged, never fatal to the loop.
func (e *Engine) HandleEvent(ctx context.Context, ev event.Event) {
	for _, nev := range e.classify(ctx, ev) {
		outcome, err := e.Process(ctx, nev)
		if err != nil {
			e.logger.Warn("notification processing failed",
				zap.String("type", string(nev.Type)),
				zap.String("target_user_id", nev.TargetUserID),
				zap.String("outcome", string(outcome)),
				zap.Error(err),
			)
		}
	}
}

// classify maps a core event to zero or more targeted notification events.
// Self-notifications are filtered here: an actor never notifies themselves.
func (e *Engine) classify(ctx context.Context, ev event.Event) []model.NotificationEvent {
	now := e.Now()
	var out []model.NotificationEvent

	switch v := ev.(type) {
	case event.MessageCommitted:
		recipients, err := e.participants.Participants(v.Message.ConversationID)
		if err != nil {
			e.logger.Warn("failed to resolve participants",
				zap.String("conversation_id", v.Message.ConversationID),
				zap.Error(err),
			)
			return nil
		}
		mentioned := mentionSet(v.Message.Content, recipients)
		for _, r := range recipients {
			if r == v.Message.SenderID {
				continue
			}
			typ := model.NotifyNewMessage
			dedup := "message:" + v.Message.ID
			if mentioned[r] {
				typ = model.NotifyMention
				dedup = "mention:" + v.Message.ID + ":" + r
			}
			out = append(out, model.NotificationEvent{
				ID:           uuid.Must(uuid.NewV7()).String(),
				Type:         typ,
				ActorID:      v.Message.SenderID,
				TargetUserID: r,
				Payload: map[string]string{
					"conversation_id": v.Message.ConversationID,
					"message_id":      v.Message.ID,
				},
				DedupKey:  dedup,
				Priority:  model.PriorityHigh,
				CreatedAt: now,
			})
		}

	case event.ReactionChanged:
		if v.Emoji == "" || v.UserID == v.SenderID {
			return nil
		}
		out = append(out, model.NotificationEvent{
			ID:           uuid.Must(uuid.NewV7()).String(),
			Type:         model.NotifyReaction,
			ActorID:      v.UserID,
			TargetUserID: v.SenderID,
			Payload: map[string]string{
				"conversation_id": v.ConversationID,
				"message_id":      v.MessageID,
				"emoji":           v.Emoji,
			},
			DedupKey:  "reaction:" + v.MessageID + ":" + v.UserID,
			Priority:  model.PriorityLow,
			CreatedAt: now,
		})

	case event.PostPublished:
		audience, err := e.followers.Followers(ctx, v.Post.AuthorID)
		if err != nil {
			e.logger.Warn("failed to resolve followers",
				zap.String("author_id", v.Post.AuthorID),
				zap.Error(err),
			)
			return nil
		}
		for _, r := range audience {
			if r == v.Post.AuthorID {
				continue
			}
			out = append(out, model.NotificationEvent{
				ID:           uuid.Must(uuid.NewV7()).String(),
				Type:         model.NotifyNewPost,
				ActorID:      v.Post.AuthorID,
				TargetUserID: r,
				Payload:      map[string]string{"post_id": v.Post.ID},
				DedupKey:     "post:" + v.Post.ID,
				Priority:     model.PriorityNormal,
				CreatedAt:    now,
			})
		}

	case event.FollowerAdded:
		if v.FollowerID == v.UserID {
			return nil
		}
		out = append(out, model.NotificationEvent{
			ID:           uuid.Must(uuid.NewV7()).String(),
			Type:         model.NotifyNewFollower,
			ActorID:      v.FollowerID,
			TargetUserID: v.UserID,
			Payload:      map[string]string{"follower_id": v.FollowerID},
			DedupKey:     "follower:" + v.UserID + ":" + v.FollowerID,
			Priority:     model.PriorityNormal,
			CreatedAt:    now,
		})
	}
	return out
}

// Process runs one notification event through the full targeting path:
// subscription check, recipient-side dedup, frequency cap, channel
// selection, and dispatch.
func (e *Engine) Process(ctx context.Context, ev model.NotificationEvent) (model.NotificationOutcome, error) {
	if ev.TargetUserID == ev.ActorID {
		metrics.RecordNotification(string(ev.Type), "self")
		return model.OutcomeSuppressed, nil
	}

	category := ev.Type.Category()
	if !e.Subscribed(ev.TargetUserID, category) {
		e.recordSuppression(ev, category)
		metrics.RecordNotification(string(ev.Type), "unsubscribed")
		return model.OutcomeSuppressed, nil
	}

	if !e.markSeen(ev.TargetUserID, ev.DedupKey) {
		metrics.RecordNotification(string(ev.Type), "duplicate")
		return model.OutcomeDelivered, nil
	}

	if !e.limiters.allow(ev.TargetUserID, category) {
		e.recordSuppression(ev, category)
		metrics.RecordNotification(string(ev.Type), string(model.OutcomeSuppressed))
		e.logger.Debug("notification suppressed by frequency cap",
			zap.String("target_user_id", ev.TargetUserID),
			zap.String("category", category),
		)
		return model.OutcomeSuppressed, nil
	}

	payload := e.render(ev)
	var lastErr error
	for _, ch := range e.channelsFor(ev) {
		if err := e.deliverWithRetry(ctx, ch, payload); err != nil {
			lastErr = err
			e.logger.Warn("notification channel failed, falling back",
				zap.String("channel", string(ch)),
				zap.String("target_user_id", ev.TargetUserID),
				zap.Error(err),
			)
			continue
		}
		metrics.NotificationChannel.WithLabelValues(string(ch)).Inc()
		metrics.RecordNotification(string(ev.Type), string(model.OutcomeDelivered))
		return model.OutcomeDelivered, nil
	}

	// All channels exhausted. Clear the dedup mark so a later replay of
	// the same event can still reach the user.
	e.clearSeen(ev.TargetUserID, ev.DedupKey)
	metrics.RecordNotification(string(ev.Type), string(model.OutcomeFailed))
	return model.OutcomeFailed, fmt.Errorf("all channels failed: %w", lastErr)
}

func (e *Engine) deliverWithRetry(ctx context.Context, ch model.Channel, payload *model.NotificationPayload) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.RetryBase
	return backoff.Retry(func() error {
		return e.dispatcher.Deliver(ctx, ch, payload)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.cfg.RetryMax)), ctx))
}

// channelsFor returns the fallback chain. Non-urgent notifications outside
// the recipient's local send window go in-app only; push and email wait.
func (e *Engine) channelsFor(ev model.NotificationEvent) []model.Channel {
	if !ev.Type.Urgent() && !e.withinSendWindow(ev.TargetUserID) {
		return []model.Channel{model.ChannelInApp}
	}
	return []model.Channel{model.ChannelPush, model.ChannelInApp, model.ChannelEmail}
}

func (e *Engine) withinSendWindow(userID string) bool {
	e.mu.Lock()
	loc := e.timezones[userID]
	e.mu.Unlock()
	if loc == nil {
		loc = time.UTC
	}
	hour := e.Now().In(loc).Hour()
	return hour >= e.cfg.SendWindowStart && hour < e.cfg.SendWindowEnd
}

// markSeen records the (recipient, dedup key) pair, reporting false when it
// was already seen within the retention window.
func (e *Engine) markSeen(userID, dedupKey string) bool {
	key := userID + "|" + dedupKey
	now := e.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if at, ok := e.seen[key]; ok && now.Sub(at) < e.cfg.DedupRetention {
		return false
	}
	e.seen[key] = now
	for k, at := range e.seen {
		if now.Sub(at) >= e.cfg.DedupRetention {
			delete(e.seen, k)
		}
	}
	return true
}

func (e *Engine) clearSeen(userID, dedupKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.seen, userID+"|"+dedupKey)
}

func (e *Engine) recordSuppression(ev model.NotificationEvent, category string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.suppressions[ev.TargetUserID] = append(e.suppressions[ev.TargetUserID], model.Suppression{
		UserID:    ev.TargetUserID,
		Category:  category,
		DedupKey:  ev.DedupKey,
		Timestamp: e.Now(),
	})
}

// Suppressions returns the user's recorded suppressions for audit.
func (e *Engine) Suppressions(userID string) []model.Suppression {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.Suppression(nil), e.suppressions[userID]...)
}

// Subscribe opts the user back into a category. Idempotent.
func (e *Engine) Subscribe(userID, category string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m := e.unsubscribed[userID]; m != nil {
		delete(m, category)
	}
}

// Unsubscribe opts the user out of a category. Idempotent.
func (e *Engine) Unsubscribe(userID, category string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unsubscribed[userID] == nil {
		e.unsubscribed[userID] = make(map[string]bool)
	}
	e.unsubscribed[userID][category] = true
}

// Subscribed reports whether the user receives the category. Users are
// subscribed to everything by default.
func (e *Engine) Subscribed(userID, category string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.unsubscribed[userID][category]
}

// SetTimezone sets the user's IANA timezone for send-window checks.
func (e *Engine) SetTimezone(userID, tz string) error {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return model.ValidationError("timezone", "unknown location")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timezones[userID] = loc
	return nil
}

func (e *Engine) render(ev model.NotificationEvent) *model.NotificationPayload {
	p := &model.NotificationPayload{
		Type:         ev.Type,
		TargetUserID: ev.TargetUserID,
		DedupKey:     ev.DedupKey,
		Priority:     ev.Priority,
		Data:         ev.Payload,
	}
	switch ev.Type {
	case model.NotifyNewMessage:
		p.Title = "New message"
		p.Body = fmt.Sprintf("%s sent you a message", ev.ActorID)
	case model.NotifyMention:
		p.Title = "You were mentioned"
		p.Body = fmt.Sprintf("%s mentioned you", ev.ActorID)
	case model.NotifyReaction:
		p.Title = "New reaction"
		p.Body = fmt.Sprintf("%s reacted %s to your message", ev.ActorID, ev.Payload["emoji"])
	case model.NotifyNewPost:
		p.Title = "New post"
		p.Body = fmt.Sprintf("%s published a new post", ev.ActorID)
	case model.NotifyNewFollower:
		p.Title = "New follower"
		p.Body = fmt.Sprintf("%s started following you", ev.ActorID)
	default:
		p.Title = string(ev.Type)
	}
	return p
}

// mentionSet extracts @-mentions from content and intersects them with the
// candidate recipient set.
func mentionSet(content string, recipients []string) map[string]bool {
	if !strings.Contains(content, "@") {
		return nil
	}
	known := make(map[string]bool, len(recipients))
	for _, r := range recipients {
		known[r] = true
	}
	out := make(map[string]bool)
	for _, f := range strings.Fields(content) {
		if !strings.HasPrefix(f, "@") {
			continue
		}
		name := strings.TrimFunc(f[1:], func(r rune) bool {
			return !(r == '-' || r == '_' ||
				(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
		})
		if known[name] {
			out[name] = true
		}
	}
	return out
}
