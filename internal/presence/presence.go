// Package presence coordinates ephemeral typing and online state. Entries
// auto-expire on TTL timers; nothing is persisted, so a process restart
// clears all state by design.
package presence

import (
	"sync"
	"time"

	"github.com/waveline-social/realtime-core/internal/event"
	"github.com/waveline-social/realtime-core/pkg/logger"
	"github.com/waveline-social/realtime-core/pkg/metrics"
)

type typingKey struct {
	conversationID string
	userID         string
}

// entry pairs a timer with a generation counter so an expiry callback that
// lost a race with cancellation can detect it and do nothing.
type entry struct {
	timer *time.Timer
	gen   uint64
}

// Coordinator tracks typing indicators per (conversation, user) and online
// presence per user. Events are emitted only on state transitions, never on
// refresh, to bound fan-out.
type Coordinator struct {
	bus    *event.Bus
	logger *logger.Logger

	typingTTL   time.Duration
	presenceTTL time.Duration
	now         func() time.Time

	mu         sync.Mutex
	typing     map[typingKey]*entry
	online     map[string]*entry
	lastActive map[string]time.Time
	gen        uint64
}

// New creates a presence coordinator.
func New(bus *event.Bus, typingTTL, presenceTTL time.Duration, log *logger.Logger) *Coordinator {
	if typingTTL <= 0 {
		typingTTL = 3 * time.Second
	}
	if presenceTTL <= 0 {
		presenceTTL = 5 * time.Minute
	}
	return &Coordinator{
		bus:         bus,
		logger:      log,
		typingTTL:   typingTTL,
		presenceTTL: presenceTTL,
		now:         time.Now,
		typing:      make(map[typingKey]*entry),
		online:      make(map[string]*entry),
		lastActive:  make(map[string]time.Time),
	}
}

// SetTyping starts or refreshes the typing indicator when typing is true,
// and clears it when false. The typing-changed event fires only on the
// absent->present and present->absent transitions.
func (c *Coordinator) SetTyping(conversationID, userID string, typing bool) {
	key := typingKey{conversationID, userID}

	c.mu.Lock()
	existing, wasTyping := c.typing[key]

	if !typing {
		if !wasTyping {
			c.mu.Unlock()
			return
		}
		existing.timer.Stop()
		delete(c.typing, key)
		c.mu.Unlock()

		metrics.TypingActive.Dec()
		c.publishTyping(conversationID, userID, false)
		return
	}

	c.gen++
	gen := c.gen

	if wasTyping {
		// Refresh: cancel the pending expiry and rearm. No event.
		existing.timer.Stop()
		existing.gen = gen
		existing.timer = c.armTypingExpiry(key, gen)
		c.mu.Unlock()
		return
	}

	e := &entry{gen: gen}
	e.timer = c.armTypingExpiry(key, gen)
	c.typing[key] = e
	c.mu.Unlock()

	metrics.TypingActive.Inc()
	c.publishTyping(conversationID, userID, true)
}

// armTypingExpiry schedules removal after the TTL. Caller holds the lock.
func (c *Coordinator) armTypingExpiry(key typingKey, gen uint64) *time.Timer {
	return time.AfterFunc(c.typingTTL, func() {
		c.mu.Lock()
		e, ok := c.typing[key]
		if !ok || e.gen != gen {
			// Canceled or refreshed after this timer was scheduled.
			c.mu.Unlock()
			return
		}
		delete(c.typing, key)
		c.mu.Unlock()

		metrics.TypingActive.Dec()
		c.publishTyping(key.conversationID, key.userID, false)
	})
}

func (c *Coordinator) publishTyping(conversationID, userID string, typing bool) {
	c.bus.Publish(event.TypingChanged{
		Base:           event.Base{At: c.now()},
		ConversationID: conversationID,
		UserID:         userID,
		Typing:         typing,
	})
}

// IsTyping reports whether the indicator is live. Expired entries are
// removed by their timers and never reported.
func (c *Coordinator) IsTyping(conversationID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.typing[typingKey{conversationID, userID}]
	return ok
}

// TypingUsers returns users currently typing in a conversation.
func (c *Coordinator) TypingUsers(conversationID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var users []string
	for key := range c.typing {
		if key.conversationID == conversationID {
			users = append(users, key.userID)
		}
	}
	return users
}

// Heartbeat marks the user active, rearming the offline expiry. The
// presence-changed event fires only on the offline->online transition.
func (c *Coordinator) Heartbeat(userID string) {
	c.mu.Lock()
	c.lastActive[userID] = c.now()
	existing, wasOnline := c.online[userID]
	c.gen++
	gen := c.gen

	if wasOnline {
		existing.timer.Stop()
		existing.gen = gen
		existing.timer = c.armPresenceExpiry(userID, gen)
		c.mu.Unlock()
		return
	}

	e := &entry{gen: gen}
	e.timer = c.armPresenceExpiry(userID, gen)
	c.online[userID] = e
	c.mu.Unlock()

	c.bus.Publish(event.PresenceChanged{
		Base:   event.Base{At: c.now()},
		UserID: userID,
		Online: true,
	})
}

func (c *Coordinator) armPresenceExpiry(userID string, gen uint64) *time.Timer {
	return time.AfterFunc(c.presenceTTL, func() {
		c.mu.Lock()
		e, ok := c.online[userID]
		if !ok || e.gen != gen {
			c.mu.Unlock()
			return
		}
		delete(c.online, userID)
		c.mu.Unlock()

		c.bus.Publish(event.PresenceChanged{
			Base:   event.Base{At: c.now()},
			UserID: userID,
			Online: false,
		})
	})
}

// Online reports whether the user is currently online.
func (c *Coordinator) Online(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.online[userID]
	return ok
}

// LastActiveAt returns the user's last heartbeat time.
func (c *Coordinator) LastActiveAt(userID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.lastActive[userID]
	return t, ok
}

// Close cancels all pending timers.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.typing {
		e.timer.Stop()
		delete(c.typing, key)
	}
	for userID, e := range c.online {
		e.timer.Stop()
		delete(c.online, userID)
	}
}
