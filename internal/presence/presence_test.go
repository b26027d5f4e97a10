package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveline-social/realtime-core/internal/event"
	"github.com/waveline-social/realtime-core/pkg/logger"
)

func newCoordinator(t *testing.T, typingTTL, presenceTTL time.Duration) (*Coordinator, *event.Subscription) {
	t.Helper()
	log, err := logger.New("error")
	require.NoError(t, err)

	bus := event.NewBus(log)
	t.Cleanup(bus.Close)
	sub := bus.Subscribe(64)

	c := New(bus, typingTTL, presenceTTL, log)
	t.Cleanup(c.Close)
	return c, sub
}

// collect drains currently buffered events without waiting.
func collect(sub *event.Subscription) []event.Event {
	var out []event.Event
	for {
		select {
		case ev := <-sub.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestTypingAutoExpiry(t *testing.T) {
	const ttl = 60 * time.Millisecond
	c, _ := newCoordinator(t, ttl, time.Minute)

	c.SetTyping("conv-1", "alice", true)
	require.True(t, c.IsTyping("conv-1", "alice"))

	// No further signal: the entry must be gone just past the TTL.
	time.Sleep(ttl + 20*time.Millisecond)
	assert.False(t, c.IsTyping("conv-1", "alice"))
	assert.Empty(t, c.TypingUsers("conv-1"))
}

func TestTypingRefreshCancelsStaleTimer(t *testing.T) {
	const ttl = 80 * time.Millisecond
	c, _ := newCoordinator(t, ttl, time.Minute)

	c.SetTyping("conv-1", "alice", true)

	// Refresh just before expiry; the first timer must never fire.
	time.Sleep(ttl / 2)
	c.SetTyping("conv-1", "alice", true)
	time.Sleep(ttl / 2)
	assert.True(t, c.IsTyping("conv-1", "alice"), "refresh must extend the TTL")

	time.Sleep(ttl)
	assert.False(t, c.IsTyping("conv-1", "alice"))
}

func TestTypingEventsOnlyOnTransition(t *testing.T) {
	c, sub := newCoordinator(t, time.Minute, time.Minute)

	c.SetTyping("conv-1", "alice", true)
	c.SetTyping("conv-1", "alice", true) // refresh, no event
	c.SetTyping("conv-1", "alice", true) // refresh, no event
	c.SetTyping("conv-1", "alice", false)
	c.SetTyping("conv-1", "alice", false) // already cleared, no event

	events := collect(sub)
	require.Len(t, events, 2)

	started, ok := events[0].(event.TypingChanged)
	require.True(t, ok)
	assert.True(t, started.Typing)
	assert.Equal(t, "alice", started.UserID)

	stopped, ok := events[1].(event.TypingChanged)
	require.True(t, ok)
	assert.False(t, stopped.Typing)
}

func TestTypingExpiryEmitsClearedEvent(t *testing.T) {
	const ttl = 50 * time.Millisecond
	c, sub := newCoordinator(t, ttl, time.Minute)

	c.SetTyping("conv-1", "alice", true)
	time.Sleep(ttl + 30*time.Millisecond)

	events := collect(sub)
	require.Len(t, events, 2)
	cleared, ok := events[1].(event.TypingChanged)
	require.True(t, ok)
	assert.False(t, cleared.Typing)
}

func TestTypingUsersPerConversation(t *testing.T) {
	c, _ := newCoordinator(t, time.Minute, time.Minute)

	c.SetTyping("conv-1", "alice", true)
	c.SetTyping("conv-1", "bob", true)
	c.SetTyping("conv-2", "carol", true)

	users := c.TypingUsers("conv-1")
	assert.ElementsMatch(t, []string{"alice", "bob"}, users)
	assert.Equal(t, []string{"carol"}, c.TypingUsers("conv-2"))
}

func TestPresenceHeartbeatAndExpiry(t *testing.T) {
	const ttl = 60 * time.Millisecond
	c, sub := newCoordinator(t, time.Minute, ttl)

	c.Heartbeat("alice")
	require.True(t, c.Online("alice"))

	_, ok := c.LastActiveAt("alice")
	assert.True(t, ok)

	// Repeated heartbeats refresh without re-announcing.
	c.Heartbeat("alice")
	c.Heartbeat("alice")
	events := collect(sub)
	require.Len(t, events, 1)
	online, isPresence := events[0].(event.PresenceChanged)
	require.True(t, isPresence)
	assert.True(t, online.Online)

	// Silence past the TTL flips the user offline and emits once.
	time.Sleep(ttl + 30*time.Millisecond)
	assert.False(t, c.Online("alice"))

	events = collect(sub)
	require.Len(t, events, 1)
	offline, isPresence := events[0].(event.PresenceChanged)
	require.True(t, isPresence)
	assert.False(t, offline.Online)

	// lastActive survives for "last seen" display.
	_, ok = c.LastActiveAt("alice")
	assert.True(t, ok)
}
