package event

import (
	"sync"

	"go.uber.org/zap"

	"github.com/waveline-social/realtime-core/pkg/logger"
	"github.com/waveline-social/realtime-core/pkg/metrics"
)

// Subscription is a registered consumer of the bus. Events arrive on C until
// Close is called; Close is idempotent.
type Subscription struct {
	C chan Event

	bus *Bus
	id  int

	mu     sync.Mutex
	closed bool
}

// Close unsubscribes and releases the channel. Pending buffered events are
// discarded.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.C)
}

// send enqueues the event unless the subscription is closed or its buffer is
// full. The closed check and the send happen under the subscription lock so a
// concurrent Close can never race the channel shut.
func (s *Subscription) send(ev Event) (delivered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.C <- ev:
		return true
	default:
		return false
	}
}

// Bus fans events out to subscribers over bounded channels. A slow consumer
// loses events rather than blocking producers; drops are counted and logged.
type Bus struct {
	logger *logger.Logger

	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	closed bool
}

// NewBus creates an event bus.
func NewBus(log *logger.Logger) *Bus {
	return &Bus{
		logger: log,
		subs:   make(map[int]*Subscription),
	}
}

// Subscribe registers a consumer with the given buffer size.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		C:   make(chan Event, buffer),
		bus: b,
		id:  b.nextID,
	}
	b.subs[b.nextID] = sub
	b.nextID++

	return sub
}

// Publish delivers the event to every live subscriber. Non-blocking: a full
// subscriber buffer drops the event for that subscriber only.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		if !sub.send(ev) {
			metrics.EventsDropped.WithLabelValues(string(ev.EventKind())).Inc()
			b.logger.Warn("event dropped for slow subscriber",
				zap.String("kind", string(ev.EventKind())),
				zap.Int("subscriber", sub.id),
			)
		}
	}
	metrics.EventsPublished.WithLabelValues(string(ev.EventKind())).Inc()
}

// Close shuts down the bus and all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
