package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/waveline-social/realtime-core/internal/model"
)

// Dispatcher delivers a rendered notification over one channel. At-least-once
// semantics: the engine retries on error and dedups at the recipient, so a
// dispatcher may see the same payload more than once.
type Dispatcher interface {
	Deliver(ctx context.Context, channel model.Channel, payload *model.NotificationPayload) error
}

// Delivery is one recorded delivery from the memory dispatcher.
type Delivery struct {
	Channel model.Channel
	Payload model.NotificationPayload
}

// MemoryDispatcher records deliveries in memory. Channels can be failed to
// exercise the engine's fallback path.
type MemoryDispatcher struct {
	mu        sync.Mutex
	delivered []Delivery
	failing   map[model.Channel]bool
}

func NewMemoryDispatcher() *MemoryDispatcher {
	return &MemoryDispatcher{failing: make(map[model.Channel]bool)}
}

// FailChannel makes deliveries on the channel error until restored.
func (d *MemoryDispatcher) FailChannel(ch model.Channel, failing bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing[ch] = failing
}

func (d *MemoryDispatcher) Deliver(ctx context.Context, ch model.Channel, payload *model.NotificationPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failing[ch] {
		return fmt.Errorf("%w: channel %s unavailable", model.ErrNetwork, ch)
	}
	d.delivered = append(d.delivered, Delivery{Channel: ch, Payload: *payload})
	return nil
}

// Delivered returns a copy of all recorded deliveries.
func (d *MemoryDispatcher) Delivered() []Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Delivery(nil), d.delivered...)
}
