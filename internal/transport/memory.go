package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/waveline-social/realtime-core/internal/model"
)

// MemoryAuthority is an in-process authority for local development and
// tests. It assigns a monotonically increasing logical timestamp per commit
// and deduplicates idempotency tokens, mirroring the JetStream semantics.
type MemoryAuthority struct {
	mu        sync.Mutex
	clock     int64
	committed map[string]Ack // token -> original ack
	online    bool

	// FailKinds forces commits of these kinds to fail with a network
	// error; tests use it to simulate partial outages.
	FailKinds map[MutationKind]bool
}

// NewMemoryAuthority creates a connected in-process authority.
func NewMemoryAuthority() *MemoryAuthority {
	return &MemoryAuthority{
		committed: make(map[string]Ack),
		online:    true,
	}
}

// SetOnline toggles simulated connectivity.
func (a *MemoryAuthority) SetOnline(online bool) {
	a.mu.Lock()
	a.online = online
	a.mu.Unlock()
}

// Commit assigns commit order. Resends of an already-committed token return
// the original ack with Duplicate set.
func (a *MemoryAuthority) Commit(ctx context.Context, mut Mutation) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, fmt.Errorf("%w: %v", model.ErrCanceled, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.online {
		return Ack{}, fmt.Errorf("%w: authority unreachable", model.ErrNetwork)
	}
	if a.FailKinds[mut.Kind] {
		return Ack{}, fmt.Errorf("%w: injected failure", model.ErrNetwork)
	}

	if prior, ok := a.committed[mut.Token]; ok {
		dup := prior
		dup.Duplicate = true
		return dup, nil
	}

	a.clock++
	ack := Ack{Timestamp: a.clock}
	if mut.Kind == MutationSend {
		ack.OrderKey = model.OrderKey{Timestamp: a.clock, MessageID: mut.MessageID}
	}
	a.committed[mut.Token] = ack
	return ack, nil
}

// Connected reports simulated connectivity.
func (a *MemoryAuthority) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.online
}

// Close is a no-op.
func (a *MemoryAuthority) Close() {}
