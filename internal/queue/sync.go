package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/waveline-social/realtime-core/internal/model"
	"github.com/waveline-social/realtime-core/internal/transport"
	"github.com/waveline-social/realtime-core/pkg/logger"
)

// ApplyFunc applies a committed mutation's ack to local state. The pipeline
// supplies it and enforces the conflict-resolution policy there.
type ApplyFunc func(mut transport.Mutation, ack transport.Ack) error

// FailFunc surfaces a permanently failed entry to the caller. The entry has
// already been removed from the queue; draining continues.
type FailFunc func(mut transport.Mutation, err error)

// SyncEngine drains the durable queue against the authority. Each
// conversation drains in FIFO order on its own goroutine; different
// conversations drain concurrently.
type SyncEngine struct {
	store     *Store
	authority transport.Authority
	apply     ApplyFunc
	onFailure FailFunc
	logger    *logger.Logger

	drainInterval time.Duration
	retryBase     time.Duration
	retryMax      uint64

	kick chan struct{}

	mu       sync.Mutex
	draining map[string]bool
	wg       sync.WaitGroup
}

// NewSyncEngine creates a sync engine. Call Run to start draining.
func NewSyncEngine(store *Store, authority transport.Authority, apply ApplyFunc, onFailure FailFunc, drainInterval, retryBase time.Duration, retryMax int, log *logger.Logger) *SyncEngine {
	if drainInterval <= 0 {
		drainInterval = 2 * time.Second
	}
	if retryBase <= 0 {
		retryBase = 500 * time.Millisecond
	}
	if retryMax <= 0 {
		retryMax = 5
	}
	return &SyncEngine{
		store:         store,
		authority:     authority,
		apply:         apply,
		onFailure:     onFailure,
		logger:        log,
		drainInterval: drainInterval,
		retryBase:     retryBase,
		retryMax:      uint64(retryMax),
		kick:          make(chan struct{}, 1),
		draining:      make(map[string]bool),
	}
}

// Kick requests an immediate drain cycle, coalescing concurrent requests.
func (e *SyncEngine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Run drains on a cadence and on Kick until the context is canceled, then
// waits for in-flight conversation drains to finish.
func (e *SyncEngine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return
		case <-ticker.C:
		case <-e.kick:
		}

		if !e.authority.Connected() {
			continue
		}
		e.drainAll(ctx)
	}
}

func (e *SyncEngine) drainAll(ctx context.Context) {
	convs, err := e.store.Conversations()
	if err != nil {
		e.logger.Error("failed to list pending conversations", zap.Error(err))
		return
	}

	for _, convID := range convs {
		e.mu.Lock()
		if e.draining[convID] {
			e.mu.Unlock()
			continue
		}
		e.draining[convID] = true
		e.mu.Unlock()

		e.wg.Add(1)
		go func(convID string) {
			defer e.wg.Done()
			defer func() {
				e.mu.Lock()
				delete(e.draining, convID)
				e.mu.Unlock()
			}()
			e.drainConversation(ctx, convID)
		}(convID)
	}
}

// drainConversation replays one conversation's entries in original order.
// A transient failure stops this conversation's drain for the cycle; a
// permanent failure removes the entry, surfaces it, and continues.
func (e *SyncEngine) drainConversation(ctx context.Context, conversationID string) {
	entries, err := e.store.Pending(conversationID)
	if err != nil {
		e.logger.Error("failed to read pending entries",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}

		ack, err := e.commitWithRetry(ctx, entry.Mutation)
		if err != nil {
			if errors.Is(err, model.ErrNetwork) || errors.Is(err, context.Canceled) {
				// Still offline; keep the entry and try next cycle.
				return
			}
			// Permanent: permission revoked, conversation gone, bad
			// input. Surface and move on.
			e.logger.Warn("queued mutation rejected",
				zap.String("conversation_id", conversationID),
				zap.String("token", entry.Mutation.Token),
				zap.Error(err),
			)
			if ackErr := e.store.Ack(conversationID, entry.Seq); ackErr != nil {
				e.logger.Error("failed to remove rejected entry", zap.Error(ackErr))
				return
			}
			if e.onFailure != nil {
				e.onFailure(entry.Mutation, err)
			}
			continue
		}

		if err := e.apply(entry.Mutation, ack); err != nil {
			e.logger.Error("failed to apply committed mutation",
				zap.String("conversation_id", conversationID),
				zap.String("token", entry.Mutation.Token),
				zap.Error(err),
			)
		}
		if err := e.store.Ack(conversationID, entry.Seq); err != nil {
			e.logger.Error("failed to ack queue entry", zap.Error(err))
			return
		}
	}
}

// commitWithRetry retries transient commit failures with exponential
// backoff and jitter, bounded by retryMax attempts.
func (e *SyncEngine) commitWithRetry(ctx context.Context, mut transport.Mutation) (transport.Ack, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.retryBase

	var ack transport.Ack
	op := func() error {
		var err error
		ack, err = e.authority.Commit(ctx, mut)
		if err != nil && !errors.Is(err, model.ErrNetwork) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, e.retryMax), ctx))
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return transport.Ack{}, perm.Err
		}
		return transport.Ack{}, err
	}
	return ack, nil
}
