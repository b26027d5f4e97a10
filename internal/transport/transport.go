// Package transport defines the authority interface — the server-side
// component that assigns final message ordering and is the source of truth
// for commit — and its implementations.
package transport

import (
	"context"
	"time"

	"github.com/waveline-social/realtime-core/internal/model"
)

// MutationKind enumerates the closed set of mutations the authority accepts.
type MutationKind string

const (
	MutationSend    MutationKind = "send"
	MutationEdit    MutationKind = "edit"
	MutationDelete  MutationKind = "delete"
	MutationReact   MutationKind = "react"
	MutationUnreact MutationKind = "unreact"
	MutationRead    MutationKind = "read"
)

// Mutation is a client-originated state change. Token is the idempotency
// token; the authority deduplicates repeats within its retention window.
// Mutations are msgpack-encoded when persisted in the offline queue.
type Mutation struct {
	Token          string         `msgpack:"token"`
	Kind           MutationKind   `msgpack:"kind"`
	ConversationID string         `msgpack:"conversation_id"`
	MessageID      string         `msgpack:"message_id,omitempty"`
	SenderID       string         `msgpack:"sender_id"`
	Payload        []byte         `msgpack:"payload,omitempty"` // encrypted content for send/edit
	Emoji          string         `msgpack:"emoji,omitempty"`
	ForEveryone    bool           `msgpack:"for_everyone,omitempty"`
	UpTo           model.OrderKey `msgpack:"up_to,omitempty"`
	ClientTime     time.Time      `msgpack:"client_time"`
}

// Ack is the authority's acknowledgment of a committed mutation.
type Ack struct {
	// OrderKey is assigned for sends; zero for other mutation kinds.
	OrderKey model.OrderKey

	// Timestamp is the authority's logical commit timestamp for this
	// mutation. Monotonic per conversation; used for last-write-wins
	// conflict resolution.
	Timestamp int64

	// Duplicate reports the token was already committed; the mutation was
	// not applied again.
	Duplicate bool
}

// Authority commits mutations and streams committed state back.
type Authority interface {
	// Commit applies a mutation. Transient failures return ErrNetwork
	// (wrapped); the caller owns retry policy. Commit is idempotent per
	// token.
	Commit(ctx context.Context, mut Mutation) (Ack, error)

	// Connected reports whether the authority is currently reachable.
	Connected() bool

	// Close releases transport resources.
	Close()
}
