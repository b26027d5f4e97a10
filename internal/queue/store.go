// Package queue implements the durable offline mutation queue and the sync
// engine that replays it against the authority on reconnect.
package queue

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/waveline-social/realtime-core/internal/transport"
	"github.com/waveline-social/realtime-core/pkg/logger"
	"github.com/waveline-social/realtime-core/pkg/metrics"
)

// Entry is one durable queue record. Seq is assigned at append time and is
// strictly increasing per conversation, preserving FIFO replay order.
type Entry struct {
	Seq        uint64             `msgpack:"seq"`
	Mutation   transport.Mutation `msgpack:"mutation"`
	EnqueuedAt time.Time          `msgpack:"enqueued_at"`
}

// Store is a pebble-backed durable queue, keyed q/<conversation>/<seq> so a
// prefix scan yields one conversation's entries in append order.
type Store struct {
	db     *pebble.DB
	logger *logger.Logger

	mu   sync.Mutex
	seqs map[string]uint64 // conversationID -> last assigned seq
}

// Open opens (or creates) the queue database at the given path and recovers
// per-conversation sequence counters from existing entries.
func Open(path string, log *logger.Logger) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue db: %w", err)
	}

	s := &Store{
		db:     db,
		logger: log,
		seqs:   make(map[string]uint64),
	}
	if err := s.recoverSeqs(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) recoverSeqs() error {
	iter, err := s.db.NewIter(prefixBounds([]byte("q/")))
	if err != nil {
		return fmt.Errorf("failed to open queue iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		convID, seq, ok := parseKey(iter.Key())
		if !ok {
			continue
		}
		if seq > s.seqs[convID] {
			s.seqs[convID] = seq
		}
	}
	return iter.Error()
}

func entryKey(conversationID string, seq uint64) []byte {
	key := make([]byte, 0, 2+len(conversationID)+1+8)
	key = append(key, "q/"...)
	key = append(key, conversationID...)
	key = append(key, '/')
	key = binary.BigEndian.AppendUint64(key, seq)
	return key
}

func parseKey(key []byte) (conversationID string, seq uint64, ok bool) {
	if len(key) < 2+1+8 || string(key[:2]) != "q/" {
		return "", 0, false
	}
	body := key[2:]
	if len(body) < 9 {
		return "", 0, false
	}
	convEnd := len(body) - 9
	if body[convEnd] != '/' {
		return "", 0, false
	}
	return string(body[:convEnd]), binary.BigEndian.Uint64(body[convEnd+1:]), true
}

func prefixBounds(prefix []byte) *pebble.IterOptions {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			upper = upper[:i+1]
			break
		}
	}
	return &pebble.IterOptions{LowerBound: prefix, UpperBound: upper}
}

// Append durably enqueues a mutation. Returns the assigned entry.
func (s *Store) Append(mut transport.Mutation) (Entry, error) {
	s.mu.Lock()
	s.seqs[mut.ConversationID]++
	seq := s.seqs[mut.ConversationID]
	s.mu.Unlock()

	entry := Entry{
		Seq:        seq,
		Mutation:   mut,
		EnqueuedAt: time.Now(),
	}
	data, err := msgpack.Marshal(&entry)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to marshal queue entry: %w", err)
	}

	if err := s.db.Set(entryKey(mut.ConversationID, seq), data, pebble.Sync); err != nil {
		return Entry{}, fmt.Errorf("failed to append queue entry: %w", err)
	}

	metrics.QueueDepth.WithLabelValues(mut.ConversationID).Inc()
	return entry, nil
}

// Pending returns a conversation's queued entries in FIFO order.
func (s *Store) Pending(conversationID string) ([]Entry, error) {
	prefix := append([]byte("q/"), conversationID...)
	prefix = append(prefix, '/')

	iter, err := s.db.NewIter(prefixBounds(prefix))
	if err != nil {
		return nil, fmt.Errorf("failed to open queue iterator: %w", err)
	}
	defer iter.Close()

	var entries []Entry
	for iter.First(); iter.Valid(); iter.Next() {
		var entry Entry
		if err := msgpack.Unmarshal(iter.Value(), &entry); err != nil {
			s.logger.Error("corrupt queue entry skipped",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, iter.Error()
}

// Conversations returns the IDs of conversations with pending entries.
func (s *Store) Conversations() ([]string, error) {
	iter, err := s.db.NewIter(prefixBounds([]byte("q/")))
	if err != nil {
		return nil, fmt.Errorf("failed to open queue iterator: %w", err)
	}
	defer iter.Close()

	seen := make(map[string]bool)
	var out []string
	for iter.First(); iter.Valid(); iter.Next() {
		convID, _, ok := parseKey(iter.Key())
		if !ok || seen[convID] {
			continue
		}
		seen[convID] = true
		out = append(out, convID)
	}
	return out, iter.Error()
}

// Ack removes an acknowledged entry.
func (s *Store) Ack(conversationID string, seq uint64) error {
	if err := s.db.Delete(entryKey(conversationID, seq), pebble.Sync); err != nil {
		return fmt.Errorf("failed to ack queue entry: %w", err)
	}
	metrics.QueueDepth.WithLabelValues(conversationID).Dec()
	return nil
}

// Depth returns the number of pending entries for a conversation.
func (s *Store) Depth(conversationID string) (int, error) {
	entries, err := s.Pending(conversationID)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
