package crypto

import (
	"fmt"
	"sync"

	"github.com/waveline-social/realtime-core/internal/model"
)

// Directory resolves user IDs to their public identity keys for content-key
// distribution.
type Directory interface {
	PublicKey(userID string) (*[32]byte, error)
}

// MemoryDirectory is an in-memory public-key directory.
type MemoryDirectory struct {
	mu   sync.RWMutex
	keys map[string]*[32]byte
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{keys: make(map[string]*[32]byte)}
}

// Register stores a user's public key.
func (d *MemoryDirectory) Register(userID string, pub *[32]byte) {
	d.mu.Lock()
	d.keys[userID] = pub
	d.mu.Unlock()
}

// PublicKey returns the user's registered public key.
func (d *MemoryDirectory) PublicKey(userID string) (*[32]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	pub, ok := d.keys[userID]
	if !ok {
		return nil, fmt.Errorf("%w: no identity key for user %s", model.ErrNotFound, userID)
	}
	return pub, nil
}
