// Package crypto implements conversation content encryption: one symmetric
// content key per conversation, distributed to participants by sealing it to
// their public keys. Encryption failure is fatal to the operation and never
// degrades to plaintext.
package crypto

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"

	"github.com/waveline-social/realtime-core/internal/model"
)

// KeySize is the content key length in bytes.
const KeySize = chacha20poly1305.KeySize

// KeyRing holds conversation content keys for the local device.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string][]byte // conversationID -> content key
}

// NewKeyRing creates an empty key ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string][]byte)}
}

// GenerateContentKey creates a fresh random content key for a conversation
// and stores it in the ring.
func (r *KeyRing) GenerateContentKey(conversationID string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("%w: key generation: %v", model.ErrEncryption, err)
	}

	r.mu.Lock()
	r.keys[conversationID] = key
	r.mu.Unlock()

	return key, nil
}

// SetContentKey installs an unwrapped content key, e.g. after joining a
// conversation.
func (r *KeyRing) SetContentKey(conversationID string, key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("%w: content key must be %d bytes", model.ErrEncryption, KeySize)
	}
	r.mu.Lock()
	r.keys[conversationID] = key
	r.mu.Unlock()
	return nil
}

// ContentKey returns the conversation's content key, if held.
func (r *KeyRing) ContentKey(conversationID string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[conversationID]
	if !ok {
		return nil, fmt.Errorf("%w: no content key for conversation %s", model.ErrEncryption, conversationID)
	}
	return key, nil
}

// Seal encrypts plaintext under the conversation's content key. Output is
// nonce || ciphertext.
func (r *KeyRing) Seal(conversationID string, plaintext []byte) ([]byte, error) {
	r.mu.RLock()
	key, ok := r.keys[conversationID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no content key for conversation %s", model.ErrEncryption, conversationID)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrEncryption, err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", model.ErrEncryption, err)
	}

	return aead.Seal(nonce, nonce, plaintext, []byte(conversationID)), nil
}

// Open decrypts a payload produced by Seal.
func (r *KeyRing) Open(conversationID string, sealed []byte) ([]byte, error) {
	r.mu.RLock()
	key, ok := r.keys[conversationID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no content key for conversation %s", model.ErrEncryption, conversationID)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrEncryption, err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: payload too short", model.ErrEncryption)
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(conversationID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrEncryption, err)
	}
	return plaintext, nil
}

// Identity is a user's asymmetric key pair used for key distribution.
type Identity struct {
	Public  *[32]byte
	private *[32]byte
}

// NewIdentity generates a key pair.
func NewIdentity() (*Identity, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: identity generation: %v", model.ErrEncryption, err)
	}
	return &Identity{Public: pub, private: priv}, nil
}

// WrapKey seals a content key to a recipient's public key. The anonymous
// sealed-box form lets any current participant provision a new one.
func WrapKey(contentKey []byte, recipientPub *[32]byte) ([]byte, error) {
	wrapped, err := box.SealAnonymous(nil, contentKey, recipientPub, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: key wrap: %v", model.ErrEncryption, err)
	}
	return wrapped, nil
}

// UnwrapKey opens a wrapped content key with the recipient's identity.
func (id *Identity) UnwrapKey(wrapped []byte) ([]byte, error) {
	key, ok := box.OpenAnonymous(nil, wrapped, id.Public, id.private)
	if !ok {
		return nil, fmt.Errorf("%w: key unwrap", model.ErrEncryption)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: unwrapped key has wrong size", model.ErrEncryption)
	}
	return key, nil
}
