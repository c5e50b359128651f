package crypto

import (
	"errors"
	"fmt"
	"sync"
)

// ErrSignerUnknown is returned when a signature names a key id that has
// never been registered. Callers treat this as potential tampering.
var ErrSignerUnknown = errors.New("crypto: unknown signer key")

// Keyring holds registered public keys by key id. Registration is
// append-only within a process; rotation registers a new id.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]string // keyID -> hex public key
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]string)}
}

// Register binds a hex-encoded public key to a key id. Re-registering the
// same id with the same key is a no-op; with a different key it fails.
func (k *Keyring) Register(keyID, pubKeyHex string) error {
	if keyID == "" || pubKeyHex == "" {
		return fmt.Errorf("crypto: key id and public key are required")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if existing, ok := k.keys[keyID]; ok {
		if existing == pubKeyHex {
			return nil
		}
		return fmt.Errorf("crypto: key id %q already registered with a different key", keyID)
	}
	k.keys[keyID] = pubKeyHex
	return nil
}

// PublicKey looks up the registered public key for a key id.
func (k *Keyring) PublicKey(keyID string) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.keys[keyID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSignerUnknown, keyID)
	}
	return pub, nil
}

// Verify checks a detached signature under the named registered key.
func (k *Keyring) Verify(keyID, sigHex string, data []byte) (bool, error) {
	pub, err := k.PublicKey(keyID)
	if err != nil {
		return false, err
	}
	return Verify(pub, sigHex, data)
}

// Clone returns an independent keyring with the same registered keys.
// Registrations on the clone never reach the original.
func (k *Keyring) Clone() *Keyring {
	k.mu.RLock()
	defer k.mu.RUnlock()
	c := NewKeyring()
	for id, pub := range k.keys {
		c.keys[id] = pub
	}
	return c
}

// Has reports whether a key id is registered.
func (k *Keyring) Has(keyID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.keys[keyID]
	return ok
}
