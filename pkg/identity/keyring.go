package identity

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// Keyring derives per-tenant HMAC signing keys from a master secret using
// HKDF-SHA256. Deriving instead of storing keeps a single secret at rest
// while giving every tenant an independent key; compromise of one derived
// key does not expose the master or sibling tenants.
type Keyring struct {
	mu     sync.Mutex
	master []byte
	salt   []byte
	keys   map[string][]byte // tenantID -> derived key
}

// NewKeyring creates a keyring from a master secret. The salt binds the
// derivation to this deployment; both must be non-empty.
func NewKeyring(master, salt []byte) (*Keyring, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("identity: empty master secret")
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("identity: empty keyring salt")
	}
	return &Keyring{
		master: master,
		salt:   salt,
		keys:   make(map[string][]byte),
	}, nil
}

// KeyFor returns the 32-byte HMAC key for a tenant, deriving and memoizing
// it on first use.
func (k *Keyring) KeyFor(tenantID string) ([]byte, error) {
	if tenantID == "" {
		tenantID = "default"
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if key, ok := k.keys[tenantID]; ok {
		return key, nil
	}

	info := []byte("meridian/identity/tenant/" + tenantID)
	r := hkdf.New(sha256.New, k.master, k.salt, info)
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("identity: key derivation failed for tenant %s: %w", tenantID, err)
	}
	k.keys[tenantID] = key
	return key, nil
}
