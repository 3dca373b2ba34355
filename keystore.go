package satchel

import (
	"fmt"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/satchel-vault/satchel/internal/misc"
)

// AadContext is the additional-authenticated-data context bound into
// every AEAD operation, preventing ciphertext reuse across users and
// vaults.
type AadContext struct {
	UserID          string
	VaultID         string
	WrappedKeyLabel string
	ManifestLabel   string
}

// KeyStore is the exclusive in-memory holder of the vault's key material:
// the master key (MK), key-encryption-key (KEK) and manifest-auth-key
// (MAK). Keys live only in protected buffers and are wiped on lock.
//
// KEY CUSTODY RULES:
//
//   - All three keys are present or all three are absent. IsUnlocked is
//     true exactly when they are present.
//   - No other component may hold a long-lived key reference. Consumers
//     fetch a copy immediately before use and destroy it immediately
//     after.
//   - SetKeys wipes any existing material before installing the new set,
//     so old and new keys never coexist.
//   - Zeroize wipes each buffer before releasing it and is idempotent.
//
// A KeyStore is constructed once and injected into every component that
// needs key access. It is safe for concurrent use.
type KeyStore struct {
	mu  sync.RWMutex
	mk  *memguard.LockedBuffer
	kek *memguard.LockedBuffer
	mak *memguard.LockedBuffer
	aad *AadContext
}

// NewKeyStore creates an empty, locked key store.
func NewKeyStore() *KeyStore {
	return &KeyStore{}
}

// SetKeys atomically replaces all key material. The input slices are
// moved into protected buffers and wiped; callers must not use them
// afterwards. Existing material, if any, is zeroized first.
func (ks *KeyStore) SetKeys(mk, kek, mak []byte, aad AadContext) error {
	if len(mk) != misc.KeySize || len(kek) != misc.KeySize || len(mak) != misc.KeySize {
		memguard.WipeBytes(mk)
		memguard.WipeBytes(kek)
		memguard.WipeBytes(mak)
		return fmt.Errorf("all keys must be %d bytes", misc.KeySize)
	}

	// NewBufferFromBytes wipes the source slice after copying.
	newMK := memguard.NewBufferFromBytes(mk)
	newKEK := memguard.NewBufferFromBytes(kek)
	newMAK := memguard.NewBufferFromBytes(mak)
	aadCopy := aad

	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.destroyLocked()
	ks.mk = newMK
	ks.kek = newKEK
	ks.mak = newMAK
	ks.aad = &aadCopy
	return nil
}

// IsUnlocked reports whether key material is present.
func (ks *KeyStore) IsUnlocked() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.mk != nil && ks.kek != nil && ks.mak != nil
}

// GetMAK returns a copy of the manifest auth key. The caller must destroy
// the buffer after use and must not retain it across operations that
// could span a lock event.
func (ks *KeyStore) GetMAK() (*memguard.LockedBuffer, error) {
	return ks.copyKey("GetMAK", func() *memguard.LockedBuffer { return ks.mak })
}

// GetKEK returns a copy of the key-encryption-key under the same contract
// as GetMAK.
func (ks *KeyStore) GetKEK() (*memguard.LockedBuffer, error) {
	return ks.copyKey("GetKEK", func() *memguard.LockedBuffer { return ks.kek })
}

// masterKey returns a copy of the master key for in-package use (manifest
// encryption, PIN enrolment). Same contract as GetMAK.
func (ks *KeyStore) masterKey(op string) (*memguard.LockedBuffer, error) {
	return ks.copyKey(op, func() *memguard.LockedBuffer { return ks.mk })
}

func (ks *KeyStore) copyKey(op string, pick func() *memguard.LockedBuffer) (*memguard.LockedBuffer, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	src := pick()
	if src == nil || ks.mk == nil || ks.kek == nil || ks.mak == nil {
		return nil, &LockedError{Op: op}
	}

	out := make([]byte, src.Size())
	copy(out, src.Bytes())
	return memguard.NewBufferFromBytes(out), nil
}

// AadContext returns a copy of the AAD context, or nil while locked.
func (ks *KeyStore) AadContext() *AadContext {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	if ks.aad == nil {
		return nil
	}
	aadCopy := *ks.aad
	return &aadCopy
}

// Zeroize wipes all key material. It is idempotent and a no-op when
// already locked.
func (ks *KeyStore) Zeroize() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.destroyLocked()
}

// destroyLocked wipes and releases every buffer. Caller holds mu.
func (ks *KeyStore) destroyLocked() {
	if ks.mk != nil {
		ks.mk.Destroy()
		ks.mk = nil
	}
	if ks.kek != nil {
		ks.kek.Destroy()
		ks.kek = nil
	}
	if ks.mak != nil {
		ks.mak.Destroy()
		ks.mak = nil
	}
	ks.aad = nil
}
