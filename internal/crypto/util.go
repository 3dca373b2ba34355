package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/satchel-vault/satchel/internal/misc"
)

// ErrAuthentication is returned when an AEAD open fails its integrity
// check. For wrapped-key blobs this is the password/PIN verification
// signal; there is no separate check step.
var ErrAuthentication = errors.New("authentication failed")

// DeriveUEK derives the user encryption key from a password using
// Argon2id with the supplied parameters (memory in KiB). The result is
// returned in a protected buffer; the caller must Destroy it.
func DeriveUEK(password, salt []byte, timeCost, memoryKiB uint32, parallelism uint8) (*memguard.LockedBuffer, error) {
	if len(password) == 0 {
		return nil, errors.New("password is required")
	}
	if len(salt) < misc.SaltSize {
		return nil, fmt.Errorf("salt must be at least %d bytes", misc.SaltSize)
	}
	if timeCost == 0 || memoryKiB == 0 || parallelism == 0 {
		return nil, errors.New("invalid key derivation parameters")
	}

	derivedKey := argon2.IDKey(password, salt, timeCost, memoryKiB, parallelism, misc.ArgonKeyLen)

	// Protect the derived key immediately, then wipe the unprotected copy
	protectedKey := memguard.NewBufferFromBytes(derivedKey)

	return protectedKey, nil
}

// ExpandSubKey derives a 32-byte sub-key from master key material using
// HKDF-SHA256 with the given salt and label.
func ExpandSubKey(master, salt []byte, label string) ([]byte, error) {
	if len(master) != misc.KeySize {
		return nil, fmt.Errorf("master key must be %d bytes", misc.KeySize)
	}
	if label == "" {
		return nil, errors.New("sub-key label is required")
	}

	subKey := make([]byte, misc.KeySize)
	reader := hkdf.New(sha256.New, master, salt, []byte(label))
	if _, err := io.ReadFull(reader, subKey); err != nil {
		return nil, fmt.Errorf("failed to expand sub-key %q: %w", label, err)
	}

	return subKey, nil
}

// Seal encrypts plaintext with ChaCha20-Poly1305, binding aad into the
// authentication tag. The nonce is random and returned separately.
func Seal(key, aad, plaintext []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, aad)
	return nonce, ciphertext, nil
}

// Open decrypts a Seal result. A tampered ciphertext, wrong key, or
// mismatched aad all surface as ErrAuthentication.
func Open(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(nonce) != aead.NonceSize() {
		return nil, errors.New("invalid nonce size")
	}
	if len(ciphertext) < aead.Overhead() {
		return nil, errors.New("encrypted data too short")
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthentication
	}

	return plaintext, nil
}

// ManifestAAD computes the additional-authenticated-data context for
// manifest encryption: an HMAC-SHA256 under the manifest auth key over
// the label, user and vault identifiers. Binding the MAK in keeps a
// ciphertext from one vault from being replayed into another even when
// the identifiers collide.
func ManifestAAD(mak []byte, label, userID, vaultID string) []byte {
	mac := hmac.New(sha256.New, mak)
	mac.Write([]byte(label))
	mac.Write([]byte{0})
	mac.Write([]byte(userID))
	mac.Write([]byte{0})
	mac.Write([]byte(vaultID))
	return mac.Sum(nil)
}

// CalculateChecksum calculates the SHA-256 checksum of data, used to
// identify manifest base snapshots.
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash[:])
}

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return buf, nil
}

// IsWeakKey performs basic sanity checks on freshly generated key
// material: length, degenerate byte patterns, and a rough entropy floor.
func IsWeakKey(key []byte) bool {
	if len(key) < misc.KeySize {
		return true
	}

	allZero := true
	for _, b := range key {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return true
	}

	firstByte := key[0]
	allSame := true
	for _, b := range key[1:] {
		if b != firstByte {
			allSame = false
			break
		}
	}
	if allSame {
		return true
	}

	uniqueBytes := make(map[byte]bool)
	for _, b := range key {
		uniqueBytes[b] = true
	}

	return len(uniqueBytes) < 16
}
