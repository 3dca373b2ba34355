package satchel

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/satchel-vault/satchel/internal/crypto"
	"github.com/satchel-vault/satchel/internal/misc"
	"github.com/satchel-vault/satchel/remote"
)

// AAD prefixes keep the password and PIN wrap paths mutually unusable: a
// PIN-wrapped blob can never be opened through the password path or vice
// versa, even with the right key.
const (
	wrapLabelPassword = "wmk"
	wrapLabelPin      = "pwk"

	subKeyKEK  = "kek"
	subKeyMAK  = "mak"
	subKeyAuth = "auth"
)

func wrapAAD(prefix, label string) []byte {
	return []byte(prefix + ":" + label)
}

// Each account has a single vault in this engine; the fixed labels still
// flow into every AAD so a future multi-vault server can partition them.
const (
	vaultLabel         = "primary"
	manifestLabelValue = "manifest"
)

func aadContextFor(sess *Session) AadContext {
	return AadContext{
		UserID:          sess.UserID,
		VaultID:         vaultLabel,
		WrappedKeyLabel: vaultLabel,
		ManifestLabel:   manifestLabelValue,
	}
}

// deriveUEK derives the user encryption key from a password or PIN using
// the given parameters. The caller owns the returned buffer.
func deriveUEK(secret []byte, params remote.KdfParams) (*memguard.LockedBuffer, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kdf parameters: %w", err)
	}
	return crypto.DeriveUEK(secret, params.Salt, params.Time, params.Memory, params.Parallelism)
}

// deriveAuthKey derives the login verifier from the UEK. The server
// stores a hash of this value; neither it nor the UEK can recover the
// password or the master key.
func deriveAuthKey(uek *memguard.LockedBuffer) (string, error) {
	authKey, err := crypto.ExpandSubKey(uek.Bytes(), nil, subKeyAuth)
	if err != nil {
		return "", fmt.Errorf("failed to derive auth key: %w", err)
	}
	verifier := hex.EncodeToString(authKey)
	memguard.WipeBytes(authKey)
	return verifier, nil
}

// wrapKey seals the master key under the UEK with the given AAD prefix.
// The master key slice is left intact for the caller.
func wrapKey(uek *memguard.LockedBuffer, mk []byte, aadPrefix, label string) (remote.WrappedKey, error) {
	nonce, ciphertext, err := crypto.Seal(uek.Bytes(), wrapAAD(aadPrefix, label), mk)
	if err != nil {
		return remote.WrappedKey{}, fmt.Errorf("failed to wrap master key: %w", err)
	}
	return remote.WrappedKey{Nonce: nonce, Ciphertext: ciphertext}, nil
}

// installKeys opens the wrapped master key under the UEK, derives the
// sub-keys and installs all three into the key store in one step. Any
// failure leaves the key store untouched. Returns crypto.ErrAuthentication
// when the blob fails to open: that is the password/PIN verification
// signal.
func installKeys(uek *memguard.LockedBuffer, hkdfSalt []byte, wrapped remote.WrappedKey, aadPrefix string, aad AadContext, ks *KeyStore) error {
	if wrapped.IsZero() {
		return errors.New("wrapped master key is empty")
	}

	mk, err := crypto.Open(uek.Bytes(), wrapped.Nonce, wrapAAD(aadPrefix, aad.WrappedKeyLabel), wrapped.Ciphertext)
	if err != nil {
		return err
	}

	return installKeysFromMaster(mk, hkdfSalt, aad, ks)
}

// installKeysFromMaster derives KEK and MAK from a live master key and
// installs the set. The master key slice is wiped regardless of outcome.
func installKeysFromMaster(mk []byte, hkdfSalt []byte, aad AadContext, ks *KeyStore) error {
	kek, err := crypto.ExpandSubKey(mk, hkdfSalt, subKeyKEK)
	if err != nil {
		memguard.WipeBytes(mk)
		return fmt.Errorf("failed to derive key-encryption-key: %w", err)
	}
	mak, err := crypto.ExpandSubKey(mk, hkdfSalt, subKeyMAK)
	if err != nil {
		memguard.WipeBytes(mk)
		memguard.WipeBytes(kek)
		return fmt.Errorf("failed to derive manifest-auth-key: %w", err)
	}

	// SetKeys moves the slices into protected buffers and wipes them.
	return ks.SetKeys(mk, kek, mak, aad)
}

// UnwrapWithPassword turns a password, the server-issued KDF parameters
// and the wrapped master key blob into live keys in the key store. AEAD
// authentication failure is the only password check and surfaces as
// InvalidPasswordError. The password bytes are wiped before return.
func UnwrapWithPassword(password []byte, params remote.KdfParams, wrapped remote.WrappedKey, aad AadContext, ks *KeyStore) error {
	defer memguard.WipeBytes(password)

	uek, err := deriveUEK(password, params)
	if err != nil {
		return err
	}
	defer uek.Destroy()

	err = installKeys(uek, params.HKDFSalt, wrapped, wrapLabelPassword, aad, ks)
	if errors.Is(err, crypto.ErrAuthentication) {
		return &InvalidPasswordError{}
	}
	return err
}

// newMasterKey generates a fresh 32-byte master key, rejecting degenerate
// output from the random source.
func newMasterKey() ([]byte, error) {
	for attempts := 0; attempts < 3; attempts++ {
		mk, err := crypto.RandomBytes(misc.KeySize)
		if err != nil {
			return nil, fmt.Errorf("failed to generate master key: %w", err)
		}
		if !crypto.IsWeakKey(mk) {
			return mk, nil
		}
		memguard.WipeBytes(mk)
	}
	return nil, errors.New("random source produced weak key material")
}

const pinSchemaVersion = 1

// pinEnrolment is the persisted PIN record: the PIN's own KDF parameters
// and the master key wrapped under the PIN-derived key. The HKDF salt is
// copied from the session's parameters at enrolment so both wrap paths
// yield identical sub-keys.
type pinEnrolment struct {
	SchemaVersion int               `json:"schema_version"`
	Kdf           remote.KdfParams  `json:"kdf"`
	Wrapped       remote.WrappedKey `json:"wrapped"`
}

func encodePinEnrolment(e pinEnrolment) ([]byte, error) {
	e.SchemaVersion = pinSchemaVersion
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode PIN record: %w", err)
	}
	return data, nil
}

func decodePinEnrolment(data []byte) (pinEnrolment, error) {
	var e pinEnrolment
	if err := json.Unmarshal(data, &e); err != nil {
		return pinEnrolment{}, fmt.Errorf("failed to decode PIN record: %w", err)
	}
	if e.SchemaVersion != pinSchemaVersion {
		return pinEnrolment{}, fmt.Errorf("unsupported PIN record schema %d", e.SchemaVersion)
	}
	if err := e.Kdf.Validate(); err != nil {
		return pinEnrolment{}, fmt.Errorf("corrupt PIN record: %w", err)
	}
	return e, nil
}

// newPinParams builds KDF parameters for a PIN enrolment: a fresh salt
// with the default cost profile, reusing the session's HKDF salt.
func newPinParams(hkdfSalt []byte) (remote.KdfParams, error) {
	salt, err := crypto.RandomBytes(misc.SaltSize)
	if err != nil {
		return remote.KdfParams{}, fmt.Errorf("failed to generate PIN salt: %w", err)
	}
	return remote.KdfParams{
		Algo:        "argon2id",
		Salt:        salt,
		Memory:      misc.ArgonMemory,
		Time:        misc.ArgonTime,
		Parallelism: misc.ArgonThreads,
		HKDFSalt:    append([]byte(nil), hkdfSalt...),
	}, nil
}
