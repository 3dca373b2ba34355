package persist

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const keyringService = "satchel"

// Keyring helpers store the serialized session record in the OS keychain
// so the CLI can resume a session without keeping a file around. Only the
// session record goes here: keychain entries have size limits that make
// them a poor fit for the manifest.

// SaveSessionSecret stores the session record for a profile.
func SaveSessionSecret(profileID string, data []byte) error {
	if err := keyring.Set(keyringService, sessionKey(profileID), string(data)); err != nil {
		return fmt.Errorf("failed to store session in keyring: %w", err)
	}
	return nil
}

// LoadSessionSecret retrieves the session record for a profile.
func LoadSessionSecret(profileID string) ([]byte, error) {
	value, err := keyring.Get(keyringService, sessionKey(profileID))
	if err != nil {
		return nil, fmt.Errorf("failed to read session from keyring: %w", err)
	}
	return []byte(value), nil
}

// DeleteSessionSecret removes the session record for a profile.
func DeleteSessionSecret(profileID string) error {
	err := keyring.Delete(keyringService, sessionKey(profileID))
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete session from keyring: %w", err)
	}
	return nil
}

// HasSessionSecret reports whether a session record is stored.
func HasSessionSecret(profileID string) bool {
	_, err := keyring.Get(keyringService, sessionKey(profileID))
	return err == nil
}

func sessionKey(profileID string) string {
	if profileID == "" {
		profileID = "default"
	}
	return profileID + "/session"
}

// KeyringSessionStore routes the session record to the OS keychain and
// everything else to the wrapped store.
type KeyringSessionStore struct {
	inner     Store
	profileID string
}

// NewKeyringSessionStore wraps a store with keychain-backed session
// storage.
func NewKeyringSessionStore(inner Store, profileID string) *KeyringSessionStore {
	return &KeyringSessionStore{inner: inner, profileID: profileID}
}

var _ Store = (*KeyringSessionStore)(nil)

func (s *KeyringSessionStore) Save(rec Record, data []byte) error {
	if rec == RecordSession {
		return SaveSessionSecret(s.profileID, data)
	}
	return s.inner.Save(rec, data)
}

func (s *KeyringSessionStore) Load(rec Record) ([]byte, error) {
	if rec == RecordSession {
		data, err := LoadSessionSecret(s.profileID)
		if err != nil {
			if errors.Is(err, keyring.ErrNotFound) {
				return nil, NotFoundError{Rec: rec}
			}
			return nil, err
		}
		return data, nil
	}
	return s.inner.Load(rec)
}

func (s *KeyringSessionStore) Exists(rec Record) (bool, error) {
	if rec == RecordSession {
		return HasSessionSecret(s.profileID), nil
	}
	return s.inner.Exists(rec)
}

func (s *KeyringSessionStore) Delete(rec Record) error {
	if rec == RecordSession {
		return DeleteSessionSecret(s.profileID)
	}
	return s.inner.Delete(rec)
}

func (s *KeyringSessionStore) Ping() error {
	return s.inner.Ping()
}

func (s *KeyringSessionStore) Close() error {
	return s.inner.Close()
}

func (s *KeyringSessionStore) GetType() string {
	return s.inner.GetType() + "+keyring"
}
