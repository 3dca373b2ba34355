package satchel

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/satchel-vault/satchel/persist"
	"github.com/satchel-vault/satchel/remote"
)

// Session is the authenticated state cached between unlocks. It never
// contains plaintext keys: the wrapped master key blob is useless without
// the password or PIN.
//
// CreatedAt anchors both the auto-lock and refresh-throttle math. It is
// reset only when a token refresh succeeds or a fresh login completes.
type Session struct {
	UserID    string            `json:"user_id"`
	Token     string            `json:"token"`
	ExpiresAt time.Time         `json:"expires_at"`
	CreatedAt time.Time         `json:"created_at"`
	Kdf       remote.KdfParams  `json:"kdf"`
	WrappedMK remote.WrappedKey `json:"wrapped_mk"`
}

func (s Session) validate() error {
	if s.UserID == "" {
		return errors.New("session user ID is required")
	}
	if s.Token == "" {
		return errors.New("session token is required")
	}
	if !s.ExpiresAt.After(s.CreatedAt) {
		return errors.New("session expiry must be after creation")
	}
	return nil
}

const sessionSchemaVersion = 1

type storedSession struct {
	SchemaVersion int `json:"schema_version"`
	Session
}

// legacySession is the unversioned record shape written by earlier
// clients: camelCase keys and millisecond timestamps.
type legacySession struct {
	UserID    string            `json:"userId"`
	Token     string            `json:"token"`
	ExpiresAt int64             `json:"expiresAt"`
	CreatedAt int64             `json:"createdAt"`
	Kdf       remote.KdfParams  `json:"kdf"`
	WrappedMK remote.WrappedKey `json:"wrappedMk"`
}

func encodeSession(s Session) ([]byte, error) {
	data, err := json.Marshal(storedSession{SchemaVersion: sessionSchemaVersion, Session: s})
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	return data, nil
}

// decodeSession reads a session record, migrating the legacy unversioned
// shape when the schema version is absent.
func decodeSession(data []byte) (Session, error) {
	var stored storedSession
	if err := json.Unmarshal(data, &stored); err != nil {
		return Session{}, fmt.Errorf("failed to decode session: %w", err)
	}

	switch stored.SchemaVersion {
	case sessionSchemaVersion:
		return stored.Session, nil
	case 0:
		return migrateLegacySession(data)
	default:
		return Session{}, fmt.Errorf("unsupported session schema %d", stored.SchemaVersion)
	}
}

func migrateLegacySession(data []byte) (Session, error) {
	var legacy legacySession
	if err := json.Unmarshal(data, &legacy); err != nil {
		return Session{}, fmt.Errorf("failed to decode legacy session: %w", err)
	}
	if legacy.UserID == "" || legacy.Token == "" {
		return Session{}, errors.New("legacy session record is incomplete")
	}
	return Session{
		UserID:    legacy.UserID,
		Token:     legacy.Token,
		ExpiresAt: time.UnixMilli(legacy.ExpiresAt).UTC(),
		CreatedAt: time.UnixMilli(legacy.CreatedAt).UTC(),
		Kdf:       legacy.Kdf,
		WrappedMK: legacy.WrappedMK,
	}, nil
}

// SessionHandle is the single-writer guard around the persisted session.
// The lock scheduler and session refresher are the only writers; every
// other component reads through Current.
type SessionHandle struct {
	mu      sync.RWMutex
	store   persist.Store
	current *Session
}

// NewSessionHandle creates a handle backed by the given store.
func NewSessionHandle(store persist.Store) *SessionHandle {
	return &SessionHandle{store: store}
}

// Load reads the persisted session into memory. A missing record leaves
// the handle empty without error.
func (h *SessionHandle) Load() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, err := h.store.Load(persist.RecordSession)
	if err != nil {
		if persist.IsNotFound(err) {
			h.current = nil
			return nil
		}
		return fmt.Errorf("failed to load session: %w", err)
	}

	session, err := decodeSession(data)
	if err != nil {
		return err
	}
	h.current = &session
	return nil
}

// Current returns a copy of the active session, or nil when logged out.
func (h *SessionHandle) Current() *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.current == nil {
		return nil
	}
	sessionCopy := *h.current
	return &sessionCopy
}

// Set validates, persists and installs a new session.
func (h *SessionHandle) Set(s Session) error {
	if err := s.validate(); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}

	data, err := encodeSession(s)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err = h.store.Save(persist.RecordSession, data); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	h.current = &s
	return nil
}

// AdoptToken atomically replaces the token, expiry and creation anchor
// after a successful refresh. The rest of the session is untouched.
func (h *SessionHandle) AdoptToken(token string, expiresAt, createdAt time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.current == nil {
		return ErrNotAuthenticated
	}

	updated := *h.current
	updated.Token = token
	updated.ExpiresAt = expiresAt
	updated.CreatedAt = createdAt
	if err := updated.validate(); err != nil {
		return fmt.Errorf("invalid refreshed session: %w", err)
	}

	data, err := encodeSession(updated)
	if err != nil {
		return err
	}
	if err = h.store.Save(persist.RecordSession, data); err != nil {
		return fmt.Errorf("failed to persist refreshed session: %w", err)
	}
	h.current = &updated
	return nil
}

// Clear removes the session from memory and storage.
func (h *SessionHandle) Clear() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.current = nil
	if err := h.store.Delete(persist.RecordSession); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}
