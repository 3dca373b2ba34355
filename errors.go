package satchel

import (
	"errors"
	"fmt"
)

// ErrNotAuthenticated indicates an operation that requires a session was
// called before login or after logout.
var ErrNotAuthenticated = errors.New("not authenticated")

// LockedError indicates key material was requested while the vault is
// locked. This is a programming or race bug, not a user mistake: callers
// must check the lock state (or handle this error) rather than caching
// key references across operations that can span a lock event.
type LockedError struct {
	// Op names the operation that needed the keys.
	Op string
}

func (e *LockedError) Error() string {
	if e.Op == "" {
		return "vault is locked"
	}
	return fmt.Sprintf("vault is locked: %s requires an unlocked vault", e.Op)
}

// IsLocked reports whether err is a LockedError.
func IsLocked(err error) bool {
	var le *LockedError
	return errors.As(err, &le)
}

// InvalidPasswordError indicates the wrapped master key failed to
// authenticate under the password-derived key. AEAD authentication is the
// only password check, so this is the one signal for a wrong password.
type InvalidPasswordError struct{}

func (e *InvalidPasswordError) Error() string {
	return "invalid password"
}

// IsInvalidPassword reports whether err is an InvalidPasswordError.
func IsInvalidPassword(err error) bool {
	var ipe *InvalidPasswordError
	return errors.As(err, &ipe)
}

// InvalidPinError indicates a wrong PIN. Unlike password failures, PIN
// failures count toward the hard-lock threshold.
type InvalidPinError struct {
	// AttemptsRemaining is how many more failures are allowed before the
	// vault hard-locks. Zero means this failure triggered the hard lock.
	AttemptsRemaining int
}

func (e *InvalidPinError) Error() string {
	if e.AttemptsRemaining == 0 {
		return "invalid PIN: attempt limit reached, vault is hard-locked"
	}
	return fmt.Sprintf("invalid PIN: %d attempts remaining", e.AttemptsRemaining)
}

// IsInvalidPin reports whether err is an InvalidPinError.
func IsInvalidPin(err error) bool {
	var ipe *InvalidPinError
	return errors.As(err, &ipe)
}

// PinDisabledError indicates a PIN unlock was attempted while the PIN
// path is unavailable: no PIN configured, or the vault is hard-locked.
type PinDisabledError struct {
	// Reason explains why the PIN path is unavailable.
	Reason string
}

func (e *PinDisabledError) Error() string {
	if e.Reason == "" {
		return "PIN unlock is not available"
	}
	return fmt.Sprintf("PIN unlock is not available: %s", e.Reason)
}

// ConflictError indicates a manifest save lost the compare-and-swap
// against a concurrent writer. It carries the server's current state so
// the caller can re-apply local edits against the fresh base; this engine
// never merges or overwrites on conflict.
type ConflictError struct {
	// Manifest is the server's current decrypted manifest.
	Manifest *Manifest

	// ETag identifies the server's current revision.
	ETag string

	// Version is the server's current version counter.
	Version int64

	// BaseChecksum identifies the base snapshot the rejected local edits
	// were applied to.
	BaseChecksum string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("manifest conflict: server is at etag %s version %d", e.ETag, e.Version)
}

// AsConflict unwraps err into a *ConflictError if it is one.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// NetworkError wraps a transport failure. Refresh failures are swallowed
// by the refresher; manifest save failures are surfaced and never retried
// automatically.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ConfigError indicates invalid or missing configuration. It is surfaced
// immediately and never retried.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}
