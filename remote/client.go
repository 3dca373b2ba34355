package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// KdfParams carries the server-issued key derivation parameters for a
// user. They are immutable per user and cached alongside the session;
// they never drive a derivation without fresh password entry.
type KdfParams struct {
	Algo        string `json:"algo"`
	Salt        []byte `json:"salt"`
	Memory      uint32 `json:"m"` // KiB
	Time        uint32 `json:"t"`
	Parallelism uint8  `json:"p"`
	HKDFSalt    []byte `json:"hkdf_salt,omitempty"`
}

// Validate checks that the parameters are usable for derivation.
func (p KdfParams) Validate() error {
	if p.Algo != "argon2id" {
		return fmt.Errorf("unsupported kdf algorithm %q", p.Algo)
	}
	if len(p.Salt) == 0 {
		return errors.New("kdf salt is required")
	}
	if p.Memory == 0 || p.Time == 0 || p.Parallelism == 0 {
		return errors.New("kdf cost parameters must be positive")
	}
	return nil
}

// WrappedKey is an AEAD-sealed master key blob. The server stores it but
// can never open it; only a key derived from the user's password or PIN
// can.
type WrappedKey struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// IsZero reports whether the blob is empty.
func (w WrappedKey) IsZero() bool {
	return len(w.Nonce) == 0 && len(w.Ciphertext) == 0
}

// EncryptedManifest is the encrypted manifest payload as stored on the
// server. The server treats it as opaque bytes.
type EncryptedManifest struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// ManifestRecord is the server's view of the manifest: the encrypted
// payload plus the concurrency tokens identifying this exact revision.
type ManifestRecord struct {
	Payload EncryptedManifest `json:"manifest"`
	ETag    string            `json:"etag"`
	Version int64             `json:"version"`
}

// RegisterRequest creates an account. AuthKey is a login verifier the
// client derives from the password; the password itself never leaves the
// client.
type RegisterRequest struct {
	Email     string     `json:"email"`
	AuthKey   string     `json:"auth_key"`
	Kdf       KdfParams  `json:"kdf"`
	WrappedMK WrappedKey `json:"wrapped_mk"`
}

// LoginRequest authenticates with the derived verifier.
type LoginRequest struct {
	Email   string `json:"email"`
	AuthKey string `json:"auth_key"`
}

// AuthResult is the server response for register and login.
type AuthResult struct {
	UserID    string     `json:"user_id"`
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
	Kdf       KdfParams  `json:"kdf"`
	WrappedMK WrappedKey `json:"wrapped_mk"`
}

// TokenResult is the server response for a token refresh.
type TokenResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Client is the narrow surface of the vault server this engine consumes.
// Implementations must guarantee that PutManifest is a compare-and-swap:
// a mismatched etag never mutates server state.
type Client interface {
	// Params returns the KDF parameters for an email so the client can
	// derive the login verifier before authenticating.
	Params(ctx context.Context, email string) (*KdfParams, error)

	Register(ctx context.Context, req RegisterRequest) (*AuthResult, error)
	Login(ctx context.Context, req LoginRequest) (*AuthResult, error)

	// Refresh exchanges a still-valid token for a fresh one.
	Refresh(ctx context.Context, token string) (*TokenResult, error)

	// GetManifest returns the current manifest record, or ErrManifestNotFound
	// if the vault has never been synchronized.
	GetManifest(ctx context.Context, token string) (*ManifestRecord, error)

	// PutManifest stores a new revision if and only if ifMatch equals the
	// server's current etag (empty ifMatch means "create only"). On a
	// mismatch it returns *ConflictError carrying the server's current
	// record and leaves server state untouched.
	PutManifest(ctx context.Context, token string, payload EncryptedManifest, ifMatch string, baseVersion int64) (*ManifestRecord, error)
}

// ErrManifestNotFound indicates the vault has no manifest yet.
var ErrManifestNotFound = errors.New("manifest not found")

// ConflictError is returned by PutManifest when the submitted etag does
// not match the server's current revision.
type ConflictError struct {
	Current *ManifestRecord
}

func (e *ConflictError) Error() string {
	if e.Current == nil {
		return "manifest version conflict"
	}
	return fmt.Sprintf("manifest version conflict: server is at etag %s version %d",
		e.Current.ETag, e.Current.Version)
}

// AsConflict unwraps err into a *ConflictError if it is one.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// APIError is a non-conflict error response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

// IsAuthError reports whether err is a 401/403 from the server.
func IsAuthError(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode == 401 || ae.StatusCode == 403
	}
	return false
}
