package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryServer is an in-process Client implementation with the same
// compare-and-swap semantics as the real server. It backs the examples
// and the engine tests; nothing in it persists across process restarts.
type MemoryServer struct {
	mu       sync.Mutex
	accounts map[string]*memoryAccount // by email
	tokens   map[string]*memoryToken
	TokenTTL time.Duration
	Now      func() time.Time

	// PutCount counts committed manifest writes, letting tests assert
	// that a conflicting save never mutated server state.
	PutCount int
	// RefreshCount counts successful token refreshes.
	RefreshCount int
}

type memoryAccount struct {
	userID    string
	authKey   string
	kdf       KdfParams
	wrappedMK WrappedKey
	manifest  *ManifestRecord
}

type memoryToken struct {
	userID    string
	expiresAt time.Time
}

// NewMemoryServer creates an empty in-memory server.
func NewMemoryServer() *MemoryServer {
	return &MemoryServer{
		accounts: make(map[string]*memoryAccount),
		tokens:   make(map[string]*memoryToken),
		TokenTTL: 15 * time.Minute,
		Now:      time.Now,
	}
}

var _ Client = (*MemoryServer)(nil)

func (m *MemoryServer) Params(_ context.Context, email string) (*KdfParams, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[email]
	if !ok {
		return nil, &APIError{StatusCode: 404, Message: "unknown account"}
	}
	kdf := acct.kdf
	return &kdf, nil
}

func (m *MemoryServer) Register(_ context.Context, req RegisterRequest) (*AuthResult, error) {
	if req.Email == "" || req.AuthKey == "" {
		return nil, &APIError{StatusCode: 400, Message: "email and auth key are required"}
	}
	if err := req.Kdf.Validate(); err != nil {
		return nil, &APIError{StatusCode: 400, Message: err.Error()}
	}
	if req.WrappedMK.IsZero() {
		return nil, &APIError{StatusCode: 400, Message: "wrapped master key is required"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[req.Email]; exists {
		return nil, &APIError{StatusCode: 409, Message: "account already exists"}
	}

	acct := &memoryAccount{
		userID:    uuid.NewString(),
		authKey:   req.AuthKey,
		kdf:       req.Kdf,
		wrappedMK: req.WrappedMK,
	}
	m.accounts[req.Email] = acct

	return m.issueLocked(acct), nil
}

func (m *MemoryServer) Login(_ context.Context, req LoginRequest) (*AuthResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[req.Email]
	if !ok || acct.authKey != req.AuthKey {
		return nil, &APIError{StatusCode: 401, Message: "invalid credentials"}
	}
	return m.issueLocked(acct), nil
}

func (m *MemoryServer) Refresh(_ context.Context, token string) (*TokenResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, err := m.authenticateLocked(token)
	if err != nil {
		return nil, err
	}

	delete(m.tokens, token)
	res := m.issueLocked(acct)
	m.RefreshCount++
	return &TokenResult{Token: res.Token, ExpiresAt: res.ExpiresAt, CreatedAt: res.CreatedAt}, nil
}

func (m *MemoryServer) GetManifest(_ context.Context, token string) (*ManifestRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, err := m.authenticateLocked(token)
	if err != nil {
		return nil, err
	}
	if acct.manifest == nil {
		return nil, ErrManifestNotFound
	}
	record := *acct.manifest
	return &record, nil
}

func (m *MemoryServer) PutManifest(_ context.Context, token string, payload EncryptedManifest, ifMatch string, baseVersion int64) (*ManifestRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, err := m.authenticateLocked(token)
	if err != nil {
		return nil, err
	}

	// Compare-and-swap against the stored etag. A mismatch returns the
	// current record and changes nothing.
	switch {
	case acct.manifest == nil && ifMatch != "":
		return nil, &ConflictError{}
	case acct.manifest != nil && acct.manifest.ETag != ifMatch:
		current := *acct.manifest
		return nil, &ConflictError{Current: &current}
	}

	var version int64 = 1
	if acct.manifest != nil {
		version = acct.manifest.Version + 1
	}
	if baseVersion >= version {
		return nil, &APIError{StatusCode: 400, Message: fmt.Sprintf("base version %d is ahead of server", baseVersion)}
	}

	acct.manifest = &ManifestRecord{
		Payload: payload,
		ETag:    uuid.NewString(),
		Version: version,
	}
	m.PutCount++

	record := *acct.manifest
	return &record, nil
}

func (m *MemoryServer) issueLocked(acct *memoryAccount) *AuthResult {
	now := m.Now().UTC()
	token := uuid.NewString()
	m.tokens[token] = &memoryToken{userID: acct.userID, expiresAt: now.Add(m.TokenTTL)}

	return &AuthResult{
		UserID:    acct.userID,
		Token:     token,
		ExpiresAt: now.Add(m.TokenTTL),
		CreatedAt: now,
		Kdf:       acct.kdf,
		WrappedMK: acct.wrappedMK,
	}
}

func (m *MemoryServer) authenticateLocked(token string) (*memoryAccount, error) {
	entry, ok := m.tokens[token]
	if !ok {
		return nil, &APIError{StatusCode: 401, Message: "invalid token"}
	}
	if m.Now().After(entry.expiresAt) {
		delete(m.tokens, token)
		return nil, &APIError{StatusCode: 401, Message: "token expired"}
	}
	for _, acct := range m.accounts {
		if acct.userID == entry.userID {
			return acct, nil
		}
	}
	return nil, &APIError{StatusCode: 401, Message: "unknown account"}
}
