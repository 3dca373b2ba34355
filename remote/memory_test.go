package remote

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegisterRequest() RegisterRequest {
	return RegisterRequest{
		Email:   "user@example.com",
		AuthKey: "auth-key",
		Kdf: KdfParams{
			Algo:        "argon2id",
			Salt:        []byte("0123456789abcdef"),
			Memory:      64,
			Time:        1,
			Parallelism: 1,
			HKDFSalt:    []byte("fedcba9876543210"),
		},
		WrappedMK: WrappedKey{Nonce: []byte("nonce"), Ciphertext: []byte("ct")},
	}
}

func TestMemoryServerAuthFlow(t *testing.T) {
	server := NewMemoryServer()
	ctx := context.Background()

	res, err := server.Register(ctx, testRegisterRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, res.UserID)
	assert.NotEmpty(t, res.Token)
	assert.True(t, res.ExpiresAt.After(res.CreatedAt))

	// Duplicate registration is refused.
	_, err = server.Register(ctx, testRegisterRequest())
	assert.Error(t, err)

	params, err := server.Params(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, "argon2id", params.Algo)

	login, err := server.Login(ctx, LoginRequest{Email: "user@example.com", AuthKey: "auth-key"})
	require.NoError(t, err)
	assert.Equal(t, res.UserID, login.UserID)
	assert.Equal(t, []byte("ct"), login.WrappedMK.Ciphertext)

	_, err = server.Login(ctx, LoginRequest{Email: "user@example.com", AuthKey: "wrong"})
	assert.True(t, IsAuthError(err), "wrong auth key: got %v", err)
}

func TestMemoryServerTokenExpiry(t *testing.T) {
	server := NewMemoryServer()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	server.Now = func() time.Time { return now }
	ctx := context.Background()

	res, err := server.Register(ctx, testRegisterRequest())
	require.NoError(t, err)

	now = now.Add(server.TokenTTL + time.Second)
	_, err = server.GetManifest(ctx, res.Token)
	assert.True(t, IsAuthError(err), "expired token: got %v", err)
}

func TestMemoryServerRefreshRotatesToken(t *testing.T) {
	server := NewMemoryServer()
	ctx := context.Background()

	res, err := server.Register(ctx, testRegisterRequest())
	require.NoError(t, err)

	fresh, err := server.Refresh(ctx, res.Token)
	require.NoError(t, err)
	assert.NotEqual(t, res.Token, fresh.Token)
	assert.Equal(t, 1, server.RefreshCount)

	// The old token is gone.
	_, err = server.Refresh(ctx, res.Token)
	assert.True(t, IsAuthError(err))
}

func TestMemoryServerManifestCAS(t *testing.T) {
	server := NewMemoryServer()
	ctx := context.Background()

	res, err := server.Register(ctx, testRegisterRequest())
	require.NoError(t, err)
	token := res.Token

	_, err = server.GetManifest(ctx, token)
	assert.ErrorIs(t, err, ErrManifestNotFound)

	// First write needs no If-Match and lands at version 1.
	first, err := server.PutManifest(ctx, token, EncryptedManifest{Ciphertext: []byte("v1")}, "", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Version)
	assert.NotEmpty(t, first.ETag)

	// A write against the current etag succeeds and bumps the version.
	second, err := server.PutManifest(ctx, token, EncryptedManifest{Ciphertext: []byte("v2")}, first.ETag, first.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Version)
	assert.NotEqual(t, first.ETag, second.ETag)

	// A write against a stale etag fails and carries the current record.
	putsBefore := server.PutCount
	_, err = server.PutManifest(ctx, token, EncryptedManifest{Ciphertext: []byte("stale")}, first.ETag, first.Version)
	conflict, ok := AsConflict(err)
	require.True(t, ok, "stale write: got %v", err)
	require.NotNil(t, conflict.Current)
	assert.Equal(t, second.ETag, conflict.Current.ETag)
	assert.Equal(t, []byte("v2"), conflict.Current.Payload.Ciphertext)
	assert.Equal(t, putsBefore, server.PutCount, "conflicting write must not mutate state")

	// An unconditional second write is also a conflict: the server never
	// silently overwrites an existing manifest.
	_, err = server.PutManifest(ctx, token, EncryptedManifest{Ciphertext: []byte("blind")}, "", 0)
	_, ok = AsConflict(err)
	assert.True(t, ok, "blind overwrite: got %v", err)

	stored, err := server.GetManifest(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), stored.Payload.Ciphertext)
}
