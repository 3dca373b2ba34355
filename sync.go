package satchel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/satchel-vault/satchel/audit"
	"github.com/satchel-vault/satchel/internal/crypto"
	"github.com/satchel-vault/satchel/persist"
	"github.com/satchel-vault/satchel/remote"
)

// SyncResult is the canonical outcome of a manifest save or fetch: the
// decrypted manifest plus the concurrency tokens identifying the server
// revision it corresponds to.
type SyncResult struct {
	Manifest *Manifest
	ETag     string
	Version  int64
}

// SyncEngine runs the optimistic-concurrency read-modify-write cycle for
// the encrypted manifest. Saves are compare-and-swap against the server's
// etag; a mismatch surfaces a ConflictError carrying the server's current
// manifest so the caller can re-apply local edits against the fresh base.
// The engine never merges and never overwrites on conflict.
//
// The etag and version are persisted locally together with the manifest
// in one write, so a stale etag can never be paired with a fresh body.
type SyncEngine struct {
	keys     *KeyStore
	sessions *SessionHandle
	client   remote.Client
	store    persist.Store
	auditLog audit.Logger
}

// NewSyncEngine creates a sync engine over the given key store, session,
// server client and local store.
func NewSyncEngine(keys *KeyStore, sessions *SessionHandle, client remote.Client, store persist.Store, auditLog audit.Logger) *SyncEngine {
	return &SyncEngine{
		keys:     keys,
		sessions: sessions,
		client:   client,
		store:    store,
		auditLog: auditLog,
	}
}

// Save pushes an updated manifest. On success the returned version is
// strictly greater than the base version the save was made against. On a
// concurrent-writer conflict it returns *ConflictError; the local record
// is left untouched so the base the edits were made against remains
// available. Network failures are surfaced, never retried automatically.
func (e *SyncEngine) Save(ctx context.Context, updated *Manifest) (*SyncResult, error) {
	if updated == nil {
		return nil, fmt.Errorf("manifest is required")
	}
	sess := e.sessions.Current()
	if sess == nil {
		return nil, ErrNotAuthenticated
	}

	// Base concurrency tokens from the combined local record. A vault
	// that has never synced saves with an empty etag (create-only).
	var baseETag string
	var baseVersion int64
	var baseChecksum string
	if local, err := e.loadLocal(); err != nil {
		return nil, err
	} else if local != nil {
		baseETag = local.ETag
		baseVersion = local.ServerVersion
		baseChecksum = local.BaseChecksum
	}

	payload, err := e.encryptManifest(updated)
	if err != nil {
		return nil, err
	}

	record, err := e.client.PutManifest(ctx, sess.Token, payload, baseETag, baseVersion)
	if err != nil {
		if conflict, ok := remote.AsConflict(err); ok {
			return nil, e.conflictError(sess.UserID, conflict, baseChecksum)
		}
		e.logEvent(sess.UserID, audit.ActionManifestSave, false, "save request failed")
		return nil, &NetworkError{Op: "manifest save", Err: err}
	}

	result := &SyncResult{
		Manifest: updated.Clone(),
		ETag:     record.ETag,
		Version:  record.Version,
	}
	result.Manifest.Version = record.Version

	if err = e.persistLocal(result); err != nil {
		return nil, err
	}
	e.logEvent(sess.UserID, audit.ActionManifestSave, true, "")
	return result, nil
}

// Fetch pulls the server's current manifest, decrypts it, and replaces
// the local record. Returns nil when the vault has never been synced.
func (e *SyncEngine) Fetch(ctx context.Context) (*SyncResult, error) {
	sess := e.sessions.Current()
	if sess == nil {
		return nil, ErrNotAuthenticated
	}

	record, err := e.client.GetManifest(ctx, sess.Token)
	if err != nil {
		if err == remote.ErrManifestNotFound {
			return nil, nil
		}
		e.logEvent(sess.UserID, audit.ActionManifestFetch, false, "fetch request failed")
		return nil, &NetworkError{Op: "manifest fetch", Err: err}
	}

	manifest, err := e.decryptManifest(record.Payload)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{Manifest: manifest, ETag: record.ETag, Version: record.Version}
	if err = e.persistLocal(result); err != nil {
		return nil, err
	}
	e.logEvent(sess.UserID, audit.ActionManifestFetch, true, "")
	return result, nil
}

// Load serves the local record without touching the network, migrating
// legacy record shapes. Returns nil when nothing is stored.
func (e *SyncEngine) Load() (*SyncResult, error) {
	local, err := e.loadLocal()
	if err != nil || local == nil {
		return nil, err
	}
	return &SyncResult{
		Manifest: local.Manifest,
		ETag:     local.ETag,
		Version:  local.ServerVersion,
	}, nil
}

func (e *SyncEngine) loadLocal() (*storedManifest, error) {
	data, err := e.store.Load(persist.RecordManifest)
	if err != nil {
		if persist.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load manifest record: %w", err)
	}
	rec, err := decodeStoredManifest(data)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// persistLocal writes manifest, etag and version as one record in one
// write.
func (e *SyncEngine) persistLocal(result *SyncResult) error {
	checksum, err := result.Manifest.Checksum()
	if err != nil {
		return err
	}
	data, err := encodeStoredManifest(storedManifest{
		Manifest:      result.Manifest,
		ETag:          result.ETag,
		ServerVersion: result.Version,
		BaseChecksum:  checksum,
	})
	if err != nil {
		return err
	}
	if err = e.store.Save(persist.RecordManifest, data); err != nil {
		return fmt.Errorf("failed to persist manifest record: %w", err)
	}
	return nil
}

func (e *SyncEngine) encryptManifest(m *Manifest) (remote.EncryptedManifest, error) {
	plaintext, err := json.Marshal(m)
	if err != nil {
		return remote.EncryptedManifest{}, fmt.Errorf("failed to encode manifest: %w", err)
	}

	aad, err := e.manifestAAD()
	if err != nil {
		return remote.EncryptedManifest{}, err
	}

	mk, err := e.keys.masterKey("manifest encrypt")
	if err != nil {
		return remote.EncryptedManifest{}, err
	}
	defer mk.Destroy()

	nonce, ciphertext, err := crypto.Seal(mk.Bytes(), aad, plaintext)
	if err != nil {
		return remote.EncryptedManifest{}, fmt.Errorf("failed to encrypt manifest: %w", err)
	}
	return remote.EncryptedManifest{Nonce: nonce, Ciphertext: ciphertext}, nil
}

func (e *SyncEngine) decryptManifest(payload remote.EncryptedManifest) (*Manifest, error) {
	aad, err := e.manifestAAD()
	if err != nil {
		return nil, err
	}

	mk, err := e.keys.masterKey("manifest decrypt")
	if err != nil {
		return nil, err
	}
	defer mk.Destroy()

	plaintext, err := crypto.Open(mk.Bytes(), payload.Nonce, aad, payload.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt manifest: %w", err)
	}

	var m Manifest
	if err = json.Unmarshal(plaintext, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &m, nil
}

// manifestAAD computes the MAK-keyed AAD for the current unlock context.
// The MAK copy is fetched immediately before use and destroyed right
// after, per the key custody rules.
func (e *SyncEngine) manifestAAD() ([]byte, error) {
	aadCtx := e.keys.AadContext()
	if aadCtx == nil {
		return nil, &LockedError{Op: "manifest AAD"}
	}

	mak, err := e.keys.GetMAK()
	if err != nil {
		return nil, err
	}
	defer mak.Destroy()

	return crypto.ManifestAAD(mak.Bytes(), aadCtx.ManifestLabel, aadCtx.UserID, aadCtx.VaultID), nil
}

// conflictError decrypts the server's current record into the rich
// conflict the caller needs to rebase local edits.
func (e *SyncEngine) conflictError(userID string, conflict *remote.ConflictError, baseChecksum string) error {
	e.logEvent(userID, audit.ActionManifestConflict, false, "compare-and-swap rejected")

	result := &ConflictError{BaseChecksum: baseChecksum}
	if conflict.Current != nil {
		result.ETag = conflict.Current.ETag
		result.Version = conflict.Current.Version
		if manifest, err := e.decryptManifest(conflict.Current.Payload); err == nil {
			result.Manifest = manifest
		}
	}
	return result
}

func (e *SyncEngine) logEvent(userID string, action audit.Action, success bool, detail string) {
	_ = e.auditLog.Log(audit.Event{
		Action:  action,
		UserID:  userID,
		Success: success,
		Detail:  detail,
	})
}
