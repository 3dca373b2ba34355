package satchel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/satchel-vault/satchel/audit"
	"github.com/satchel-vault/satchel/internal/crypto"
	"github.com/satchel-vault/satchel/internal/mem"
	"github.com/satchel-vault/satchel/internal/misc"
	"github.com/satchel-vault/satchel/persist"
	"github.com/satchel-vault/satchel/remote"
)

func init() {
	// Wipe protected buffers before the process dies on an interrupt.
	memguard.CatchInterrupt()
}

// Vault is the client engine facade: key custody, the lock state
// machine, background token refresh and manifest synchronization behind
// one handle. A Vault is constructed once and injected wherever vault
// access is needed; it is safe for concurrent use.
//
// The server never sees plaintext. Keys exist only in protected memory
// while unlocked; the persisted session holds the wrapped master key
// blob, which is useless without the password or PIN.
type Vault struct {
	options   Options
	keys      *KeyStore
	sessions  *SessionHandle
	scheduler *LockScheduler
	refresher *Refresher
	sync      *SyncEngine
	store     persist.Store
	client    remote.Client
	auditLog  audit.Logger

	memProtection mem.ProtectionLevel

	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeMu sync.Mutex
	closed  bool
}

// Status is a snapshot of the vault for display.
type Status struct {
	State            VaultState
	UserID           string
	SessionExpiresAt time.Time
	PinConfigured    bool
	FailedPinCount   int
	MemoryProtection string
	StoreType        string
}

// New creates a Vault over the given local store, server client and
// audit logger. A nil audit logger disables auditing. The vault resumes
// its persisted session and lock state: keys never persist, so a resumed
// vault starts locked (or not authenticated) and the caller unlocks with
// password or PIN.
func New(options Options, store persist.Store, client remote.Client, auditLog audit.Logger) (*Vault, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, &ConfigError{Field: "store", Reason: "local store is required"}
	}
	if client == nil {
		return nil, &ConfigError{Field: "client", Reason: "server client is required"}
	}
	if auditLog == nil {
		auditLog = audit.NewNoOpLogger()
	}

	if err := store.Ping(); err != nil {
		return nil, fmt.Errorf("local store unavailable: %w", err)
	}

	protection := mem.ProtectionNone
	if options.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			return nil, fmt.Errorf("memory protection unavailable: %w", err)
		}
		protection = level
	}

	timeout, err := ParseAutoLockTimeout(options.AutoLockTimeout)
	if err != nil {
		return nil, err
	}

	keys := NewKeyStore()
	sessions := NewSessionHandle(store)
	if err = sessions.Load(); err != nil {
		return nil, err
	}

	scheduler := NewLockScheduler(keys, sessions, store, auditLog, timeout, options.PinAttemptThreshold)
	if err = scheduler.restore(); err != nil {
		return nil, err
	}

	refresher := NewRefresher(client, sessions, scheduler, auditLog,
		options.RefreshCheckInterval, options.MinRefreshInterval, options.RefreshSafetyWindow)

	v := &Vault{
		options:       options,
		keys:          keys,
		sessions:      sessions,
		scheduler:     scheduler,
		refresher:     refresher,
		sync:          NewSyncEngine(keys, sessions, client, store, auditLog),
		store:         store,
		client:        client,
		auditLog:      auditLog,
		memProtection: protection,
	}

	ctx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel
	v.wg.Add(2)
	go func() {
		defer v.wg.Done()
		scheduler.Run(ctx)
	}()
	go func() {
		defer v.wg.Done()
		refresher.Run(ctx)
	}()

	return v, nil
}

// Register creates an account: generates a fresh master key, wraps it
// under the password-derived key, and sends only the wrapped blob and a
// derived login verifier to the server. On success the vault is unlocked.
// The password bytes are wiped before return.
func (v *Vault) Register(ctx context.Context, email string, password []byte) error {
	if email == "" {
		return &ConfigError{Field: "email", Reason: "email is required"}
	}
	if v.scheduler.State() != StateNotAuthenticated {
		return errors.New("already authenticated, log out first")
	}

	salt, err := crypto.RandomBytes(misc.SaltSize)
	if err != nil {
		memguard.WipeBytes(password)
		return err
	}
	hkdfSalt, err := crypto.RandomBytes(misc.SaltSize)
	if err != nil {
		memguard.WipeBytes(password)
		return err
	}
	params := remote.KdfParams{
		Algo:        "argon2id",
		Salt:        salt,
		Memory:      misc.ArgonMemory,
		Time:        misc.ArgonTime,
		Parallelism: misc.ArgonThreads,
		HKDFSalt:    hkdfSalt,
	}

	uek, err := deriveUEK(password, params)
	memguard.WipeBytes(password)
	if err != nil {
		return err
	}
	defer uek.Destroy()

	authKey, err := deriveAuthKey(uek)
	if err != nil {
		return err
	}

	mk, err := newMasterKey()
	if err != nil {
		return err
	}
	wrapped, err := wrapKey(uek, mk, wrapLabelPassword, vaultLabel)
	if err != nil {
		memguard.WipeBytes(mk)
		return err
	}

	result, err := v.client.Register(ctx, remote.RegisterRequest{
		Email:     email,
		AuthKey:   authKey,
		Kdf:       params,
		WrappedMK: wrapped,
	})
	if err != nil {
		memguard.WipeBytes(mk)
		v.logEvent("", audit.ActionRegister, false, "register request failed")
		return &NetworkError{Op: "register", Err: err}
	}

	sess := sessionFromAuthResult(result, params, wrapped)
	if err = v.sessions.Set(sess); err != nil {
		memguard.WipeBytes(mk)
		return err
	}

	if err = installKeysFromMaster(mk, hkdfSalt, aadContextFor(&sess), v.keys); err != nil {
		return err
	}
	if err = v.scheduler.HandleUnlock(); err != nil {
		return err
	}
	v.logEvent(sess.UserID, audit.ActionRegister, true, "")
	return nil
}

// Login authenticates against the server and unlocks the vault with the
// returned wrapped master key. A wrong password surfaces as
// InvalidPasswordError whether the server rejects the verifier or the
// blob fails to open. The password bytes are wiped before return.
func (v *Vault) Login(ctx context.Context, email string, password []byte) error {
	if email == "" {
		memguard.WipeBytes(password)
		return &ConfigError{Field: "email", Reason: "email is required"}
	}

	params, err := v.client.Params(ctx, email)
	if err != nil {
		memguard.WipeBytes(password)
		v.logEvent("", audit.ActionLogin, false, "kdf params request failed")
		return &NetworkError{Op: "login", Err: err}
	}

	uek, err := deriveUEK(password, *params)
	memguard.WipeBytes(password)
	if err != nil {
		return err
	}
	defer uek.Destroy()

	authKey, err := deriveAuthKey(uek)
	if err != nil {
		return err
	}

	result, err := v.client.Login(ctx, remote.LoginRequest{Email: email, AuthKey: authKey})
	if err != nil {
		if remote.IsAuthError(err) {
			v.logEvent("", audit.ActionLogin, false, "verifier rejected")
			return &InvalidPasswordError{}
		}
		v.logEvent("", audit.ActionLogin, false, "login request failed")
		return &NetworkError{Op: "login", Err: err}
	}

	sess := sessionFromAuthResult(result, result.Kdf, result.WrappedMK)
	if err = v.sessions.Set(sess); err != nil {
		return err
	}

	err = installKeys(uek, sess.Kdf.HKDFSalt, sess.WrappedMK, wrapLabelPassword, aadContextFor(&sess), v.keys)
	if errors.Is(err, crypto.ErrAuthentication) {
		return &InvalidPasswordError{}
	}
	if err != nil {
		return err
	}

	if err = v.scheduler.HandleUnlock(); err != nil {
		return err
	}
	v.logEvent(sess.UserID, audit.ActionLogin, true, "")
	return nil
}

// Unlock resumes a locked vault with the password, using the cached
// session's KDF parameters and wrapped master key. It works from both
// the auto-locked and hard-locked states; a successful unlock resets the
// PIN failure bookkeeping. The password bytes are wiped before return.
func (v *Vault) Unlock(password []byte) error {
	sess := v.sessions.Current()
	if sess == nil {
		memguard.WipeBytes(password)
		return ErrNotAuthenticated
	}
	if !sess.ExpiresAt.After(time.Now()) {
		memguard.WipeBytes(password)
		return ErrNotAuthenticated
	}

	err := UnwrapWithPassword(password, sess.Kdf, sess.WrappedMK, aadContextFor(sess), v.keys)
	if err != nil {
		if IsInvalidPassword(err) {
			v.logEvent(sess.UserID, audit.ActionUnlock, false, "wrapped key failed to open")
		}
		return err
	}

	if err = v.scheduler.HandleUnlock(); err != nil {
		return err
	}
	v.logEvent(sess.UserID, audit.ActionUnlock, true, "")
	return nil
}

// UnlockWithPIN resumes an auto-locked vault with the PIN. Wrong PINs
// count toward the hard-lock threshold.
func (v *Vault) UnlockWithPIN(pin []byte) error {
	return v.scheduler.UnlockWithPIN(pin)
}

// ConfigurePIN enrolls a PIN for soft unlock: the live master key is
// wrapped a second time under a PIN-derived key and stored locally. The
// vault must be unlocked. The PIN bytes are wiped before return.
func (v *Vault) ConfigurePIN(pin []byte) error {
	if len(pin) == 0 {
		return &ConfigError{Field: "pin", Reason: "PIN must not be empty"}
	}
	sess := v.sessions.Current()
	if sess == nil {
		memguard.WipeBytes(pin)
		return ErrNotAuthenticated
	}

	params, err := newPinParams(sess.Kdf.HKDFSalt)
	if err != nil {
		memguard.WipeBytes(pin)
		return err
	}

	uek, err := deriveUEK(pin, params)
	memguard.WipeBytes(pin)
	if err != nil {
		return err
	}
	defer uek.Destroy()

	mk, err := v.keys.masterKey("configure PIN")
	if err != nil {
		return err
	}
	defer mk.Destroy()

	wrapped, err := wrapKey(uek, mk.Bytes(), wrapLabelPin, vaultLabel)
	if err != nil {
		return err
	}

	data, err := encodePinEnrolment(pinEnrolment{Kdf: params, Wrapped: wrapped})
	if err != nil {
		return err
	}
	if err = v.store.Save(persist.RecordPinKey, data); err != nil {
		return fmt.Errorf("failed to persist PIN record: %w", err)
	}

	v.scheduler.NotifyActivity()
	return nil
}

// DisablePIN removes the PIN enrolment.
func (v *Vault) DisablePIN() error {
	return v.store.Delete(persist.RecordPinKey)
}

// PinConfigured reports whether a PIN enrolment exists.
func (v *Vault) PinConfigured() bool {
	exists, err := v.store.Exists(persist.RecordPinKey)
	return err == nil && exists
}

// Lock manually soft-locks the vault.
func (v *Vault) Lock() {
	v.scheduler.Lock()
}

// Logout wipes keys and clears all local state: session, lock state, PIN
// enrolment and the cached manifest.
func (v *Vault) Logout() error {
	return v.scheduler.Logout()
}

// State returns the lock state machine position.
func (v *Vault) State() VaultState {
	return v.scheduler.State()
}

// IsUnlocked reports whether key material is live.
func (v *Vault) IsUnlocked() bool {
	return v.keys.IsUnlocked()
}

// Status returns a display snapshot.
func (v *Vault) Status() Status {
	status := Status{
		State:            v.scheduler.State(),
		PinConfigured:    v.PinConfigured(),
		FailedPinCount:   v.scheduler.CurrentLockState().FailedPinAttempts,
		MemoryProtection: v.memProtection.String(),
		StoreType:        v.store.GetType(),
	}
	if sess := v.sessions.Current(); sess != nil {
		status.UserID = sess.UserID
		status.SessionExpiresAt = sess.ExpiresAt
	}
	return status
}

// SaveManifest pushes an updated manifest through the optimistic-
// concurrency cycle. See SyncEngine.Save for the conflict contract.
func (v *Vault) SaveManifest(ctx context.Context, m *Manifest) (*SyncResult, error) {
	result, err := v.sync.Save(ctx, m)
	if err == nil {
		v.scheduler.NotifyActivity()
	}
	return result, err
}

// FetchManifest pulls and decrypts the server's current manifest.
func (v *Vault) FetchManifest(ctx context.Context) (*SyncResult, error) {
	result, err := v.sync.Fetch(ctx)
	if err == nil {
		v.scheduler.NotifyActivity()
	}
	return result, err
}

// LoadManifest serves the locally cached manifest record without
// touching the network. Returns nil when nothing is cached.
func (v *Vault) LoadManifest() (*SyncResult, error) {
	return v.sync.Load()
}

// RefreshSession forces an immediate refresh check, subject to the same
// throttle as the background cadence.
func (v *Vault) RefreshSession(ctx context.Context) {
	if v.scheduler.State() == StateUnlocked {
		v.refresher.RefreshIfNeeded(ctx)
	}
}

// Close stops the background goroutines, wipes key material and releases
// the store and audit logger. The vault is unusable afterwards.
func (v *Vault) Close() error {
	v.closeMu.Lock()
	defer v.closeMu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true

	v.cancel()
	v.wg.Wait()
	v.keys.Zeroize()

	var firstErr error
	if err := v.auditLog.Close(); err != nil {
		firstErr = err
	}
	if err := v.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func sessionFromAuthResult(result *remote.AuthResult, params remote.KdfParams, wrapped remote.WrappedKey) Session {
	sess := Session{
		UserID:    result.UserID,
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt,
		CreatedAt: result.CreatedAt,
		Kdf:       params,
		WrappedMK: wrapped,
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	return sess
}

func (v *Vault) logEvent(userID string, action audit.Action, success bool, detail string) {
	_ = v.auditLog.Log(audit.Event{
		Action:    action,
		ProfileID: v.options.ProfileID,
		UserID:    userID,
		Success:   success,
		Detail:    detail,
	})
}
