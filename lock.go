package satchel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/satchel-vault/satchel/audit"
	"github.com/satchel-vault/satchel/internal/crypto"
	"github.com/satchel-vault/satchel/persist"
)

// VaultState is the lock state machine position.
type VaultState int

const (
	// StateNotAuthenticated means no session exists. Terminal until login.
	StateNotAuthenticated VaultState = iota

	// StateUnlocked means keys are live in the key store.
	StateUnlocked

	// StateAutoLocked means keys are wiped but the session is retained;
	// password or PIN resumes.
	StateAutoLocked

	// StateHardLocked means the PIN path is invalidated; only full
	// password re-authentication resumes.
	StateHardLocked
)

func (s VaultState) String() string {
	switch s {
	case StateUnlocked:
		return "unlocked"
	case StateAutoLocked:
		return "auto-locked"
	case StateHardLocked:
		return "hard-locked"
	default:
		return "not-authenticated"
	}
}

// LockState is the persisted PIN failure bookkeeping. It is reset to
// defaults only on a verified successful unlock.
type LockState struct {
	FailedPinAttempts int        `json:"failed_pin_attempts"`
	LastFailedAttempt *time.Time `json:"last_failed_attempt,omitempty"`
	HardLocked        bool       `json:"hard_locked"`
	HardLockedAt      *time.Time `json:"hard_locked_at,omitempty"`
}

const lockStateSchemaVersion = 1

type storedLockState struct {
	SchemaVersion int `json:"schema_version"`
	LockState
}

func encodeLockState(ls LockState) ([]byte, error) {
	data, err := json.Marshal(storedLockState{SchemaVersion: lockStateSchemaVersion, LockState: ls})
	if err != nil {
		return nil, fmt.Errorf("failed to encode lock state: %w", err)
	}
	return data, nil
}

func decodeLockState(data []byte) (LockState, error) {
	var stored storedLockState
	if err := json.Unmarshal(data, &stored); err != nil {
		return LockState{}, fmt.Errorf("failed to decode lock state: %w", err)
	}
	if stored.SchemaVersion > lockStateSchemaVersion {
		return LockState{}, fmt.Errorf("unsupported lock state schema %d", stored.SchemaVersion)
	}
	// Schema 0 is the unversioned shape with identical field names.
	return stored.LockState, nil
}

// LockScheduler drives the lock state machine. A single goroutine owns
// the idle timer; activity notifications are coalesced through a buffered
// channel so overlapping resets can never double-schedule.
//
// TIMING POLICY:
//
//   - The scheduled delay is the minimum of the configured idle timeout
//     and the remaining token lifetime. The key store is never left
//     unlocked past token expiry.
//   - A zero timeout means "never auto-lock on idle"; the token-expiry
//     bound still applies.
//   - Session age (now - CreatedAt) past the timeout forces a lock even
//     while the token is valid. Successful refreshes reset the anchor, so
//     this only fires when refreshes stop succeeding.
type LockScheduler struct {
	keys     *KeyStore
	sessions *SessionHandle
	store    persist.Store
	auditLog audit.Logger

	timeout      time.Duration // 0 = never auto-lock on idle
	pinThreshold int
	now          func() time.Time

	mu        sync.Mutex
	state     VaultState
	lockState LockState

	// resetCh carries coalesced activity notifications to the scheduler
	// goroutine. Buffer of one: a reset arriving while one is pending is
	// dropped, not queued.
	resetCh chan struct{}

	// attemptMu serializes PIN attempts so the failure counter and the
	// hard-lock transition cannot race.
	attemptMu sync.Mutex
}

// NewLockScheduler creates a scheduler in the NotAuthenticated state.
func NewLockScheduler(keys *KeyStore, sessions *SessionHandle, store persist.Store, auditLog audit.Logger, timeout time.Duration, pinThreshold int) *LockScheduler {
	return &LockScheduler{
		keys:         keys,
		sessions:     sessions,
		store:        store,
		auditLog:     auditLog,
		timeout:      timeout,
		pinThreshold: pinThreshold,
		now:          time.Now,
		resetCh:      make(chan struct{}, 1),
	}
}

// restore derives the initial state from the persisted session and lock
// state. Keys never persist, so a restored vault is never Unlocked.
func (s *LockScheduler) restore() error {
	var ls LockState
	data, err := s.store.Load(persist.RecordLockState)
	if err != nil && !persist.IsNotFound(err) {
		return fmt.Errorf("failed to load lock state: %w", err)
	}
	if err == nil {
		if ls, err = decodeLockState(data); err != nil {
			return err
		}
	}

	state := StateNotAuthenticated
	if s.sessions.Current() != nil {
		if ls.HardLocked {
			state = StateHardLocked
		} else {
			state = StateAutoLocked
		}
	}

	s.mu.Lock()
	s.state = state
	s.lockState = ls
	s.mu.Unlock()
	return nil
}

// State returns the current state machine position.
func (s *LockScheduler) State() VaultState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CurrentLockState returns a copy of the PIN failure bookkeeping.
func (s *LockScheduler) CurrentLockState() LockState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockState
}

// NotifyActivity requests an idle-timer reset. Every key-bearing
// operation calls this. Non-blocking: a reset already pending absorbs
// the request.
func (s *LockScheduler) NotifyActivity() {
	select {
	case s.resetCh <- struct{}{}:
	default:
	}
}

// Run owns the idle timer until ctx is cancelled. The timer is always
// stopped and re-armed on reset, never left dangling.
func (s *LockScheduler) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	disarm := func() {
		if armed && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		armed = false
	}
	rearm := func() {
		if delay, ok := s.nextDelay(); ok {
			timer.Reset(delay)
			armed = true
		}
	}

	for {
		select {
		case <-ctx.Done():
			disarm()
			return
		case <-s.resetCh:
			disarm()
			rearm()
		case <-timer.C:
			armed = false
			if !s.CheckNow() {
				rearm()
			}
		}
	}
}

// lockDelay computes the scheduled delay for an idle timeout and the
// remaining token lifetime: the minimum of the two, immediately when the
// token has already expired. A zero timeout bounds only by the token.
func lockDelay(timeout, tokenRemaining time.Duration) time.Duration {
	if tokenRemaining <= 0 {
		return 0
	}
	if timeout > 0 && timeout < tokenRemaining {
		return timeout
	}
	return tokenRemaining
}

// nextDelay computes the next timer delay, additionally bounded by the
// remaining session-age budget. Returns false when no timer is needed.
func (s *LockScheduler) nextDelay() (time.Duration, bool) {
	if s.State() != StateUnlocked {
		return 0, false
	}
	sess := s.sessions.Current()
	if sess == nil {
		return 0, false
	}

	now := s.now()
	delay := lockDelay(s.timeout, sess.ExpiresAt.Sub(now))
	if s.timeout > 0 {
		if ageRemaining := s.timeout - now.Sub(sess.CreatedAt); ageRemaining < delay {
			delay = ageRemaining
		}
	}
	if delay < 0 {
		delay = 0
	}
	return delay, true
}

// CheckNow evaluates the lock conditions immediately and auto-locks when
// due. Returns true when the vault is (now or already) not Unlocked.
func (s *LockScheduler) CheckNow() bool {
	s.mu.Lock()
	if s.state != StateUnlocked {
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	sess := s.sessions.Current()
	now := s.now()
	due := sess == nil ||
		!sess.ExpiresAt.After(now) ||
		(s.timeout > 0 && now.Sub(sess.CreatedAt) >= s.timeout)
	if !due {
		return false
	}

	s.lockKeys(StateAutoLocked, audit.ActionAutoLock)
	return true
}

// Lock manually soft-locks the vault. The session and any PIN enrolment
// survive; PIN or password resumes.
func (s *LockScheduler) Lock() {
	s.mu.Lock()
	if s.state != StateUnlocked {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.lockKeys(StateAutoLocked, audit.ActionManualLock)
}

func (s *LockScheduler) lockKeys(next VaultState, action audit.Action) {
	s.mu.Lock()
	if s.state != StateUnlocked {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()

	s.keys.Zeroize()
	s.logEvent(action, true, "")
}

// HandleUnlock records a verified successful unlock (password or PIN):
// state moves to Unlocked, the failure bookkeeping resets to defaults,
// and the idle timer re-arms.
func (s *LockScheduler) HandleUnlock() error {
	s.mu.Lock()
	s.state = StateUnlocked
	s.lockState = LockState{}
	s.mu.Unlock()

	if err := s.persistLockState(); err != nil {
		return err
	}
	s.NotifyActivity()
	return nil
}

// UnlockWithPIN attempts a soft unlock from the PIN-wrapped blob. Wrong
// PINs count toward the hard-lock threshold; at the threshold the vault
// hard-locks and the blob is deleted, so even the correct PIN is useless
// afterwards. The PIN bytes are wiped before return.
func (s *LockScheduler) UnlockWithPIN(pin []byte) error {
	defer memguard.WipeBytes(pin)

	s.attemptMu.Lock()
	defer s.attemptMu.Unlock()

	switch s.State() {
	case StateUnlocked:
		return nil
	case StateNotAuthenticated:
		return ErrNotAuthenticated
	case StateHardLocked:
		return &PinDisabledError{Reason: "vault is hard-locked, password required"}
	}

	sess := s.sessions.Current()
	if sess == nil {
		return ErrNotAuthenticated
	}

	data, err := s.store.Load(persist.RecordPinKey)
	if err != nil {
		if persist.IsNotFound(err) {
			return &PinDisabledError{Reason: "no PIN configured"}
		}
		return fmt.Errorf("failed to load PIN record: %w", err)
	}
	enrolment, err := decodePinEnrolment(data)
	if err != nil {
		return err
	}

	uek, err := deriveUEK(pin, enrolment.Kdf)
	if err != nil {
		return err
	}
	defer uek.Destroy()

	err = installKeys(uek, enrolment.Kdf.HKDFSalt, enrolment.Wrapped, wrapLabelPin, aadContextFor(sess), s.keys)
	if errors.Is(err, crypto.ErrAuthentication) {
		return s.recordPinFailure(sess.UserID)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.state = StateUnlocked
	s.lockState = LockState{}
	s.mu.Unlock()

	if err = s.persistLockState(); err != nil {
		return err
	}
	s.logEventFor(sess.UserID, audit.ActionPinUnlock, true, "")
	s.NotifyActivity()
	return nil
}

// recordPinFailure increments the counter, persists it, and hard-locks
// at the threshold. Caller holds attemptMu.
func (s *LockScheduler) recordPinFailure(userID string) error {
	now := s.now()

	s.mu.Lock()
	s.lockState.FailedPinAttempts++
	s.lockState.LastFailedAttempt = &now
	attempts := s.lockState.FailedPinAttempts
	hardLock := attempts >= s.pinThreshold
	if hardLock {
		s.lockState.HardLocked = true
		s.lockState.HardLockedAt = &now
		s.state = StateHardLocked
	}
	s.mu.Unlock()

	if err := s.persistLockState(); err != nil {
		return err
	}
	s.logEventFor(userID, audit.ActionPinFailure, false, fmt.Sprintf("attempt %d of %d", attempts, s.pinThreshold))

	if hardLock {
		// The PIN path is permanently invalidated until a full password
		// re-authentication.
		if err := s.store.Delete(persist.RecordPinKey); err != nil {
			return fmt.Errorf("failed to invalidate PIN record: %w", err)
		}
		s.logEventFor(userID, audit.ActionHardLock, true, "")
		return &InvalidPinError{AttemptsRemaining: 0}
	}
	return &InvalidPinError{AttemptsRemaining: s.pinThreshold - attempts}
}

// Logout tears everything down: keys, session, lock state, PIN record
// and the cached manifest. Valid from any state.
func (s *LockScheduler) Logout() error {
	var userID string
	if sess := s.sessions.Current(); sess != nil {
		userID = sess.UserID
	}

	s.mu.Lock()
	s.state = StateNotAuthenticated
	s.lockState = LockState{}
	s.mu.Unlock()

	s.keys.Zeroize()

	var firstErr error
	if err := s.sessions.Clear(); err != nil {
		firstErr = err
	}
	for _, rec := range []persist.Record{persist.RecordLockState, persist.RecordPinKey, persist.RecordManifest} {
		if err := s.store.Delete(rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.logEventFor(userID, audit.ActionLogout, firstErr == nil, "")
	return firstErr
}

func (s *LockScheduler) persistLockState() error {
	s.mu.Lock()
	ls := s.lockState
	s.mu.Unlock()

	data, err := encodeLockState(ls)
	if err != nil {
		return err
	}
	if err = s.store.Save(persist.RecordLockState, data); err != nil {
		return fmt.Errorf("failed to persist lock state: %w", err)
	}
	return nil
}

func (s *LockScheduler) logEvent(action audit.Action, success bool, detail string) {
	var userID string
	if sess := s.sessions.Current(); sess != nil {
		userID = sess.UserID
	}
	s.logEventFor(userID, action, success, detail)
}

func (s *LockScheduler) logEventFor(userID string, action audit.Action, success bool, detail string) {
	// Audit failures never block lock transitions.
	_ = s.auditLog.Log(audit.Event{
		Action:  action,
		UserID:  userID,
		Success: success,
		Detail:  detail,
	})
}
