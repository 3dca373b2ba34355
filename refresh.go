package satchel

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/satchel-vault/satchel/audit"
	"github.com/satchel-vault/satchel/remote"
)

// Refresher renews the session token in the background while the vault is
// unlocked. It is the single owner of the refresh throttle: at most one
// attempt is ever in flight, and concurrent callers share its result.
//
// Failures are silent and non-fatal. The existing session stays valid
// until its own expiry; only a lock, logout, or true token expiry ends
// it. A successful refresh atomically swaps the token, expiry and
// creation anchor, then re-arms the idle timer.
type Refresher struct {
	client    remote.Client
	sessions  *SessionHandle
	scheduler *LockScheduler
	auditLog  audit.Logger

	checkInterval time.Duration
	minInterval   time.Duration
	safetyWindow  time.Duration

	group singleflight.Group
	now   func() time.Time
}

// NewRefresher creates a refresher; Run must be started for background
// renewal.
func NewRefresher(client remote.Client, sessions *SessionHandle, scheduler *LockScheduler, auditLog audit.Logger, checkInterval, minInterval, safetyWindow time.Duration) *Refresher {
	return &Refresher{
		client:        client,
		sessions:      sessions,
		scheduler:     scheduler,
		auditLog:      auditLog,
		checkInterval: checkInterval,
		minInterval:   minInterval,
		safetyWindow:  safetyWindow,
		now:           time.Now,
	}
}

// Run checks on a fixed interval until ctx is cancelled. Checks are
// gated on the unlocked state: a locked vault never refreshes.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.scheduler.State() != StateUnlocked {
				continue
			}
			r.RefreshIfNeeded(ctx)
		}
	}
}

// RefreshIfNeeded attempts a refresh when the session is old enough and
// the token close enough to expiry. Concurrent callers coalesce into one
// request. Network failures are swallowed by contract.
func (r *Refresher) RefreshIfNeeded(ctx context.Context) {
	sess := r.sessions.Current()
	if sess == nil {
		return
	}

	now := r.now()
	if now.Sub(sess.CreatedAt) <= r.minInterval {
		return
	}
	if sess.ExpiresAt.Sub(now) >= r.safetyWindow {
		return
	}

	// Coalesce: callers arriving while a refresh is in flight wait for
	// that result instead of issuing a duplicate request.
	r.group.Do("token-refresh", func() (interface{}, error) {
		r.refreshOnce(ctx, sess)
		return nil, nil
	})
}

func (r *Refresher) refreshOnce(ctx context.Context, sess *Session) {
	result, err := r.client.Refresh(ctx, sess.Token)
	if err != nil {
		// Silent by contract: the current token stays valid until its
		// own expiry, and the next check retries.
		r.logEvent(sess.UserID, false, "refresh request failed")
		return
	}

	createdAt := result.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now()
	}
	if err = r.sessions.AdoptToken(result.Token, result.ExpiresAt, createdAt); err != nil {
		r.logEvent(sess.UserID, false, "failed to adopt refreshed token")
		return
	}

	r.logEvent(sess.UserID, true, "")
	// Re-arm the idle timer from the new anchor. NotifyActivity only
	// reschedules the lock timer, so this cannot trigger another refresh.
	r.scheduler.NotifyActivity()
}

func (r *Refresher) logEvent(userID string, success bool, detail string) {
	_ = r.auditLog.Log(audit.Event{
		Action:  audit.ActionTokenRefresh,
		UserID:  userID,
		Success: success,
		Detail:  detail,
	})
}
