package satchel

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/satchel-vault/satchel/audit"
	"github.com/satchel-vault/satchel/remote"
)

// stubClient lets refresh tests control the server behavior precisely.
type stubClient struct {
	refreshCalls int32
	refreshDelay time.Duration
	refreshErr   error
	result       remote.TokenResult
}

func (s *stubClient) Params(context.Context, string) (*remote.KdfParams, error) {
	return nil, &remote.APIError{StatusCode: 404}
}
func (s *stubClient) Register(context.Context, remote.RegisterRequest) (*remote.AuthResult, error) {
	return nil, &remote.APIError{StatusCode: 400}
}
func (s *stubClient) Login(context.Context, remote.LoginRequest) (*remote.AuthResult, error) {
	return nil, &remote.APIError{StatusCode: 400}
}
func (s *stubClient) GetManifest(context.Context, string) (*remote.ManifestRecord, error) {
	return nil, remote.ErrManifestNotFound
}
func (s *stubClient) PutManifest(context.Context, string, remote.EncryptedManifest, string, int64) (*remote.ManifestRecord, error) {
	return nil, &remote.APIError{StatusCode: 400}
}

func (s *stubClient) Refresh(context.Context, string) (*remote.TokenResult, error) {
	atomic.AddInt32(&s.refreshCalls, 1)
	if s.refreshDelay > 0 {
		time.Sleep(s.refreshDelay)
	}
	if s.refreshErr != nil {
		return nil, s.refreshErr
	}
	result := s.result
	return &result, nil
}

func testRefresher(t *testing.T, client remote.Client, createdAt time.Time, tokenLife time.Duration) (*Refresher, *SessionHandle) {
	t.Helper()

	store := newTestStore(t)
	ks := NewKeyStore()
	sessions := NewSessionHandle(store)
	err := sessions.Set(Session{
		UserID:    "u1",
		Token:     "old-token",
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(tokenLife),
		Kdf:       testKdfParams(t),
	})
	if err != nil {
		t.Fatal(err)
	}

	scheduler := NewLockScheduler(ks, sessions, store, audit.NewNoOpLogger(), 20*time.Minute, 5)
	refresher := NewRefresher(client, sessions, scheduler, audit.NewNoOpLogger(),
		DefaultRefreshCheckInterval, DefaultMinRefreshInterval, DefaultRefreshSafetyWindow)
	return refresher, sessions
}

func TestRefreshSkippedWhileSessionYoung(t *testing.T) {
	now := time.Now()
	client := &stubClient{}
	// Session created 30s ago, token expiring soon: still inside the
	// minimum-interval window, so no request goes out.
	r, _ := testRefresher(t, client, now.Add(-30*time.Second), 30*time.Second+2*time.Minute)
	r.now = func() time.Time { return now }

	r.RefreshIfNeeded(context.Background())
	if calls := atomic.LoadInt32(&client.refreshCalls); calls != 0 {
		t.Fatalf("refresh calls = %d, want 0", calls)
	}
}

func TestRefreshSkippedWhileTokenFresh(t *testing.T) {
	now := time.Now()
	client := &stubClient{}
	// Old session but plenty of token life left: outside the safety
	// window, so no request goes out.
	r, _ := testRefresher(t, client, now.Add(-10*time.Minute), 10*time.Minute+time.Hour)
	r.now = func() time.Time { return now }

	r.RefreshIfNeeded(context.Background())
	if calls := atomic.LoadInt32(&client.refreshCalls); calls != 0 {
		t.Fatalf("refresh calls = %d, want 0", calls)
	}
}

func TestRefreshAdoptsTokenAndResetsAnchor(t *testing.T) {
	now := time.Now()
	newExpiry := now.Add(time.Hour)
	client := &stubClient{result: remote.TokenResult{Token: "new-token", ExpiresAt: newExpiry, CreatedAt: now}}

	// Old session with under five minutes of token life: due.
	r, sessions := testRefresher(t, client, now.Add(-10*time.Minute), 10*time.Minute+2*time.Minute)
	r.now = func() time.Time { return now }

	r.RefreshIfNeeded(context.Background())
	if calls := atomic.LoadInt32(&client.refreshCalls); calls != 1 {
		t.Fatalf("refresh calls = %d, want 1", calls)
	}

	sess := sessions.Current()
	if sess.Token != "new-token" {
		t.Fatalf("token = %q", sess.Token)
	}
	if !sess.ExpiresAt.Equal(newExpiry) {
		t.Fatalf("expiry = %v, want %v", sess.ExpiresAt, newExpiry)
	}
	if !sess.CreatedAt.Equal(now) {
		t.Fatalf("anchor = %v, want reset to %v", sess.CreatedAt, now)
	}
}

func TestRefreshFailureIsSilent(t *testing.T) {
	now := time.Now()
	client := &stubClient{refreshErr: &remote.APIError{StatusCode: 500}}
	r, sessions := testRefresher(t, client, now.Add(-10*time.Minute), 10*time.Minute+2*time.Minute)
	r.now = func() time.Time { return now }

	before := *sessions.Current()
	r.RefreshIfNeeded(context.Background())

	after := *sessions.Current()
	if after.Token != before.Token || !after.ExpiresAt.Equal(before.ExpiresAt) {
		t.Fatal("failed refresh mutated the session")
	}
}

func TestConcurrentRefreshesCoalesce(t *testing.T) {
	now := time.Now()
	client := &stubClient{
		refreshDelay: 50 * time.Millisecond,
		result:       remote.TokenResult{Token: "new-token", ExpiresAt: now.Add(time.Hour), CreatedAt: now},
	}
	r, _ := testRefresher(t, client, now.Add(-10*time.Minute), 10*time.Minute+2*time.Minute)
	r.now = func() time.Time { return now }

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.RefreshIfNeeded(context.Background())
		}()
	}
	wg.Wait()

	if calls := atomic.LoadInt32(&client.refreshCalls); calls != 1 {
		t.Fatalf("refresh calls = %d, want exactly 1", calls)
	}
}
