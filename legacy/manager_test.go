package legacy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-authgate/vehicle-link/token"
)

type fakeRefresher struct {
	mu      sync.Mutex
	calls   atomic.Int32
	fail    error
	lifeSec int64
	seen    []string
}

func (f *fakeRefresher) Refresh(ctx context.Context, loginToken, refreshToken string) (token.Token, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	f.seen = append(f.seen, loginToken+"|"+refreshToken)
	fail := f.fail
	f.mu.Unlock()
	if fail != nil {
		return token.Token{}, fail
	}
	return token.Token{
		AccessToken: "access-" + string(rune('0'+n)),
		ExpiresIn:   f.lifeSec,
		CreatedAt:   time.Now(),
	}, nil
}

func (f *fakeRefresher) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func current() token.Token {
	return token.Token{AccessToken: "old", RefreshToken: "r1", ExpiresIn: 3600}
}

func TestGetToken_CachesPerAccount(t *testing.T) {
	ref := &fakeRefresher{lifeSec: 3600}
	m := NewManager(ref, NewMemoryCache())
	defer m.Close()

	first, err := m.GetToken(context.Background(), "bG9naW4=", "alice", "pw", current())
	require.NoError(t, err)
	second, err := m.GetToken(context.Background(), "bG9naW4=", "alice", "pw", current())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), ref.calls.Load())
	// the refresh token is retained when the response omits it
	assert.Equal(t, "r1", first.RefreshToken)
	assert.Equal(t, []string{"bG9naW4=|r1"}, ref.seen)
}

func TestGetToken_PasswordChangeInvalidatesEntry(t *testing.T) {
	ref := &fakeRefresher{lifeSec: 3600}
	cache := NewMemoryCache()
	m := NewManager(ref, cache)
	defer m.Close()

	_, err := m.GetToken(context.Background(), "login", "alice", "pw1", current())
	require.NoError(t, err)
	tok, err := m.GetToken(context.Background(), "login", "alice", "pw2", current())
	require.NoError(t, err)

	assert.Equal(t, int32(2), ref.calls.Load())
	e, ok := cache.Get("alice")
	require.True(t, ok)
	assert.Equal(t, "pw2", e.Password)
	assert.Equal(t, tok, e.Token)
}

func TestGetToken_CompletelyExpiredEntryIsRefreshed(t *testing.T) {
	ref := &fakeRefresher{lifeSec: 3600}
	cache := NewMemoryCache()
	cache.Put("alice", Entry{
		Token:    token.Token{AccessToken: "stale", RefreshToken: "r0", ExpiresIn: 60, CreatedAt: time.Now().Add(-time.Hour)},
		Password: "pw",
	})
	m := NewManager(ref, cache)
	defer m.Close()

	tok, err := m.GetToken(context.Background(), "login", "alice", "pw", current())
	require.NoError(t, err)
	assert.NotEqual(t, "stale", tok.AccessToken)
	assert.Equal(t, int32(1), ref.calls.Load())
}

func TestGetToken_RefreshFailureReleasesLock(t *testing.T) {
	ref := &fakeRefresher{lifeSec: 3600, fail: errors.New("upstream down")}
	cache := NewMemoryCache()
	m := NewManager(ref, cache)
	defer m.Close()

	_, err := m.GetToken(context.Background(), "login", "alice", "pw", current())
	require.Error(t, err)
	assert.Zero(t, cache.Len())

	ref.setFail(nil)
	done := make(chan error, 1)
	go func() {
		_, err := m.GetToken(context.Background(), "login", "alice", "pw", current())
		done <- err
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("GetToken blocked after a failed refresh")
	}
}

func TestGetToken_NoRefreshToken(t *testing.T) {
	m := NewManager(&fakeRefresher{}, nil)
	defer m.Close()

	_, err := m.GetToken(context.Background(), "login", "alice", "pw", token.Token{AccessToken: "x"})
	assert.ErrorIs(t, err, ErrNoRefreshToken)
}

func TestGetToken_SchedulesRenewal(t *testing.T) {
	ref := &fakeRefresher{lifeSec: 1}
	cache := NewMemoryCache()
	// a 1s token renewed 950ms early runs every 50ms
	m := NewManager(ref, cache, WithRenewalLead(950*time.Millisecond))
	defer m.Close()

	_, err := m.GetToken(context.Background(), "login", "alice", "pw", current())
	require.NoError(t, err)
	assert.True(t, m.scheduler.Pending("alice"))

	require.Eventually(t, func() bool { return ref.calls.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)

	e, ok := cache.Get("alice")
	require.True(t, ok)
	assert.NotEqual(t, "access-1", e.Token.AccessToken)
	assert.Equal(t, "r1", e.Token.RefreshToken)
}

func TestGetToken_NoRenewalForShortLifetime(t *testing.T) {
	ref := &fakeRefresher{lifeSec: 60}
	m := NewManager(ref, nil)
	defer m.Close()

	_, err := m.GetToken(context.Background(), "login", "alice", "pw", current())
	require.NoError(t, err)
	assert.False(t, m.scheduler.Pending("alice"))
}

func TestRenewal_StopsAfterFailureByDefault(t *testing.T) {
	ref := &fakeRefresher{lifeSec: 1}
	m := NewManager(ref, nil, WithRenewalLead(950*time.Millisecond))
	defer m.Close()

	_, err := m.GetToken(context.Background(), "login", "alice", "pw", current())
	require.NoError(t, err)
	ref.setFail(errors.New("outage"))

	require.Eventually(t, func() bool { return !m.scheduler.Pending("alice") }, 2*time.Second, 10*time.Millisecond)
	calls := ref.calls.Load()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, calls, ref.calls.Load())
}

func TestRenewal_BackoffSupervisorRetries(t *testing.T) {
	ref := &fakeRefresher{lifeSec: 1}
	m := NewManager(ref, nil,
		WithRenewalLead(950*time.Millisecond),
		WithSupervisor(BackoffSupervisor{Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond, MaxAttempts: 3}),
	)
	defer m.Close()

	_, err := m.GetToken(context.Background(), "login", "alice", "pw", current())
	require.NoError(t, err)
	ref.setFail(errors.New("outage"))

	// one scheduled run plus three retries, then the supervisor gives up
	require.Eventually(t, func() bool { return !m.scheduler.Pending("alice") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(5), ref.calls.Load())
}

func TestInvalidate(t *testing.T) {
	ref := &fakeRefresher{lifeSec: 3600}
	cache := NewMemoryCache()
	m := NewManager(ref, cache)
	defer m.Close()

	_, err := m.GetToken(context.Background(), "login", "alice", "pw", current())
	require.NoError(t, err)
	require.True(t, m.scheduler.Pending("alice"))

	m.Invalidate("alice")
	assert.Zero(t, cache.Len())
	assert.False(t, m.scheduler.Pending("alice"))
}
