package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusReply struct {
	status Status
	err    error
}

// fakeBackend scripts AuthStatus answers: replies are consumed in order and
// the last one repeats. statusEntered and statusGate let tests observe and
// hold an in-flight call.
type fakeBackend struct {
	mu            sync.Mutex
	replies       []statusReply
	statusCalls   int
	statusEntered chan struct{}
	statusGate    chan struct{}

	hasCookie      bool
	sessionCleared bool

	calendarAuthenticated bool

	refreshExpiry time.Time
	refreshErr    error
	refreshCalls  int

	setCookiesCalls   int
	lastTokens        TokenUpdate
	clearCookiesCalls int
	clearCookiesErr   error
	logoutCalls       int
	logoutErr         error
}

func (b *fakeBackend) AuthStatus(ctx context.Context) (Status, error) {
	b.mu.Lock()
	b.statusCalls++
	var reply statusReply
	if len(b.replies) > 0 {
		reply = b.replies[0]
		if len(b.replies) > 1 {
			b.replies = b.replies[1:]
		}
	}
	entered := b.statusEntered
	gate := b.statusGate
	b.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	return reply.status, reply.err
}

func (b *fakeBackend) CalendarAuthStatus(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calendarAuthenticated, nil
}

func (b *fakeBackend) Refresh(ctx context.Context) (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshCalls++
	return b.refreshExpiry, b.refreshErr
}

func (b *fakeBackend) SetCookies(ctx context.Context, tokens TokenUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setCookiesCalls++
	b.lastTokens = tokens
	return nil
}

func (b *fakeBackend) ClearCookies(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearCookiesCalls++
	return b.clearCookiesErr
}

func (b *fakeBackend) Logout(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logoutCalls++
	return b.logoutErr
}

func (b *fakeBackend) HasSessionCookie() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hasCookie
}

func (b *fakeBackend) ClearSessionCookies() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hasCookie = false
	b.sessionCleared = true
}

func (b *fakeBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusCalls
}

type fakeCache struct {
	mu            sync.Mutex
	lastCheckedAt time.Time
	userName      string
	expiry        time.Time
	clearCalls    int
}

func (c *fakeCache) LastCheckedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCheckedAt
}

func (c *fakeCache) UserName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userName
}

func (c *fakeCache) Expiry() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expiry
}

func (c *fakeCache) SetAuthenticated(checkedAt time.Time, userName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastCheckedAt = checkedAt
	c.userName = userName
	return nil
}

func (c *fakeCache) SetExpiry(expiry time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expiry = expiry
	return nil
}

func (c *fakeCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastCheckedAt = time.Time{}
	c.userName = ""
	c.expiry = time.Time{}
	c.clearCalls++
	return nil
}

type fakeFlow struct {
	mu     sync.Mutex
	calls  int
	tokens *TokenUpdate
	err    error
}

func (f *fakeFlow) Initiate(ctx context.Context) (*TokenUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.tokens, f.err
}

func (f *fakeFlow) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestCheckAuthStatusDeduplicatesConcurrentChecks(t *testing.T) {
	backend := &fakeBackend{
		replies:       []statusReply{{status: Status{IsAuthenticated: true, UserName: "Ada"}}},
		statusEntered: make(chan struct{}, 1),
		statusGate:    make(chan struct{}),
	}
	c := NewCoordinator(backend, &fakeCache{}, nil, time.Second)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.CheckAuthStatus(context.Background(), CheckOptions{ForceCheck: true})
	}()
	<-backend.statusEntered

	// A second check while the first is in flight returns without another
	// network call.
	authenticated, err := c.CheckAuthStatus(context.Background(), CheckOptions{})
	require.NoError(t, err)
	assert.False(t, authenticated)

	close(backend.statusGate)
	<-done

	assert.Equal(t, 1, backend.calls())
	assert.True(t, c.Snapshot().IsAuthenticated)
}

func TestCheckAuthStatusFreshCacheShortCircuits(t *testing.T) {
	backend := &fakeBackend{hasCookie: true}
	cache := &fakeCache{lastCheckedAt: time.Now(), userName: "Ada"}
	c := NewCoordinator(backend, cache, nil, time.Minute)

	authenticated, err := c.CheckAuthStatus(context.Background(), CheckOptions{})
	require.NoError(t, err)
	assert.True(t, authenticated)
	assert.Equal(t, 0, backend.calls())
	assert.Equal(t, "Ada", c.Snapshot().UserName)
}

func TestCheckAuthStatusOptimisticCookiePath(t *testing.T) {
	backend := &fakeBackend{
		hasCookie:  true,
		replies:    []statusReply{{status: Status{IsAuthenticated: true, UserName: "Ada"}}},
		statusGate: make(chan struct{}),
	}
	cache := &fakeCache{}
	c := NewCoordinator(backend, cache, nil, time.Second)

	authenticated, err := c.CheckAuthStatus(context.Background(), CheckOptions{FetchProfile: true})
	require.NoError(t, err)
	assert.True(t, authenticated, "cookie path should unblock immediately")
	assert.Equal(t, "User", c.Snapshot().UserName, "placeholder name until the server answers")
	close(backend.statusGate)

	require.Eventually(t, func() bool {
		state := c.Snapshot()
		return !state.IsChecking && state.UserName == "Ada"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, backend.calls())
	assert.Equal(t, "Ada", cache.UserName())
}

func TestCheckAuthStatusUnauthenticatedWithoutCookie(t *testing.T) {
	backend := &fakeBackend{}
	cache := &fakeCache{userName: "Ada", lastCheckedAt: time.Now()}
	c := NewCoordinator(backend, cache, nil, time.Second)

	authenticated, err := c.CheckAuthStatus(context.Background(), CheckOptions{})
	require.NoError(t, err)
	assert.False(t, authenticated)
	assert.Equal(t, 1, backend.calls())
	assert.Equal(t, 1, cache.clearCalls)
	assert.Empty(t, c.Snapshot().UserName)
}

func TestCheckAuthStatusReconfirmsBeforeTrustingDenial(t *testing.T) {
	backend := &fakeBackend{
		hasCookie: true,
		replies: []statusReply{
			{status: Status{IsAuthenticated: false}},
			{status: Status{IsAuthenticated: true, UserName: "Ada"}},
		},
	}
	c := NewCoordinator(backend, &fakeCache{}, nil, time.Second)

	authenticated, err := c.CheckAuthStatus(context.Background(), CheckOptions{ForceCheck: true, FetchProfile: true})
	require.NoError(t, err)
	assert.True(t, authenticated, "a transient false negative must not sign the user out")
	assert.Equal(t, 2, backend.calls())
	assert.False(t, backend.sessionCleared)
}

func TestCheckAuthStatusServerWinsOverStaleCookie(t *testing.T) {
	backend := &fakeBackend{
		hasCookie: true,
		replies:   []statusReply{{status: Status{IsAuthenticated: false}}},
	}
	cache := &fakeCache{userName: "Ada"}
	c := NewCoordinator(backend, cache, nil, time.Second)

	authenticated, err := c.CheckAuthStatus(context.Background(), CheckOptions{ForceCheck: true})
	require.NoError(t, err)
	assert.False(t, authenticated)
	assert.Equal(t, 2, backend.calls(), "one confirmation retry before trusting the denial")
	assert.True(t, backend.sessionCleared, "stale cookie must be dropped")
	assert.Equal(t, 1, cache.clearCalls)
	assert.Contains(t, c.Snapshot().LastError, "inconsistent_auth_state")
}

func TestCheckAuthStatusNetworkFailure(t *testing.T) {
	backend := &fakeBackend{
		replies:    []statusReply{{err: errors.New("connection refused")}},
		refreshErr: errors.New("connection refused"),
	}
	cache := &fakeCache{}
	refresh := NewRefreshScheduler(backend, cache, DefaultRefreshSkew)
	c := NewCoordinator(backend, cache, refresh, time.Second)

	authenticated, err := c.CheckAuthStatus(context.Background(), CheckOptions{ForceCheck: true})
	assert.False(t, authenticated)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNetworkFailure))
}

func TestCheckAuthStatusRefreshFallbackRecovers(t *testing.T) {
	backend := &fakeBackend{
		replies: []statusReply{
			{err: errors.New("401 unauthorized")},
			{status: Status{IsAuthenticated: true, UserName: "Ada"}},
		},
		refreshExpiry: time.Now().Add(time.Hour),
	}
	cache := &fakeCache{}
	refresh := NewRefreshScheduler(backend, cache, DefaultRefreshSkew)
	c := NewCoordinator(backend, cache, refresh, time.Second)

	authenticated, err := c.CheckAuthStatus(context.Background(), CheckOptions{ForceCheck: true})
	require.NoError(t, err)
	assert.True(t, authenticated)
	assert.Equal(t, 1, backend.refreshCalls)
	assert.Equal(t, 2, backend.calls())
}

func TestHandleTokenUpdateRelaysTokens(t *testing.T) {
	backend := &fakeBackend{}
	cache := &fakeCache{}
	c := NewCoordinator(backend, cache, nil, time.Second)

	expiry := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	err := c.HandleTokenUpdate(context.Background(), &TokenUpdate{
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiryDate:   expiry,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, backend.setCookiesCalls)
	assert.Equal(t, "at", backend.lastTokens.AccessToken)
	assert.True(t, c.Snapshot().IsAuthenticated)
	assert.True(t, cache.Expiry().Equal(expiry))
}

func TestHandleTokenUpdateWithoutTokens(t *testing.T) {
	backend := &fakeBackend{}
	c := NewCoordinator(backend, &fakeCache{}, nil, time.Second)

	require.NoError(t, c.HandleTokenUpdate(context.Background(), nil))
	assert.Equal(t, 0, backend.setCookiesCalls)
	assert.True(t, c.Snapshot().IsAuthenticated)
}

func TestRequireAuthQueuesAndRunsFlowOnce(t *testing.T) {
	backend := &fakeBackend{}
	flow := &fakeFlow{}
	c := NewCoordinator(backend, &fakeCache{}, nil, time.Hour)
	c.SetFlow(flow)

	var mu sync.Mutex
	replayed := map[string]int{}
	replay := func(key string) PendingRequest {
		return func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			replayed[key]++
			return nil
		}
	}

	c.Queue().Enqueue("POST /events", replay("POST /events"))
	c.Queue().Enqueue("GET /profile", replay("GET /profile"))
	c.RequireAuth(context.Background(), "GET /events", replay("GET /events"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return replayed["GET /events"] == 1 && replayed["POST /events"] == 1 && replayed["GET /profile"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, flow.callCount(), "flow launches are rate limited")
	assert.True(t, c.Snapshot().IsAuthenticated)
	assert.Equal(t, 0, c.Queue().Len())
}

func TestRequireAuthFlowFailureKeepsQueue(t *testing.T) {
	flow := &fakeFlow{err: NewAuthError(ErrAuthTimeout, nil)}
	c := NewCoordinator(&fakeBackend{}, &fakeCache{}, nil, time.Hour)
	c.SetFlow(flow)

	c.RequireAuth(context.Background(), "GET /events", func(ctx context.Context) error { return nil })

	require.Eventually(t, func() bool {
		return c.Snapshot().LastError != ""
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, c.Queue().Len(), "blocked requests wait for the next confirmed sign-in")
	assert.False(t, c.Snapshot().IsAuthenticated)
}

func TestAuthenticateWithoutFlow(t *testing.T) {
	c := NewCoordinator(&fakeBackend{}, &fakeCache{}, nil, time.Second)
	err := c.Authenticate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthRequired))
}

func TestLogoutClearsLocalStateDespiteServerFailure(t *testing.T) {
	backend := &fakeBackend{
		hasCookie: true,
		logoutErr: errors.New("503 service unavailable"),
	}
	cache := &fakeCache{userName: "Ada", lastCheckedAt: time.Now()}
	c := NewCoordinator(backend, cache, nil, time.Second)
	c.Queue().Enqueue("GET /events", func(ctx context.Context) error { return nil })

	err := c.Logout(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNetworkFailure))

	state := c.Snapshot()
	assert.False(t, state.IsAuthenticated)
	assert.Empty(t, state.UserName)
	assert.Equal(t, 1, cache.clearCalls)
	assert.Equal(t, 0, c.Queue().Len())
	assert.True(t, backend.sessionCleared)
}

func TestLogoutIsIdempotent(t *testing.T) {
	backend := &fakeBackend{}
	c := NewCoordinator(backend, &fakeCache{}, nil, time.Second)

	require.NoError(t, c.Logout(context.Background()))
	require.NoError(t, c.Logout(context.Background()))
	assert.Equal(t, 2, backend.logoutCalls)
	assert.False(t, c.Snapshot().IsAuthenticated)
}

func TestApplyConfigUpdatesCheckInterval(t *testing.T) {
	c := NewCoordinator(&fakeBackend{}, &fakeCache{}, nil, time.Second)

	c.ApplyConfig(10 * time.Second)
	assert.Equal(t, 10*time.Second, c.Snapshot().CheckInterval)

	c.ApplyConfig(0)
	assert.Equal(t, 10*time.Second, c.Snapshot().CheckInterval, "non-positive intervals are ignored")
}
