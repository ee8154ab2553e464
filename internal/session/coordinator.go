package session

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// defaultUserName unblocks the UI during optimistic authentication when no
// cached profile name exists yet.
const defaultUserName = "User"

// backgroundCheckTimeout bounds the server confirmation that runs behind an
// optimistic cookie-path result.
const backgroundCheckTimeout = 30 * time.Second

// Coordinator is the central auth state machine. It owns the canonical
// Session record, deduplicates concurrent checks, and orchestrates the
// cache, the refresh scheduler, the pending-request queue, and the popup
// flow. It is the only component the UI and the HTTP client talk to.
type Coordinator struct {
	backend Backend
	cache   Cache
	refresh *RefreshScheduler
	queue   *PendingRequestQueue
	flow    Flow
	now     func() time.Time

	mu    sync.Mutex
	state Session
	// lastFlowAt rate-limits popup launches during auth-required storms.
	lastFlowAt time.Time
	flowActive bool
}

// NewCoordinator builds the coordinator. The initial state is seeded from
// the persisted cache and the ambient cookie so a reload does not flash the
// signed-out UI while the first check runs.
func NewCoordinator(backend Backend, cache Cache, refresh *RefreshScheduler, checkInterval time.Duration) *Coordinator {
	if checkInterval <= 0 {
		checkInterval = 5 * time.Second
	}
	c := &Coordinator{
		backend: backend,
		cache:   cache,
		refresh: refresh,
		queue:   NewPendingRequestQueue(),
		now:     time.Now,
	}
	c.state = Session{
		IsAuthenticated: backend.HasSessionCookie(),
		UserName:        cache.UserName(),
		LastCheckedAt:   cache.LastCheckedAt(),
		CheckInterval:   checkInterval,
	}
	return c
}

// SetFlow attaches the interactive authentication flow. Without one the
// coordinator still checks and refreshes but cannot start a new consent.
func (c *Coordinator) SetFlow(flow Flow) {
	c.mu.Lock()
	c.flow = flow
	c.mu.Unlock()
}

// Snapshot returns a copy of the current session state.
func (c *Coordinator) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Queue exposes the pending-request queue for callers that buffer blocked
// requests themselves.
func (c *Coordinator) Queue() *PendingRequestQueue {
	return c.queue
}

// ApplyConfig updates the hot-reloadable check interval.
func (c *Coordinator) ApplyConfig(checkInterval time.Duration) {
	if checkInterval <= 0 {
		return
	}
	c.mu.Lock()
	c.state.CheckInterval = checkInterval
	c.mu.Unlock()
}

// CheckAuthStatus reconciles the cached state, the ambient cookie, and the
// server into the canonical IsAuthenticated flag. It is idempotent and safe
// to call from any number of call sites: when an equivalent check is already
// running the current state is returned immediately and no duplicate network
// call is made.
func (c *Coordinator) CheckAuthStatus(ctx context.Context, opts CheckOptions) (bool, error) {
	c.mu.Lock()
	if c.state.IsChecking {
		authenticated := c.state.IsAuthenticated
		c.mu.Unlock()
		return authenticated, nil
	}

	now := c.now()
	cookiePresent := c.backend.HasSessionCookie()

	// Fast path: a fresh previous check plus the cookie is trusted as-is.
	if !opts.ForceCheck && cookiePresent && now.Sub(c.cache.LastCheckedAt()) < c.state.CheckInterval {
		authenticated := c.state.IsAuthenticated
		c.mu.Unlock()
		return authenticated, nil
	}

	c.state.IsChecking = true
	c.state.ShowingAuthCheck = opts.ShowIndicator

	// Optimistic cookie path: unblock the caller immediately and confirm
	// with the server in the background.
	if !opts.ForceCheck && cookiePresent {
		name := c.cache.UserName()
		if name == "" {
			name = defaultUserName
		}
		c.state.IsAuthenticated = true
		c.state.UserName = name
		c.mu.Unlock()

		go func() {
			bgCtx, cancel := context.WithTimeout(context.Background(), backgroundCheckTimeout)
			defer cancel()
			defer c.finishCheck()
			if err := c.runServerCheck(bgCtx, opts, true); err != nil {
				log.Errorf("background auth confirmation failed: %v", err)
			}
		}()
		return true, nil
	}
	c.mu.Unlock()

	defer c.finishCheck()
	err := c.runServerCheck(ctx, opts, false)

	c.mu.Lock()
	authenticated := c.state.IsAuthenticated
	c.mu.Unlock()
	return authenticated, err
}

// finishCheck resets the checking flags. It runs on every exit path of a
// check, including errors.
func (c *Coordinator) finishCheck() {
	c.mu.Lock()
	c.state.IsChecking = false
	c.state.ShowingAuthCheck = false
	c.mu.Unlock()
}

// runServerCheck performs the authoritative status call, the refresh
// fallback, and the cookie-disagreement reconciliation. With optimistic set,
// a network failure degrades to the weaker signals already applied instead
// of flipping the user to signed-out.
func (c *Coordinator) runServerCheck(ctx context.Context, opts CheckOptions, optimistic bool) error {
	status, err := c.backend.AuthStatus(ctx)
	if err != nil {
		log.Debugf("auth status check failed, attempting refresh fallback: %v", err)
		if c.refresh != nil && c.refresh.RefreshIfNeeded(ctx) {
			status, err = c.backend.AuthStatus(ctx)
		}
	}
	if err != nil {
		wrapped := NewAuthError(ErrNetworkFailure, err)
		if optimistic {
			// Cookie and cached state carry the session through the blip.
			c.setError(wrapped)
			return nil
		}
		c.setUnauthenticated(wrapped)
		return wrapped
	}

	if status.IsAuthenticated {
		c.setAuthenticated(status, opts)
		return nil
	}

	// The server said no while the cookie says yes: confirm exactly once
	// more before trusting the negative answer, guarding against a
	// transient false negative. If they still disagree the server wins and
	// the local state is corrected.
	if c.backend.HasSessionCookie() {
		second, errSecond := c.backend.AuthStatus(ctx)
		if errSecond == nil && second.IsAuthenticated {
			c.setAuthenticated(second, opts)
			return nil
		}
		log.Warn("session cookie present but server denies the session; trusting the server")
		c.backend.ClearSessionCookies()
		c.setUnauthenticated(ErrInconsistent)
		return nil
	}

	c.setUnauthenticated(nil)
	return nil
}

// setAuthenticated persists the confirmation and flips the state. A
// transition into Authenticated drains the pending queue exactly once,
// strictly after the flip.
func (c *Coordinator) setAuthenticated(status Status, opts CheckOptions) {
	now := c.now()

	name := c.cache.UserName()
	if opts.FetchProfile && status.UserName != "" {
		name = status.UserName
	}
	if name == "" {
		name = defaultUserName
	}

	if err := c.cache.SetAuthenticated(now, name); err != nil {
		log.Errorf("failed to persist auth confirmation: %v", err)
	}
	if !status.ExpiryDate.IsZero() {
		if err := c.cache.SetExpiry(status.ExpiryDate); err != nil {
			log.Errorf("failed to persist token expiry: %v", err)
		}
	}

	c.mu.Lock()
	c.state.IsAuthenticated = true
	c.state.UserName = name
	c.state.LastCheckedAt = now
	c.state.LastError = ""
	c.mu.Unlock()

	c.drainPending()
}

// setUnauthenticated clears the persisted cache and flips the state; cause
// is recorded for the UI when present.
func (c *Coordinator) setUnauthenticated(cause error) {
	if err := c.cache.Clear(); err != nil {
		log.Errorf("failed to clear auth cache: %v", err)
	}

	c.mu.Lock()
	c.state.IsAuthenticated = false
	c.state.UserName = ""
	c.state.LastCheckedAt = c.now()
	if cause != nil {
		c.state.LastError = cause.Error()
	} else {
		c.state.LastError = ""
	}
	c.mu.Unlock()
}

func (c *Coordinator) setError(cause error) {
	c.mu.Lock()
	c.state.LastError = cause.Error()
	c.mu.Unlock()
}

// drainPending replays blocked requests after a confirmed transition into
// Authenticated. The queue snapshot-and-clear makes a second concurrent
// invocation a no-op.
func (c *Coordinator) drainPending() {
	if c.queue.Len() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), backgroundCheckTimeout)
	defer cancel()
	c.queue.DrainAndReplay(ctx)
}

// HandleTokenUpdate records new expiry metadata and marks the session
// authenticated. It is called only after a successful popup or refresh; when
// tokens are present they are relayed to the backend so all sensitive
// credentials stay in http-only cookies.
func (c *Coordinator) HandleTokenUpdate(ctx context.Context, tokens *TokenUpdate) error {
	if tokens != nil && tokens.AccessToken != "" {
		if err := c.backend.SetCookies(ctx, *tokens); err != nil {
			return NewAuthError(ErrNetworkFailure, err)
		}
	}
	status := Status{IsAuthenticated: true}
	if tokens != nil {
		status.ExpiryDate = tokens.ExpiryDate
	}
	c.setAuthenticated(status, CheckOptions{})
	return nil
}

// RequireAuth buffers a request blocked on authentication and, rate-limited
// by the check interval, starts the interactive flow in the background. The
// replay runs after the next confirmed transition into Authenticated.
func (c *Coordinator) RequireAuth(ctx context.Context, key string, replay PendingRequest) {
	c.queue.Enqueue(key, replay)

	c.mu.Lock()
	if c.flow == nil || c.flowActive || c.now().Sub(c.lastFlowAt) < c.state.CheckInterval {
		c.mu.Unlock()
		return
	}
	c.lastFlowAt = c.now()
	c.flowActive = true
	flow := c.flow
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.flowActive = false
			c.mu.Unlock()
		}()
		tokens, err := flow.Initiate(ctx)
		if err != nil {
			log.Errorf("authentication flow failed: %v", err)
			c.setError(err)
			return
		}
		if errUpdate := c.HandleTokenUpdate(ctx, tokens); errUpdate != nil {
			log.Errorf("failed to record tokens after authentication: %v", errUpdate)
		}
	}()
}

// Authenticate runs the interactive flow to completion and records the
// result. Used by explicit "connect your calendar" actions.
func (c *Coordinator) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	flow := c.flow
	c.mu.Unlock()
	if flow == nil {
		return NewAuthError(ErrAuthRequired, nil)
	}

	tokens, err := flow.Initiate(ctx)
	if err != nil {
		c.setError(err)
		return err
	}
	return c.HandleTokenUpdate(ctx, tokens)
}

// Logout clears all persisted auth artifacts and terminates the server-side
// session. Local state is cleared even when the network calls fail, so a
// server-side failure never leaves the client half signed-in. Safe to call
// when already unauthenticated.
func (c *Coordinator) Logout(ctx context.Context) error {
	c.queue.Clear()
	if err := c.cache.Clear(); err != nil {
		log.Errorf("failed to clear auth cache on logout: %v", err)
	}
	c.backend.ClearSessionCookies()

	c.mu.Lock()
	c.state.IsAuthenticated = false
	c.state.UserName = ""
	c.state.LastError = ""
	c.mu.Unlock()

	var firstErr error
	if err := c.backend.Logout(ctx); err != nil {
		log.Errorf("server logout failed: %v", err)
		firstErr = NewAuthError(ErrNetworkFailure, err)
	}
	if err := c.backend.ClearCookies(ctx); err != nil {
		log.Errorf("clearing server cookies failed: %v", err)
		if firstErr == nil {
			firstErr = NewAuthError(ErrNetworkFailure, err)
		}
	}
	return firstErr
}
