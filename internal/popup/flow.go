// Package popup drives the interactive sign-in flow. It opens the hosted
// consent page in the user's browser, runs a local callback server to
// receive the completion signal, and polls the backend in parallel so a
// sign-in that completes without ever reaching the callback is still
// detected.
package popup

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/tempoplan/tempoplan-cli/internal/api"
	"github.com/tempoplan/tempoplan-cli/internal/browser"
	"github.com/tempoplan/tempoplan-cli/internal/config"
	"github.com/tempoplan/tempoplan-cli/internal/session"
)

const (
	// flowCeiling bounds the whole interactive flow. When it elapses one
	// final status check decides the outcome, so a sign-in that finished
	// without a completion signal is still honored.
	flowCeiling = 3 * time.Minute

	pollInitialInterval = 2 * time.Second
	pollMaxInterval     = 5 * time.Second
	pollBackoffFactor   = 1.5
	pollMaxAttempts     = 12
)

// Flow implements session.Flow on top of the browser consent page and the
// local callback server. Only one flow runs at a time; starting a new one
// supersedes and waits out the previous one.
type Flow struct {
	client *api.Client
	cfg    *config.Config

	// Injection points for tests. Production values are set by NewFlow.
	openURL      func(string) error
	browserReady func() bool
	ceiling      time.Duration
	pollInitial  time.Duration
	pollMax      time.Duration
	pollAttempts int

	mu     sync.Mutex
	active *flowSlot
}

// flowSlot tracks one in-flight Initiate call. done is closed once the
// call has fully unwound, including its callback server shutdown, so a
// successor can safely rebind the port.
type flowSlot struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFlow creates a popup flow backed by the given API client.
func NewFlow(client *api.Client, cfg *config.Config) *Flow {
	return &Flow{
		client:       client,
		cfg:          cfg,
		openURL:      browser.OpenURL,
		browserReady: browser.IsAvailable,
		ceiling:      flowCeiling,
		pollInitial:  pollInitialInterval,
		pollMax:      pollMaxInterval,
		pollAttempts: pollMaxAttempts,
	}
}

var _ session.Flow = (*Flow)(nil)

// Initiate opens the consent page and waits for the sign-in to complete.
// It returns the token payload carried by the completion signal, or nil
// when the session was established through cookies alone.
func (f *Flow) Initiate(ctx context.Context) (*session.TokenUpdate, error) {
	runCtx, slot := f.claimSlot(ctx)
	defer f.releaseSlot(slot)

	if f.browserReady != nil && !f.browserReady() {
		return nil, session.NewAuthError(session.ErrPopupBlocked,
			fmt.Errorf("no browser available to open the consent page"))
	}

	authURL, err := f.client.CalendarAuthURL(runCtx)
	if err != nil {
		return nil, err
	}

	state := uuid.NewString()
	authURL = withStateParam(authURL, state)

	srv := newCallbackServer(f.cfg.CallbackPort, state, f.cfg.AllowedOrigins)
	if err = srv.Start(runCtx); err != nil {
		return nil, session.NewAuthError(session.ErrPopupBlocked, err)
	}
	defer func() {
		if stopErr := srv.Stop(context.Background()); stopErr != nil {
			log.Warnf("callback server shutdown: %v", stopErr)
		}
	}()

	log.Debugf("opening consent page on callback port %d", f.cfg.CallbackPort)
	if err = f.openURL(authURL); err != nil {
		return nil, session.NewAuthError(session.ErrPopupBlocked, err)
	}

	pollCtx, stopPoll := context.WithCancel(runCtx)
	defer stopPoll()
	pollDone := make(chan struct{}, 1)
	go f.pollForSession(pollCtx, pollDone)

	ceiling := time.NewTimer(f.ceiling)
	defer ceiling.Stop()

	select {
	case result := <-srv.Result():
		if result.ErrorDetail != "" {
			return nil, session.NewProviderError(result.ErrorDetail)
		}
		if result.Tokens == nil {
			// A token-less completion signal is only trusted once the
			// server itself reports an authenticated session.
			if confirmErr := f.confirmSession(ctx); confirmErr != nil {
				return nil, confirmErr
			}
		}
		return result.Tokens, nil
	case <-pollDone:
		return nil, nil
	case err = <-srv.Err():
		return nil, session.NewAuthError(session.ErrNetworkFailure, err)
	case <-ceiling.C:
		if confirmErr := f.confirmSession(ctx); confirmErr != nil {
			log.Debugf("final status check after deadline: %v", confirmErr)
			return nil, session.NewAuthError(session.ErrAuthTimeout,
				fmt.Errorf("no sign-in completed within %s", f.ceiling))
		}
		return nil, nil
	case <-runCtx.Done():
		return nil, runCtx.Err()
	}
}

// claimSlot supersedes any in-flight flow and registers the new one. It
// cancels the predecessor and waits for it to unwind so the callback
// server port is free before the caller tries to bind it again.
func (f *Flow) claimSlot(ctx context.Context) (context.Context, *flowSlot) {
	f.mu.Lock()
	prev := f.active
	if prev != nil {
		prev.cancel()
	}
	f.mu.Unlock()

	if prev != nil {
		select {
		case <-prev.done:
		case <-time.After(2 * time.Second):
			log.Warn("previous auth flow did not shut down in time")
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	slot := &flowSlot{cancel: cancel, done: make(chan struct{})}
	f.mu.Lock()
	f.active = slot
	f.mu.Unlock()
	return runCtx, slot
}

// releaseSlot marks the flow finished. It only clears the active claim if
// it still belongs to this slot, so a finished flow never tears down a
// successor that already took over.
func (f *Flow) releaseSlot(slot *flowSlot) {
	slot.cancel()
	f.mu.Lock()
	if f.active == slot {
		f.active = nil
	}
	f.mu.Unlock()
	close(slot.done)
}

// pollForSession watches for the session to appear while the consent page
// is open. A session cookie landing in the jar short-circuits the poll;
// otherwise each attempt asks the backend directly, backing off between
// attempts. Exhausting the attempts is not an error, the ceiling timer
// owns the final verdict.
func (f *Flow) pollForSession(ctx context.Context, pollDone chan<- struct{}) {
	interval := f.pollInitial
	for attempt := 1; attempt <= f.pollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if f.client.HasSessionCookie() {
			log.Debug("session cookie detected during sign-in poll")
			pollDone <- struct{}{}
			return
		}

		authenticated, err := f.client.CalendarAuthStatus(ctx)
		if err == nil && authenticated {
			log.Debugf("sign-in confirmed after %d poll attempts", attempt)
			pollDone <- struct{}{}
			return
		}
		if err != nil {
			log.Debugf("sign-in poll attempt %d: %v", attempt, err)
		}

		interval = time.Duration(float64(interval) * pollBackoffFactor)
		if interval > f.pollMax {
			interval = f.pollMax
		}
	}
}

// confirmSession asks the backend whether a session actually exists. It is
// the authority for completion signals that carry no tokens.
func (f *Flow) confirmSession(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	status, err := f.client.AuthStatus(checkCtx)
	if err != nil {
		return session.NewAuthError(session.ErrNetworkFailure, err)
	}
	if !status.IsAuthenticated {
		return session.NewAuthError(session.ErrInconsistent,
			fmt.Errorf("completion signal arrived but the server reports no session"))
	}
	return nil
}

// withStateParam appends the flow's state to the consent URL so the
// redirect variant of the completion signal can echo it back.
func withStateParam(rawURL, state string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String()
}
