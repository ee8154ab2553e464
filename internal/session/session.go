// Package session implements the client-side authentication and session
// coordination core: the canonical auth state, the coordinator that owns it,
// the pending-request queue, the token refresh scheduler, and the inactivity
// monitor. All other components talk to the session through the Coordinator;
// none of them mutate its state directly.
package session

import (
	"context"
	"time"
)

// Session is the canonical authentication state. A single instance exists
// per process, owned by the Coordinator and mutated only through its
// operations.
type Session struct {
	// IsAuthenticated is the one boolean every auth signal converges on.
	IsAuthenticated bool `json:"isAuthenticated"`
	// UserName is the display name reported by the backend, cached across
	// restarts.
	UserName string `json:"userName,omitempty"`
	// LastCheckedAt is when the backend last confirmed the session.
	LastCheckedAt time.Time `json:"lastCheckedAt"`
	// CheckInterval is the freshness window inside which a previous check is
	// trusted without another round trip.
	CheckInterval time.Duration `json:"checkInterval"`
	// IsChecking guards against concurrent server checks; at most one is in
	// flight at any time.
	IsChecking bool `json:"isChecking"`
	// ShowingAuthCheck tells the UI whether the in-flight check asked for a
	// visible indicator. Background revalidation stays silent.
	ShowingAuthCheck bool `json:"showingAuthCheck"`
	// LastError is the most recent check failure, empty when healthy.
	LastError string `json:"error,omitempty"`
}

// Status is the backend's answer to an auth status query.
type Status struct {
	IsAuthenticated bool
	UserName        string
	UserEmail       string
	// ExpiryDate is the access token expiry when the backend includes it;
	// zero otherwise.
	ExpiryDate time.Time
}

// TokenUpdate carries tokens handed back by a completed popup flow. They are
// relayed to the backend's set-cookies endpoint and never persisted locally.
type TokenUpdate struct {
	AccessToken  string
	RefreshToken string
	ExpiryDate   time.Time
}

// CheckOptions controls a single CheckAuthStatus invocation.
type CheckOptions struct {
	// FetchProfile updates the cached user name from the server response.
	FetchProfile bool
	// ShowIndicator marks the check as UI-visible via ShowingAuthCheck.
	ShowIndicator bool
	// ForceCheck bypasses the freshness fast path and the optimistic cookie
	// path, always hitting the server.
	ForceCheck bool
}

// Backend is the slice of the HTTP client the session core depends on.
type Backend interface {
	// AuthStatus queries the authoritative auth status endpoint.
	AuthStatus(ctx context.Context) (Status, error)
	// CalendarAuthStatus queries the calendar-scoped status endpoint.
	CalendarAuthStatus(ctx context.Context) (bool, error)
	// Refresh rotates the access token using the ambient refresh credential
	// and returns the new expiry.
	Refresh(ctx context.Context) (time.Time, error)
	// SetCookies relays freshly issued tokens so the backend can store them
	// in http-only cookies.
	SetCookies(ctx context.Context, tokens TokenUpdate) error
	// ClearCookies asks the backend to drop its http-only token cookies.
	ClearCookies(ctx context.Context) error
	// Logout terminates the server-side session.
	Logout(ctx context.Context) error
	// HasSessionCookie reports whether the ambient, non-sensitive session
	// cookie is present. It is a weak presence signal, not proof of a valid
	// session.
	HasSessionCookie() bool
	// ClearSessionCookies drops the ambient cookies from the local jar.
	ClearSessionCookies()
}

// Cache is the persisted auth cache consulted before any network call.
type Cache interface {
	LastCheckedAt() time.Time
	UserName() string
	Expiry() time.Time
	SetAuthenticated(checkedAt time.Time, userName string) error
	SetExpiry(expiry time.Time) error
	Clear() error
}

// Flow initiates an interactive authentication flow and blocks until it
// settles. A nil TokenUpdate on success means the backend already holds the
// tokens and nothing needs relaying.
type Flow interface {
	Initiate(ctx context.Context) (*TokenUpdate, error)
}
