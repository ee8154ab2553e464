package session

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultRefreshSkew is how far ahead of expiry a refresh counts as due.
const DefaultRefreshSkew = 5 * time.Minute

// IsExpiringSoon reports whether the token behind the session needs a
// refresh. Missing expiry metadata is treated conservatively as "must
// check".
func IsExpiringSoon(expiry, now time.Time, skew time.Duration) bool {
	if expiry.IsZero() {
		return true
	}
	return !now.Before(expiry.Add(-skew))
}

// RefreshScheduler decides whether a token refresh is due from cached expiry
// metadata and drives the refresh call. The refresh credential itself lives
// in an http-only cookie and never enters process memory.
type RefreshScheduler struct {
	backend Backend
	cache   Cache
	skew    time.Duration
	now     func() time.Time
}

// NewRefreshScheduler builds a scheduler over the given backend and cache.
// A non-positive skew falls back to DefaultRefreshSkew.
func NewRefreshScheduler(backend Backend, cache Cache, skew time.Duration) *RefreshScheduler {
	if skew <= 0 {
		skew = DefaultRefreshSkew
	}
	return &RefreshScheduler{
		backend: backend,
		cache:   cache,
		skew:    skew,
		now:     time.Now,
	}
}

// RefreshIfNeeded refreshes the token when the cached expiry says it is due
// and persists the new expiry to both metadata stores. It returns false on
// failure without propagating the error; the caller decides the fallback.
func (s *RefreshScheduler) RefreshIfNeeded(ctx context.Context) bool {
	if !IsExpiringSoon(s.cache.Expiry(), s.now(), s.skew) {
		return true
	}

	expiry, err := s.backend.Refresh(ctx)
	if err != nil {
		log.Warnf("token refresh failed: %v", err)
		return false
	}
	if !expiry.IsZero() {
		if errSet := s.cache.SetExpiry(expiry); errSet != nil {
			log.Errorf("failed to persist refreshed expiry: %v", errSet)
		}
	}
	log.Debugf("token refreshed, new expiry %s", expiry.Format(time.RFC3339))
	return true
}

// Run refreshes proactively ahead of expiry until the context is cancelled.
// It wakes on a fixed interval; RefreshIfNeeded itself decides whether a
// refresh is actually due.
func (s *RefreshScheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RefreshIfNeeded(ctx)
		}
	}
}
