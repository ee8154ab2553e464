package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsExpiringSoon(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	skew := 5 * time.Minute

	assert.True(t, IsExpiringSoon(time.Time{}, now, skew), "missing expiry must force a check")
	assert.True(t, IsExpiringSoon(now.Add(-time.Minute), now, skew), "already expired")
	assert.True(t, IsExpiringSoon(now.Add(3*time.Minute), now, skew), "inside the skew window")
	assert.True(t, IsExpiringSoon(now.Add(skew), now, skew), "exactly at the window edge")
	assert.False(t, IsExpiringSoon(now.Add(time.Hour), now, skew))
}

func TestRefreshIfNeededSkipsFreshToken(t *testing.T) {
	backend := &fakeBackend{}
	cache := &fakeCache{expiry: time.Now().Add(time.Hour)}
	s := NewRefreshScheduler(backend, cache, DefaultRefreshSkew)

	assert.True(t, s.RefreshIfNeeded(context.Background()))
	assert.Equal(t, 0, backend.refreshCalls)
}

func TestRefreshIfNeededRefreshesAndPersists(t *testing.T) {
	newExpiry := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	backend := &fakeBackend{refreshExpiry: newExpiry}
	cache := &fakeCache{expiry: time.Now().Add(time.Minute)}
	s := NewRefreshScheduler(backend, cache, DefaultRefreshSkew)

	assert.True(t, s.RefreshIfNeeded(context.Background()))
	assert.Equal(t, 1, backend.refreshCalls)
	assert.True(t, cache.Expiry().Equal(newExpiry))
}

func TestRefreshIfNeededReportsFailure(t *testing.T) {
	backend := &fakeBackend{refreshErr: errors.New("refresh token revoked")}
	cache := &fakeCache{}
	s := NewRefreshScheduler(backend, cache, DefaultRefreshSkew)

	assert.False(t, s.RefreshIfNeeded(context.Background()))
	assert.Equal(t, 1, backend.refreshCalls)
	assert.True(t, cache.Expiry().IsZero(), "a failed refresh must not fabricate an expiry")
}
