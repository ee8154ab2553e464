package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempoplan/tempoplan-cli/internal/config"
)

func TestConfigReloadOnContentChange(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("check-interval-ms: 5000\n"), 0o644))

	var reloads int32
	var lastInterval atomic.Int64
	w, err := NewWatcher(configPath, "", func(cfg *config.Config) {
		atomic.AddInt32(&reloads, 1)
		lastInterval.Store(int64(cfg.CheckInterval()))
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(configPath, []byte("check-interval-ms: 10000\n"), 0o644))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&reloads) >= 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(10*time.Second), lastInterval.Load())
}

func TestConfigReloadSkippedWhenContentUnchanged(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := []byte("check-interval-ms: 5000\n")
	require.NoError(t, os.WriteFile(configPath, content, 0o644))

	var reloads int32
	w, err := NewWatcher(configPath, "", func(cfg *config.Config) {
		atomic.AddInt32(&reloads, 1)
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	// First write establishes the hash, identical rewrites are skipped.
	require.NoError(t, os.WriteFile(configPath, content, 0o644))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&reloads) == 1
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(configPath, content, 0o644))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&reloads))
}

func TestAuthStateChangeSignal(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("debug: false\n"), 0o644))

	var signals int32
	w, err := NewWatcher(configPath, dir, nil, func() {
		atomic.AddInt32(&signals, 1)
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	statePath := filepath.Join(dir, "auth_state.json")
	require.NoError(t, os.WriteFile(statePath, []byte(`{"auth_user":"Ada"}`), 0o600))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&signals) >= 1
	}, 3*time.Second, 20*time.Millisecond)

	// Unrelated files in the state dir are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0o600))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&signals))
}
