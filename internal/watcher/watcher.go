// Package watcher monitors the configuration file and the persisted auth
// state for external changes, hot-reloading settings and signalling auth
// changes made by other processes sharing the same state directory.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/tempoplan/tempoplan-cli/internal/config"
)

// Watcher manages file watching for the config file and the auth state dir.
type Watcher struct {
	configPath string
	stateDir   string

	mu             sync.RWMutex
	config         *config.Config
	lastConfigHash string
	lastAuthHash   string

	reloadCallback     func(*config.Config)
	authChangeCallback func()

	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher. reloadCallback fires with the freshly
// parsed config after a real content change; authChangeCallback fires when
// another process rewrites the persisted auth state.
func NewWatcher(configPath, stateDir string, reloadCallback func(*config.Config), authChangeCallback func()) (*Watcher, error) {
	fsWatcher, errNewWatcher := fsnotify.NewWatcher()
	if errNewWatcher != nil {
		return nil, errNewWatcher
	}

	return &Watcher{
		configPath:         configPath,
		stateDir:           stateDir,
		reloadCallback:     reloadCallback,
		authChangeCallback: authChangeCallback,
		watcher:            fsWatcher,
	}, nil
}

// SetConfig records the currently active configuration.
func (w *Watcher) SetConfig(cfg *config.Config) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.config = cfg
}

// Start begins watching and spawns the event loop.
func (w *Watcher) Start(ctx context.Context) error {
	if errAddConfig := w.watcher.Add(w.configPath); errAddConfig != nil {
		log.Errorf("failed to watch config file %s: %v", w.configPath, errAddConfig)
		return errAddConfig
	}
	log.Debugf("watching config file: %s", w.configPath)

	if w.stateDir != "" {
		if errAddState := w.watcher.Add(w.stateDir); errAddState != nil {
			log.Debugf("not watching state dir %s: %v", w.stateDir, errAddState)
		} else {
			log.Debugf("watching state dir: %s", w.stateDir)
		}
	}

	go w.processEvents(ctx)
	return nil
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", errWatch)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	written := event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create
	if !written {
		return
	}

	switch {
	case event.Name == w.configPath:
		w.handleConfigChange()
	case filepath.Base(event.Name) == "auth_state.json":
		w.handleAuthStateChange(event.Name)
	}
}

// handleConfigChange reloads the config when its content actually changed.
// Editors fire several events per save, so changes are deduplicated by
// content hash.
func (w *Watcher) handleConfigChange() {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.Errorf("failed to read config file for hash check: %v", err)
		return
	}
	if len(data) == 0 {
		log.Debugf("ignoring empty config file write event")
		return
	}
	newHash := hashContent(data)

	w.mu.RLock()
	currentHash := w.lastConfigHash
	w.mu.RUnlock()
	if currentHash != "" && currentHash == newHash {
		log.Debugf("config file content unchanged, skipping reload")
		return
	}

	newConfig, errLoad := config.LoadConfig(w.configPath)
	if errLoad != nil {
		log.Errorf("failed to reload config: %v", errLoad)
		return
	}
	log.Infof("config file changed, reloading: %s", w.configPath)

	w.mu.Lock()
	oldConfig := w.config
	w.config = newConfig
	w.lastConfigHash = newHash
	w.mu.Unlock()

	if oldConfig != nil && oldConfig.Debug != newConfig.Debug {
		if newConfig.Debug {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.InfoLevel)
		}
		log.Debugf("debug mode changed from %t to %t", oldConfig.Debug, newConfig.Debug)
	}

	if w.reloadCallback != nil {
		w.reloadCallback(newConfig)
	}
}

// handleAuthStateChange signals that another process touched the persisted
// auth state, deduplicated by content hash like config changes.
func (w *Watcher) handleAuthStateChange(path string) {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return
	}
	newHash := hashContent(data)

	w.mu.Lock()
	changed := w.lastAuthHash != newHash
	w.lastAuthHash = newHash
	w.mu.Unlock()
	if !changed {
		return
	}

	log.Debugf("persisted auth state changed externally: %s", path)
	if w.authChangeCallback != nil {
		w.authChangeCallback()
	}
}

func hashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
