// Package cmd wires the session stack together for the CLI entry points.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/tempoplan/tempoplan-cli/internal/api"
	"github.com/tempoplan/tempoplan-cli/internal/authcache"
	"github.com/tempoplan/tempoplan-cli/internal/config"
	"github.com/tempoplan/tempoplan-cli/internal/popup"
	"github.com/tempoplan/tempoplan-cli/internal/session"
	"github.com/tempoplan/tempoplan-cli/internal/watcher"
)

// StartService runs the long-lived session maintenance loop: an initial
// status check, the refresh scheduler, the inactivity monitor and the
// config watcher, until interrupted.
func StartService(cfg *config.Config, configPath string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, cache, refresh, coordinator := buildStack(ctx, cfg)
	defer func() {
		if errClose := cache.Close(); errClose != nil {
			log.Errorf("failed to close auth cache: %v", errClose)
		}
	}()

	if _, err := coordinator.CheckAuthStatus(ctx, session.CheckOptions{FetchProfile: true}); err != nil {
		log.Warnf("initial auth check failed: %v", err)
	}
	state := coordinator.Snapshot()
	if state.IsAuthenticated {
		log.Infof("signed in as %s", state.UserName)
	} else {
		log.Info("not signed in, run with -login to connect your calendar")
	}

	go refresh.Run(ctx, cfg.CheckInterval())

	monitor := session.NewInactivityMonitor(client, refresh, session.MonitorConfig{
		InactivityTimeout: cfg.InactivityTimeout(),
		WarningTime:       cfg.WarningTime(),
		CheckInterval:     cfg.ActivityCheckInterval(),
		OnWarning: func() {
			log.Warnf("session will expire in %s without activity", cfg.WarningTime())
		},
		OnTimeout: func() {
			log.Info("session timed out from inactivity, signing out")
			if err := coordinator.Logout(context.Background()); err != nil {
				log.Errorf("logout after inactivity timeout failed: %v", err)
			}
		},
	})
	go monitor.Run(ctx)

	fileWatcher, errWatcher := watcher.NewWatcher(configPath, cfg.StateDir,
		func(newCfg *config.Config) {
			coordinator.ApplyConfig(newCfg.CheckInterval())
		},
		func() {
			if _, err := coordinator.CheckAuthStatus(ctx, session.CheckOptions{ForceCheck: true}); err != nil {
				log.Debugf("auth re-check after external state change failed: %v", err)
			}
		})
	if errWatcher != nil {
		log.Errorf("failed to create file watcher: %v", errWatcher)
	} else {
		fileWatcher.SetConfig(cfg)
		if errStart := fileWatcher.Start(ctx); errStart != nil {
			log.Errorf("failed to start file watcher: %v", errStart)
		} else {
			defer func() {
				if errStop := fileWatcher.Stop(); errStop != nil {
					log.Errorf("failed to stop file watcher: %v", errStop)
				}
			}()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("shutting down")
}

// buildStack constructs the API client, the persisted cache and the
// coordinator with the interactive flow attached.
func buildStack(ctx context.Context, cfg *config.Config) (*api.Client, *authcache.Cache, *session.RefreshScheduler, *session.Coordinator) {
	client, err := api.NewClient(cfg)
	if err != nil {
		log.Fatalf("failed to create API client: %v", err)
	}

	if errHealth := client.Health(ctx); errHealth != nil {
		log.Warnf("backend health check failed: %v", errHealth)
	}
	if errCSRF := client.InitCSRF(ctx); errCSRF != nil {
		log.Debugf("CSRF bootstrap failed, continuing without a token: %v", errCSRF)
	}

	cache, err := authcache.Open(cfg.StateDir)
	if err != nil {
		log.Fatalf("failed to open auth cache in %s: %v", cfg.StateDir, err)
	}

	refresh := session.NewRefreshScheduler(client, cache, cfg.RefreshSkew())
	coordinator := session.NewCoordinator(client, cache, refresh, cfg.CheckInterval())
	coordinator.SetFlow(popup.NewFlow(client, cfg))
	return client, cache, refresh, coordinator
}
