package cmd

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tempoplan/tempoplan-cli/internal/config"
	"github.com/tempoplan/tempoplan-cli/internal/session"
)

// DoLogin runs the interactive browser sign-in and prints the resulting
// session state.
func DoLogin(cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	_, cache, _, coordinator := buildStack(ctx, cfg)
	defer func() {
		if errClose := cache.Close(); errClose != nil {
			log.Errorf("failed to close auth cache: %v", errClose)
		}
	}()

	fmt.Println("Opening your browser to connect your calendar...")
	if err := coordinator.Authenticate(ctx); err != nil {
		log.Errorf("sign-in failed: %v", err)
		fmt.Println(session.UserFriendlyMessage(err))
		return
	}

	if _, err := coordinator.CheckAuthStatus(ctx, session.CheckOptions{FetchProfile: true, ForceCheck: true}); err != nil {
		log.Warnf("post-login status check failed: %v", err)
	}
	state := coordinator.Snapshot()
	fmt.Printf("Signed in as %s\n", state.UserName)
}

// DoLogout tears down the session locally and server-side.
func DoLogout(cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, cache, _, coordinator := buildStack(ctx, cfg)
	defer func() {
		if errClose := cache.Close(); errClose != nil {
			log.Errorf("failed to close auth cache: %v", errClose)
		}
	}()

	if err := coordinator.Logout(ctx); err != nil {
		log.Warnf("server-side logout failed, local state cleared anyway: %v", err)
	}
	fmt.Println("Signed out.")
}
