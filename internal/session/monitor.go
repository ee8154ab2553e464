package session

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// MonitorConfig configures the inactivity monitor.
type MonitorConfig struct {
	// InactivityTimeout ends the session after this much idle time.
	InactivityTimeout time.Duration
	// WarningTime is how long before the timeout the warning fires.
	WarningTime time.Duration
	// CheckInterval is how often idle time is evaluated.
	CheckInterval time.Duration
	// OnTimeout runs exactly once when the idle limit is reached. It is
	// expected to invoke the coordinator's logout path.
	OnTimeout func()
	// OnWarning runs exactly once per idle episode ahead of the timeout.
	OnWarning func()
}

func (c *MonitorConfig) applyDefaults() {
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 30 * time.Minute
	}
	if c.WarningTime <= 0 {
		c.WarningTime = 5 * time.Minute
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Minute
	}
	if c.OnTimeout == nil {
		c.OnTimeout = func() {}
	}
	if c.OnWarning == nil {
		c.OnWarning = func() {}
	}
}

// InactivityMonitor ends the session after a period of user inactivity. It
// is orthogonal to the coordinator but shares its logout path through the
// OnTimeout callback. The lifecycle spans the authenticated session only.
type InactivityMonitor struct {
	backend Backend
	refresh *RefreshScheduler
	cfg     MonitorConfig
	now     func() time.Time

	mu           sync.Mutex
	lastActivity time.Time
	active       bool
	warningFired bool
	timedOut     bool
	stopped      bool
}

// NewInactivityMonitor builds a monitor; Run starts the recurring check.
func NewInactivityMonitor(backend Backend, refresh *RefreshScheduler, cfg MonitorConfig) *InactivityMonitor {
	cfg.applyDefaults()
	m := &InactivityMonitor{
		backend: backend,
		refresh: refresh,
		cfg:     cfg,
		now:     time.Now,
	}
	m.lastActivity = m.now()
	m.active = true
	return m
}

// Run evaluates idle time on a fixed interval until the context is
// cancelled or EndSession is called.
func (m *InactivityMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			stopped := m.stopped
			m.mu.Unlock()
			if stopped {
				return
			}
			m.checkActivity(ctx)
		}
	}
}

// RecordActivity resets the idle clock. Callers forward their user input
// events (key presses, pointer events) here. Activity observed after the
// session was marked inactive triggers a server-side validation before
// normal operation resumes; it never re-authenticates automatically.
func (m *InactivityMonitor) RecordActivity(ctx context.Context) {
	m.mu.Lock()
	m.lastActivity = m.now()
	m.warningFired = false
	m.timedOut = false
	wasInactive := !m.active
	if wasInactive {
		m.active = true
	}
	m.mu.Unlock()

	if wasInactive {
		go m.validateServerSession(ctx)
	}
}

// checkActivity computes idle time and fires the warning or timeout
// callbacks as configured.
func (m *InactivityMonitor) checkActivity(ctx context.Context) {
	m.mu.Lock()
	idle := m.now().Sub(m.lastActivity)

	if idle >= m.cfg.InactivityTimeout {
		if m.timedOut {
			m.mu.Unlock()
			return
		}
		m.active = false
		m.timedOut = true
		m.mu.Unlock()
		log.Info("session timed out due to inactivity")
		m.cfg.OnTimeout()
		return
	}

	if idle >= m.cfg.InactivityTimeout-m.cfg.WarningTime && !m.warningFired {
		m.warningFired = true
		m.mu.Unlock()
		log.Debug("session approaching inactivity timeout")
		m.cfg.OnWarning()
		return
	}
	m.mu.Unlock()
}

// validateServerSession confirms the server still considers the session
// valid after an idle episode. The server may have expired it independently
// while the client was idle.
func (m *InactivityMonitor) validateServerSession(ctx context.Context) bool {
	status, err := m.backend.AuthStatus(ctx)
	if err != nil {
		log.Errorf("failed to validate server session after idle period: %v", err)
		return false
	}
	if !status.IsAuthenticated {
		log.Info("server session expired during idle period")
	}
	return status.IsAuthenticated
}

// ExtendSession resets the idle clock and proactively refreshes the token.
// It backs explicit "keep me signed in" UI actions.
func (m *InactivityMonitor) ExtendSession(ctx context.Context) {
	m.mu.Lock()
	m.lastActivity = m.now()
	m.warningFired = false
	m.timedOut = false
	m.active = true
	m.mu.Unlock()

	if m.refresh != nil && !m.refresh.RefreshIfNeeded(ctx) {
		log.Warn("failed to extend session via token refresh")
	}
}

// EndSession stops the monitor. Run returns on its next tick.
func (m *InactivityMonitor) EndSession() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

// Active reports whether the session is currently considered active.
func (m *InactivityMonitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}
