// Package dashboard drives the operator overview: it watches the
// backend for the active alert, runs a tracking session for it while it
// lasts, and keeps the recent-alerts table and ETA countdown current.
package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medispatch/medispatch/internal/tracking"
)

// DefaultWatchInterval is how often the watcher checks for a change of
// active alert. Deliberately slower than the tracking poll: a new alert
// appearing a few seconds late is fine, a mission position is not.
const DefaultWatchInterval = 5 * time.Second

// DefaultRecentInterval is how often the recent-alerts table refreshes.
const DefaultRecentInterval = 30 * time.Second

// API is the subset of the dispatch client the watcher needs.
type API interface {
	ActiveAlert(ctx context.Context) (*tracking.AlertSummary, error)
	RecentAlerts(ctx context.Context) ([]tracking.AlertSummary, error)
}

// Tracker is a running tracking session as the watcher sees it.
type Tracker interface {
	Start(ctx context.Context) error
	Stop()
	State() tracking.SessionState
}

// SessionFactory builds a tracking session for a newly active alert.
type SessionFactory func(alert tracking.AlertSummary) (Tracker, error)

// WatcherConfig holds configuration for the dashboard watcher.
type WatcherConfig struct {
	// API is the dispatch client (required).
	API API

	// NewSession builds the tracking session for an alert (required).
	NewSession SessionFactory

	// OnRecent receives each refreshed recent-alerts list (optional).
	OnRecent func([]tracking.AlertSummary)

	// Logger for watcher events.
	Logger zerolog.Logger

	// WatchInterval between active-alert checks (default 5s).
	WatchInterval time.Duration

	// RecentInterval between recent-alerts refreshes (default 30s).
	RecentInterval time.Duration
}

// Watcher polls for the active alert and manages one tracking session
// at a time: a change of alert id stops the old session and starts a
// new one, and no active alert means no session.
type Watcher struct {
	cfg            WatcherConfig
	logger         zerolog.Logger
	watchInterval  time.Duration
	recentInterval time.Duration

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	activeID string
	session  Tracker
}

// NewWatcher creates a dashboard watcher.
func NewWatcher(cfg WatcherConfig) *Watcher {
	watchInterval := cfg.WatchInterval
	if watchInterval <= 0 {
		watchInterval = DefaultWatchInterval
	}
	recentInterval := cfg.RecentInterval
	if recentInterval <= 0 {
		recentInterval = DefaultRecentInterval
	}

	return &Watcher{
		cfg:            cfg,
		logger:         cfg.Logger,
		watchInterval:  watchInterval,
		recentInterval: recentInterval,
	}
}

// Run watches until the context is canceled. It checks immediately on
// entry, then on the configured cadence.
func (w *Watcher) Run(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.mu.Unlock()

	defer w.teardown()

	w.checkActive(ctx)
	w.refreshRecent(ctx)

	watch := time.NewTicker(w.watchInterval)
	defer watch.Stop()
	recent := time.NewTicker(w.recentInterval)
	defer recent.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-watch.C:
			w.checkActive(ctx)
		case <-recent.C:
			w.refreshRecent(ctx)
		}
	}
}

// Stop cancels a running watcher and its session. Idempotent.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ActiveAlertID returns the id of the alert currently being tracked, or
// empty when none is.
func (w *Watcher) ActiveAlertID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activeID
}

func (w *Watcher) teardown() {
	w.mu.Lock()
	session := w.session
	w.session = nil
	w.activeID = ""
	w.running = false
	w.cancel = nil
	w.mu.Unlock()

	if session != nil {
		session.Stop()
	}
}

// checkActive reconciles the watcher against the backend's active alert.
func (w *Watcher) checkActive(ctx context.Context) {
	alert, err := w.cfg.API.ActiveAlert(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Warn().Err(err).Msg("active alert check failed, will retry")
		return
	}

	w.mu.Lock()
	current := w.activeID
	session := w.session
	w.mu.Unlock()

	// A session that stopped on its own (terminal status) frees the slot
	// so a re-opened alert with the same id can be tracked again.
	if session != nil && session.State() == tracking.StateStopped {
		w.mu.Lock()
		if w.session == session {
			w.session = nil
			w.activeID = ""
			current = ""
			session = nil
		}
		w.mu.Unlock()
	}

	switch {
	case alert == nil && current == "":
		return
	case alert != nil && alert.ID == current:
		return
	}

	// Active alert changed: stop the old session before starting the new.
	if session != nil {
		session.Stop()
	}

	if alert == nil {
		w.mu.Lock()
		w.session = nil
		w.activeID = ""
		w.mu.Unlock()
		w.logger.Info().Str("alert_id", current).Msg("active alert cleared")
		return
	}

	newSession, err := w.cfg.NewSession(*alert)
	if err != nil {
		w.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("creating tracking session failed")
		w.mu.Lock()
		w.session = nil
		w.activeID = ""
		w.mu.Unlock()
		return
	}

	if err := newSession.Start(ctx); err != nil {
		w.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("starting tracking session failed")
		return
	}

	w.mu.Lock()
	w.session = newSession
	w.activeID = alert.ID
	w.mu.Unlock()

	w.logger.Info().Str("alert_id", alert.ID).Int("severity", alert.Severity).Msg("tracking new active alert")
}

func (w *Watcher) refreshRecent(ctx context.Context) {
	if w.cfg.OnRecent == nil {
		return
	}

	alerts, err := w.cfg.API.RecentAlerts(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Warn().Err(err).Msg("recent alerts refresh failed")
		return
	}

	w.cfg.OnRecent(alerts)
}
