package tracking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medispatch/medispatch/internal/animate"
	"github.com/medispatch/medispatch/internal/geo"
	"github.com/medispatch/medispatch/internal/render"
)

// DefaultPollInterval is the canonical snapshot polling cadence. The
// deployed dashboards drifted between 1s, 2s and 5s across copies; 2s is
// the canonical value, fast enough that the animator (3s transitions)
// retargets rather than idles between reports.
const DefaultPollInterval = 2 * time.Second

// ViewportPaddingPx is the padding applied when fitting the viewport to
// a freshly drawn route.
const ViewportPaddingPx = 50

// Fetcher retrieves the current snapshot for an alert. Implementations
// must map an explicit "alert does not exist" response to ErrAlertNotFound.
type Fetcher interface {
	AlertData(ctx context.Context, alertID string) (*AlertSnapshot, error)
}

// SessionState is the lifecycle state of a tracking session.
type SessionState int

const (
	StateIdle SessionState = iota
	StatePolling
	StateStopped
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SessionConfig holds configuration for a tracking session.
type SessionConfig struct {
	// AlertID is the alert to track (required).
	AlertID string

	// PatientPosition is the fixed patient location, captured at session
	// creation and used for client-side distance computation.
	PatientPosition geo.Position

	// Fetcher retrieves snapshots (required).
	Fetcher Fetcher

	// Surface receives map draw calls (required).
	Surface render.Surface

	// Panel receives the textual dashboard fields (optional).
	Panel render.TextPanel

	// Scheduler drives animation frames (optional, defaults to a timer
	// scheduler at ~60fps).
	Scheduler animate.FrameScheduler

	// Logger for session events.
	Logger zerolog.Logger

	// PollInterval between snapshot fetches (default: DefaultPollInterval).
	PollInterval time.Duration

	// AnimationDuration for one marker transition (default: 3s).
	AnimationDuration time.Duration

	// SnapToPosition disables smooth animation: the ambulance marker
	// jumps straight to each reported position.
	SnapToPosition bool

	// PreferLocalDistances computes the display distances client-side
	// even when the server supplies them, keeping the numbers consistent
	// with the rendered marker positions.
	PreferLocalDistances bool

	// SurfaceAdvisories forwards medical protocol advisories to the
	// panel. Off by default: the current dashboard dropped the advisory
	// popup.
	SurfaceAdvisories bool

	// Metrics records poll-cycle instruments (optional).
	Metrics *Metrics
}

// Session tracks one alert for as long as its view is open. It owns the
// polling timer, the reconciliation bookkeeping and the marker animator;
// all rendered state lives here, never in package globals.
type Session struct {
	id       string
	cfg      SessionConfig
	logger   zerolog.Logger
	animator *animate.Animator
	panel    render.TextPanel
	interval time.Duration
	animDur  time.Duration

	mu         sync.Mutex
	state      SessionState
	cancelPoll context.CancelFunc

	// Reconciliation state. A hospital marker is drawn at most once, a
	// route at most once per phase, the viewport fitted at most once,
	// and the ambulance marker is created once then only repositioned.
	hospitalDrawn bool
	renderedPhase RoutePhase
	routeHandle   render.PolylineHandle
	fitDone       bool
	markerCreated bool
	lastAssetPos  geo.Position

	subscribers []func(*AlertSnapshot)
}

// NewSession creates a tracking session for one alert.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.AlertID == "" {
		return nil, errors.New("tracking: alert id is required")
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("tracking: fetcher is required")
	}
	if cfg.Surface == nil {
		return nil, errors.New("tracking: render surface is required")
	}

	panel := cfg.Panel
	if panel == nil {
		panel = render.NopPanel{}
	}

	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = animate.NewTimerScheduler(0)
	}

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	animDur := cfg.AnimationDuration
	if animDur <= 0 {
		animDur = animate.DefaultDuration
	}

	id := uuid.NewString()
	logger := cfg.Logger.With().
		Str("session_id", id).
		Str("alert_id", cfg.AlertID).
		Logger()

	return &Session{
		id:       id,
		cfg:      cfg,
		logger:   logger,
		animator: animate.NewAnimator(scheduler),
		panel:    panel,
		interval: interval,
		animDur:  animDur,
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers a callback invoked with every processed snapshot.
// Page-level components use this to react to state arrival without
// polling the backend themselves.
func (s *Session) Subscribe(fn func(*AlertSnapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Start begins polling: one immediate fetch, then one per interval.
// Fetches are issued on the cadence regardless of whether earlier ones
// have completed; overlapping responses are reconciled in arrival order
// (last processed wins for unconditionally overwritten fields, while the
// draw-once bookkeeping keeps side effects idempotent).
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("tracking: cannot start session in state %s", state)
	}
	pollCtx, cancel := context.WithCancel(ctx)
	s.cancelPoll = cancel
	s.state = StatePolling
	s.mu.Unlock()

	s.logger.Info().Dur("interval", s.interval).Msg("tracking session started")

	go s.loop(pollCtx)
	return nil
}

func (s *Session) loop(ctx context.Context) {
	// Immediate fetch outside the timer cadence.
	go s.poll(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			go s.poll(ctx)
		}
	}
}

func (s *Session) poll(ctx context.Context) {
	s.cfg.Metrics.recordPoll(ctx, s.cfg.AlertID)

	snap, err := s.cfg.Fetcher.AlertData(ctx, s.cfg.AlertID)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		case errors.Is(err, ErrAlertNotFound):
			// Terminal: the alert is gone, stop permanently.
			s.logger.Info().Err(err).Msg("alert not found, stopping session")
			s.Stop()
		default:
			// Transient: log and let the next tick retry.
			s.cfg.Metrics.recordPollFailure(ctx, s.cfg.AlertID)
			s.logger.Warn().Err(err).Msg("snapshot fetch failed, will retry")
		}
		return
	}

	s.process(ctx, snap)
}

// process reconciles one snapshot against rendered state.
func (s *Session) process(ctx context.Context, snap *AlertSnapshot) {
	s.mu.Lock()
	if s.state != StatePolling {
		// A late response after teardown must not touch the surface.
		s.mu.Unlock()
		return
	}

	s.updatePanel(snap)
	s.reconcileHospital(snap)
	s.reconcileRoute(snap)
	s.reconcileAmbulance(snap)

	subscribers := make([]func(*AlertSnapshot), len(s.subscribers))
	copy(subscribers, s.subscribers)

	terminal := snap.Status.Terminal()
	if terminal {
		s.logger.Info().Str("status", string(snap.Status)).Msg("terminal status reached, stopping session")
		s.stopLocked()
	}
	s.mu.Unlock()

	s.cfg.Metrics.recordSnapshot(ctx, s.cfg.AlertID, string(snap.Status))

	for _, fn := range subscribers {
		fn(snap)
	}
}

// updatePanel writes the textual fields unconditionally from the
// snapshot; they always reflect the most recently processed state.
func (s *Session) updatePanel(snap *AlertSnapshot) {
	s.panel.SetStatus(string(snap.Status))
	s.panel.SetLogs(snap.ActivityLog)

	if !math.IsNaN(snap.ETAMinutes) {
		s.panel.SetETA(snap.ETAMinutes)
	}

	if snap.SeverityLevel > 0 {
		s.panel.SetSeverity(SeverityLabel(snap.SeverityLevel), string(VehicleClassFor(snap.SeverityLevel)))
	}

	if snap.Ambulance != nil && snap.Ambulance.ID != "" {
		s.panel.SetAmbulanceID(snap.Ambulance.ID)
	}

	if snap.Hospital != nil {
		s.panel.SetHospital(snap.Hospital.Name, geo.FormatKm(s.patientToHospitalKm(snap)))
	}

	s.panel.SetDistances(
		geo.FormatKm(s.ambulanceToPatientKm(snap)),
		geo.FormatKm(s.patientToHospitalKm(snap)),
	)

	if s.cfg.SurfaceAdvisories && snap.Advisory != nil {
		s.panel.SetAdvisory(snap.Advisory.Summary())
	}
}

// ambulanceToPatientKm prefers the server-supplied distance unless local
// computation is forced or the server omitted it.
func (s *Session) ambulanceToPatientKm(snap *AlertSnapshot) float64 {
	if !s.cfg.PreferLocalDistances && !math.IsNaN(snap.DistAmbulancePatientKm) {
		return snap.DistAmbulancePatientKm
	}
	if snap.Ambulance == nil {
		return math.NaN()
	}
	return geo.Distance(snap.Ambulance.Position(), s.cfg.PatientPosition)
}

func (s *Session) patientToHospitalKm(snap *AlertSnapshot) float64 {
	if !s.cfg.PreferLocalDistances && !math.IsNaN(snap.DistPatientHospitalKm) {
		return snap.DistPatientHospitalKm
	}
	if snap.Hospital != nil {
		if !s.cfg.PreferLocalDistances && !math.IsNaN(snap.Hospital.DistanceKm) {
			return snap.Hospital.DistanceKm
		}
		return geo.Distance(s.cfg.PatientPosition, snap.Hospital.Position())
	}
	return math.NaN()
}

// reconcileHospital draws the hospital marker at most once per session;
// it is never redrawn or moved afterwards.
func (s *Session) reconcileHospital(snap *AlertSnapshot) {
	if s.hospitalDrawn || snap.Hospital == nil {
		return
	}
	s.cfg.Surface.UpsertMarker(render.MarkerHospital, snap.Hospital.Position(), snap.Hospital.Name)
	s.hospitalDrawn = true
	s.logger.Debug().Str("hospital", snap.Hospital.Name).Msg("hospital marker drawn")
}

// reconcileRoute draws the active phase's route at most once per phase.
// A phase change removes the previous layer first; the viewport is
// fitted only on the session's first successful draw so later phases do
// not clobber the operator's pan/zoom.
func (s *Session) reconcileRoute(snap *AlertSnapshot) {
	phase := snap.ActivePhase
	if phase == PhaseNone || phase == s.renderedPhase {
		return
	}

	raw, ok := snap.RouteGeometry[phase]
	if !ok {
		return
	}

	points, err := geo.DecodeRouteGeometry(raw)
	if err != nil {
		// Malformed geometry means the route is not available yet, a
		// recoverable state, never a fatal one.
		s.logger.Debug().Err(err).Str("phase", string(phase)).Msg("route geometry not decodable yet")
		return
	}
	if len(points) == 0 {
		return
	}

	if s.routeHandle != 0 {
		s.cfg.Surface.RemovePolyline(s.routeHandle)
	}
	s.routeHandle = s.cfg.Surface.DrawPolyline(points, phase.Color())
	s.renderedPhase = phase
	s.cfg.Metrics.recordRouteDraw(context.Background(), s.cfg.AlertID, string(phase))

	s.logger.Info().
		Str("phase", string(phase)).
		Int("points", len(points)).
		Msg("route drawn")

	if !s.fitDone {
		if bounds, ok := geo.BoundsOf(points); ok {
			s.cfg.Surface.FitViewport(bounds, ViewportPaddingPx)
			s.fitDone = true
		}
	}
}

// reconcileAmbulance creates the marker on the first report and
// thereafter only repositions it, animated unless snapping is configured.
func (s *Session) reconcileAmbulance(snap *AlertSnapshot) {
	if snap.Ambulance == nil {
		return
	}
	pos := snap.Ambulance.Position()
	label := snap.Ambulance.ID

	if !s.markerCreated {
		s.cfg.Surface.UpsertMarker(render.MarkerAmbulance, pos, label)
		s.markerCreated = true
		s.lastAssetPos = pos
		s.logger.Debug().Float64("lat", pos.Lat).Float64("lng", pos.Lng).Msg("ambulance marker created")
		return
	}

	if s.cfg.SnapToPosition {
		s.cfg.Surface.UpsertMarker(render.MarkerAmbulance, pos, label)
		s.lastAssetPos = pos
		return
	}

	s.animator.Animate(s.lastAssetPos, pos, s.animDur, func(p geo.Position) {
		s.mu.Lock()
		if s.state != StatePolling {
			// The session may have been torn down between the frame
			// being scheduled and firing; the marker may be gone.
			s.mu.Unlock()
			return
		}
		s.lastAssetPos = p
		s.mu.Unlock()
		s.cfg.Surface.UpsertMarker(render.MarkerAmbulance, p, label)
	})
}

// Stop cancels the polling timer and any in-flight animation. It is safe
// to call from any state and any number of times.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Session) stopLocked() {
	if s.state == StateStopped {
		return
	}
	s.state = StateStopped
	if s.cancelPoll != nil {
		s.cancelPoll()
		s.cancelPoll = nil
	}
	s.animator.Cancel()
	s.logger.Info().Msg("tracking session stopped")
}
