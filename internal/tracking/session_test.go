package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medispatch/medispatch/internal/geo"
	"github.com/medispatch/medispatch/internal/render"
)

// spySurface records every render call for assertions.
type spySurface struct {
	mu          sync.Mutex
	markers     map[render.MarkerKind]geo.Position
	upserts     map[render.MarkerKind]int
	draws       int
	removes     int
	fits        int
	next        int64
	lastPolylen int
}

func newSpySurface() *spySurface {
	return &spySurface{
		markers: make(map[render.MarkerKind]geo.Position),
		upserts: make(map[render.MarkerKind]int),
	}
}

func (s *spySurface) UpsertMarker(kind render.MarkerKind, pos geo.Position, label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[kind] = pos
	s.upserts[kind]++
}

func (s *spySurface) RemoveMarker(kind render.MarkerKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markers, kind)
}

func (s *spySurface) DrawPolyline(points []geo.Position, color string) render.PolylineHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draws++
	s.lastPolylen = len(points)
	s.next++
	return render.PolylineHandle(s.next)
}

func (s *spySurface) RemovePolyline(handle render.PolylineHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handle != 0 {
		s.removes++
	}
}

func (s *spySurface) FitViewport(bounds geo.Bounds, paddingPx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fits++
}

func (s *spySurface) marker(kind render.MarkerKind) (geo.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.markers[kind]
	return pos, ok
}

func (s *spySurface) counts() (draws, removes, fits int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draws, s.removes, s.fits
}

// spyPanel records textual field updates.
type spyPanel struct {
	render.NopPanel
	mu        sync.Mutex
	status    string
	distances [2]string
}

func (p *spyPanel) SetStatus(status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = status
}

func (p *spyPanel) SetDistances(ambToPat, patToHosp string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.distances = [2]string{ambToPat, patToHosp}
}

// fetcherFunc adapts a function to the Fetcher interface.
type fetcherFunc func(ctx context.Context, alertID string) (*AlertSnapshot, error)

func (f fetcherFunc) AlertData(ctx context.Context, alertID string) (*AlertSnapshot, error) {
	return f(ctx, alertID)
}

// manualScheduler drives animation frames deterministically.
type manualScheduler struct {
	mu      sync.Mutex
	pending func(now time.Time)
}

func (s *manualScheduler) RequestFrame(fn func(now time.Time)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.pending = nil
	}
}

func (s *manualScheduler) fire(now time.Time) bool {
	s.mu.Lock()
	fn := s.pending
	s.pending = nil
	s.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(now)
	return true
}

func newTestSession(t *testing.T, cfg SessionConfig) *Session {
	t.Helper()
	if cfg.AlertID == "" {
		cfg.AlertID = "A1"
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = fetcherFunc(func(context.Context, string) (*AlertSnapshot, error) {
			return &AlertSnapshot{Status: StatusSearchingHospitals}, nil
		})
	}
	if cfg.Surface == nil {
		cfg.Surface = newSpySurface()
	}
	cfg.Logger = zerolog.Nop()

	s, err := NewSession(cfg)
	require.NoError(t, err)
	return s
}

// markPolling puts a session into the polling state without starting the
// timer loop, so reconciliation can be driven snapshot by snapshot.
func markPolling(s *Session) {
	s.mu.Lock()
	s.state = StatePolling
	s.mu.Unlock()
}

func routeSnapshot(phase RoutePhase, geometry string) *AlertSnapshot {
	snap := &AlertSnapshot{
		Status:        StatusEnRouteToPatient,
		ActivePhase:   phase,
		RouteGeometry: map[RoutePhase]json.RawMessage{},
		ETAMinutes:    math.NaN(),
	}
	if geometry != "" {
		snap.RouteGeometry[phase] = json.RawMessage(geometry)
	}
	return snap
}

func TestSession_RouteDrawnOncePerPhase(t *testing.T) {
	surface := newSpySurface()
	s := newTestSession(t, SessionConfig{Surface: surface})
	markPolling(s)

	geom := `[[33.58, -7.60], [33.59, -7.61], [33.60, -7.62]]`
	ctx := context.Background()

	// Same phase with geometry twice: drawn exactly once.
	s.process(ctx, routeSnapshot(PhaseToPatient, geom))
	s.process(ctx, routeSnapshot(PhaseToPatient, geom))

	draws, removes, fits := surface.counts()
	assert.Equal(t, 1, draws, "route should be drawn exactly once per phase")
	assert.Equal(t, 0, removes)
	assert.Equal(t, 1, fits, "viewport fitted on first draw")

	// Phase change: previous layer removed, new one drawn, no second fit.
	s.process(ctx, routeSnapshot(PhaseToHospital, geom))

	draws, removes, fits = surface.counts()
	assert.Equal(t, 2, draws)
	assert.Equal(t, 1, removes, "previous route layer removed on phase change")
	assert.Equal(t, 1, fits, "viewport fitted only once per session")
}

func TestSession_RouteMalformedGeometryIsRecoverable(t *testing.T) {
	surface := newSpySurface()
	s := newTestSession(t, SessionConfig{Surface: surface})
	markPolling(s)

	ctx := context.Background()
	s.process(ctx, routeSnapshot(PhaseToPatient, `{"bogus": true}`))

	draws, _, fits := surface.counts()
	assert.Equal(t, 0, draws)
	assert.Equal(t, 0, fits)
	assert.Equal(t, StatePolling, s.State(), "malformed geometry must not stop the session")

	// Once valid geometry arrives, it draws.
	s.process(ctx, routeSnapshot(PhaseToPatient, `[[33.58, -7.60], [33.59, -7.61]]`))
	draws, _, _ = surface.counts()
	assert.Equal(t, 1, draws)
}

func TestSession_HospitalDrawnOnce(t *testing.T) {
	surface := newSpySurface()
	s := newTestSession(t, SessionConfig{Surface: surface})
	markPolling(s)

	snap := &AlertSnapshot{
		Status:     StatusHospitalSelected,
		Hospital:   &Hospital{Name: "CHU Ibn Rochd", Lat: 33.5892, Lng: -7.6164, DistanceKm: 5.8},
		ETAMinutes: math.NaN(),
	}

	ctx := context.Background()
	s.process(ctx, snap)
	s.process(ctx, snap)
	s.process(ctx, snap)

	assert.Equal(t, 1, surface.upserts[render.MarkerHospital], "hospital marker drawn at most once")
}

func TestSession_AmbulanceCreatedThenAnimated(t *testing.T) {
	surface := newSpySurface()
	sched := &manualScheduler{}
	s := newTestSession(t, SessionConfig{
		Surface:           surface,
		Scheduler:         sched,
		AnimationDuration: time.Second,
		PatientPosition:   geo.Position{Lat: 33.57, Lng: -7.59},
	})
	markPolling(s)
	ctx := context.Background()

	// First report: marker created at the reported position, no animation.
	s.process(ctx, &AlertSnapshot{
		Status:     StatusDispatchingAmbulance,
		Ambulance:  &Ambulance{ID: "SMUR-01", Lat: 33.58, Lng: -7.60},
		ETAMinutes: math.NaN(),
	})

	pos, ok := surface.marker(render.MarkerAmbulance)
	require.True(t, ok, "marker should exist after first report")
	assert.Equal(t, geo.Position{Lat: 33.58, Lng: -7.60}, pos)
	assert.False(t, s.animator.Animating(), "first report must not animate")

	// Second report: interpolated toward the new position.
	s.process(ctx, &AlertSnapshot{
		Status:     StatusEnRouteToPatient,
		Ambulance:  &Ambulance{ID: "SMUR-01", Lat: 33.60, Lng: -7.62},
		ETAMinutes: math.NaN(),
	})
	require.True(t, s.animator.Animating())

	base := time.Unix(1000, 0)
	sched.fire(base)
	sched.fire(base.Add(500 * time.Millisecond))

	mid, _ := surface.marker(render.MarkerAmbulance)
	assert.Greater(t, mid.Lat, 33.58)
	assert.Less(t, mid.Lat, 33.60)

	sched.fire(base.Add(time.Second))
	final, _ := surface.marker(render.MarkerAmbulance)
	assert.Equal(t, geo.Position{Lat: 33.60, Lng: -7.62}, final, "marker settles exactly on the last reported position")
	assert.False(t, s.animator.Animating())
}

func TestSession_RetargetsSettleOnLastReport(t *testing.T) {
	surface := newSpySurface()
	sched := &manualScheduler{}
	s := newTestSession(t, SessionConfig{
		Surface:           surface,
		Scheduler:         sched,
		AnimationDuration: time.Second,
	})
	markPolling(s)
	ctx := context.Background()

	reports := []geo.Position{
		{Lat: 34.0, Lng: -6.8},
		{Lat: 34.01, Lng: -6.81},
		{Lat: 34.02, Lng: -6.82},
	}
	for _, r := range reports {
		s.process(ctx, &AlertSnapshot{
			Status:     StatusEnRouteToPatient,
			Ambulance:  &Ambulance{ID: "SMUR-01", Lat: r.Lat, Lng: r.Lng},
			ETAMinutes: math.NaN(),
		})
	}

	base := time.Unix(2000, 0)
	sched.fire(base)
	sched.fire(base.Add(500 * time.Millisecond))
	sched.fire(base.Add(time.Second))

	final, _ := surface.marker(render.MarkerAmbulance)
	assert.Equal(t, reports[2], final)
	assert.EqualValues(t, 1, s.animator.Retargets(), "third report retargets the in-flight animation")
}

func TestSession_SnapToPosition(t *testing.T) {
	surface := newSpySurface()
	s := newTestSession(t, SessionConfig{
		Surface:        surface,
		SnapToPosition: true,
	})
	markPolling(s)
	ctx := context.Background()

	s.process(ctx, &AlertSnapshot{
		Status: StatusDispatchingAmbulance, Ambulance: &Ambulance{Lat: 33.58, Lng: -7.60}, ETAMinutes: math.NaN(),
	})
	s.process(ctx, &AlertSnapshot{
		Status: StatusEnRouteToPatient, Ambulance: &Ambulance{Lat: 33.60, Lng: -7.62}, ETAMinutes: math.NaN(),
	})

	assert.False(t, s.animator.Animating())
	pos, _ := surface.marker(render.MarkerAmbulance)
	assert.Equal(t, geo.Position{Lat: 33.60, Lng: -7.62}, pos)
	assert.Equal(t, 2, surface.upserts[render.MarkerAmbulance])
}

func TestSession_ClientSideDistances(t *testing.T) {
	panel := &spyPanel{}
	s := newTestSession(t, SessionConfig{
		Panel:           panel,
		PatientPosition: geo.Position{Lat: 33.57, Lng: -7.59},
	})
	markPolling(s)

	// Server supplies no distances: both computed from the patient fix.
	s.process(context.Background(), &AlertSnapshot{
		Status:                 StatusEnRouteToPatient,
		Ambulance:              &Ambulance{Lat: 33.58, Lng: -7.60},
		Hospital:               &Hospital{Name: "CHU", Lat: 33.5892, Lng: -7.6164, DistanceKm: math.NaN()},
		ETAMinutes:             math.NaN(),
		DistAmbulancePatientKm: math.NaN(),
		DistPatientHospitalKm:  math.NaN(),
	})

	panel.mu.Lock()
	defer panel.mu.Unlock()
	assert.NotEqual(t, "--", panel.distances[0], "ambulance-to-patient distance computed locally")
	assert.NotEqual(t, "--", panel.distances[1], "patient-to-hospital distance computed locally")
}

func TestSession_TerminalStatusStops(t *testing.T) {
	s := newTestSession(t, SessionConfig{})
	markPolling(s)
	ctx := context.Background()

	s.process(ctx, &AlertSnapshot{Status: StatusResolved, ETAMinutes: math.NaN()})
	assert.Equal(t, StateStopped, s.State())

	// Late responses after teardown are dropped.
	surface := newSpySurface()
	s.cfg.Surface = surface
	s.process(ctx, &AlertSnapshot{
		Status: StatusEnRouteToPatient, Ambulance: &Ambulance{Lat: 1, Lng: 1}, ETAMinutes: math.NaN(),
	})
	_, ok := surface.marker(render.MarkerAmbulance)
	assert.False(t, ok, "snapshot after stop must not touch the surface")
}

func TestSession_ErrorStatusStops(t *testing.T) {
	s := newTestSession(t, SessionConfig{})
	markPolling(s)

	s.process(context.Background(), &AlertSnapshot{Status: StatusError, ETAMinutes: math.NaN()})
	assert.Equal(t, StateStopped, s.State())
}

func TestSession_StopPreventsFurtherFetches(t *testing.T) {
	var calls atomic.Int32
	fetcher := fetcherFunc(func(context.Context, string) (*AlertSnapshot, error) {
		calls.Add(1)
		return &AlertSnapshot{Status: StatusSearchingHospitals, ETAMinutes: math.NaN()}, nil
	})

	s := newTestSession(t, SessionConfig{
		Fetcher:      fetcher,
		PollInterval: 10 * time.Millisecond,
	})

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(35 * time.Millisecond)
	s.Stop()
	settled := calls.Load()
	require.Greater(t, settled, int32(0), "at least the immediate fetch should have run")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, calls.Load(), "no fetch may be issued after Stop")

	// Idempotent from stopped state.
	s.Stop()
	assert.Equal(t, StateStopped, s.State())
}

func TestSession_NotFoundStopsPermanently(t *testing.T) {
	var calls atomic.Int32
	fetcher := fetcherFunc(func(context.Context, string) (*AlertSnapshot, error) {
		calls.Add(1)
		return nil, ErrAlertNotFound
	})

	s := newTestSession(t, SessionConfig{
		Fetcher:      fetcher,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, s.Start(context.Background()))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateStopped, s.State())

	settled := calls.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, settled, calls.Load(), "not-found is terminal, no retry")
}

func TestSession_TransientErrorKeepsPolling(t *testing.T) {
	var calls atomic.Int32
	fetcher := fetcherFunc(func(context.Context, string) (*AlertSnapshot, error) {
		calls.Add(1)
		return nil, errors.New("connection reset")
	})

	s := newTestSession(t, SessionConfig{
		Fetcher:      fetcher,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	time.Sleep(45 * time.Millisecond)
	assert.Equal(t, StatePolling, s.State(), "transient failures never stop the loop")
	assert.GreaterOrEqual(t, calls.Load(), int32(3), "polling continues through failures")
}

func TestSession_SubscriberReceivesSnapshots(t *testing.T) {
	s := newTestSession(t, SessionConfig{})
	markPolling(s)

	var got []Status
	var mu sync.Mutex
	s.Subscribe(func(snap *AlertSnapshot) {
		mu.Lock()
		got = append(got, snap.Status)
		mu.Unlock()
	})

	ctx := context.Background()
	s.process(ctx, &AlertSnapshot{Status: StatusSearchingHospitals, ETAMinutes: math.NaN()})
	s.process(ctx, &AlertSnapshot{Status: StatusResolved, ETAMinutes: math.NaN()})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2, "subscriber sees every processed snapshot, including the terminal one")
	assert.Equal(t, StatusResolved, got[1])
}

func TestSession_StartTwiceFails(t *testing.T) {
	s := newTestSession(t, SessionConfig{PollInterval: time.Hour})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Error(t, s.Start(context.Background()))
}

func TestNewSession_Validation(t *testing.T) {
	_, err := NewSession(SessionConfig{})
	assert.Error(t, err)

	_, err = NewSession(SessionConfig{AlertID: "A1"})
	assert.Error(t, err)
}

func TestSession_PanelStatusAlwaysUpdated(t *testing.T) {
	panel := &spyPanel{}
	s := newTestSession(t, SessionConfig{Panel: panel})
	markPolling(s)
	ctx := context.Background()

	s.process(ctx, &AlertSnapshot{Status: StatusEnRouteToHospital, ETAMinutes: math.NaN()})
	// A stale snapshot arriving late still overwrites: last processed wins.
	s.process(ctx, &AlertSnapshot{Status: StatusEnRouteToPatient, ETAMinutes: math.NaN()})

	panel.mu.Lock()
	defer panel.mu.Unlock()
	assert.Equal(t, string(StatusEnRouteToPatient), panel.status)
}
