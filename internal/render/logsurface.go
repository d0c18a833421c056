package render

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/medispatch/medispatch/internal/geo"
)

// LogSurface renders map operations as structured log events. It backs
// headless runs of the monitor, where there is no map to draw on but the
// operator still wants to see what the tracking core would render.
type LogSurface struct {
	logger zerolog.Logger

	mu      sync.Mutex
	markers map[MarkerKind]geo.Position
	routes  map[PolylineHandle]int

	nextHandle atomic.Int64
}

// NewLogSurface creates a surface that logs every render operation.
func NewLogSurface(logger zerolog.Logger) *LogSurface {
	return &LogSurface{
		logger:  logger,
		markers: make(map[MarkerKind]geo.Position),
		routes:  make(map[PolylineHandle]int),
	}
}

func (s *LogSurface) UpsertMarker(kind MarkerKind, pos geo.Position, label string) {
	s.mu.Lock()
	_, existed := s.markers[kind]
	s.markers[kind] = pos
	s.mu.Unlock()

	s.logger.Debug().
		Str("marker", string(kind)).
		Float64("lat", pos.Lat).
		Float64("lng", pos.Lng).
		Str("label", label).
		Bool("created", !existed).
		Msg("marker upserted")
}

func (s *LogSurface) RemoveMarker(kind MarkerKind) {
	s.mu.Lock()
	_, existed := s.markers[kind]
	delete(s.markers, kind)
	s.mu.Unlock()

	if existed {
		s.logger.Debug().Str("marker", string(kind)).Msg("marker removed")
	}
}

func (s *LogSurface) DrawPolyline(points []geo.Position, color string) PolylineHandle {
	handle := PolylineHandle(s.nextHandle.Add(1))

	s.mu.Lock()
	s.routes[handle] = len(points)
	s.mu.Unlock()

	s.logger.Info().
		Int64("handle", int64(handle)).
		Int("points", len(points)).
		Str("color", color).
		Msg("route drawn")
	return handle
}

func (s *LogSurface) RemovePolyline(handle PolylineHandle) {
	if handle == 0 {
		return
	}

	s.mu.Lock()
	_, existed := s.routes[handle]
	delete(s.routes, handle)
	s.mu.Unlock()

	if existed {
		s.logger.Debug().Int64("handle", int64(handle)).Msg("route removed")
	}
}

func (s *LogSurface) FitViewport(bounds geo.Bounds, paddingPx int) {
	s.logger.Info().
		Float64("min_lat", bounds.MinLat).
		Float64("min_lng", bounds.MinLng).
		Float64("max_lat", bounds.MaxLat).
		Float64("max_lng", bounds.MaxLng).
		Int("padding_px", paddingPx).
		Msg("viewport fitted")
}

// MarkerPosition returns the current position of a marker kind, if placed.
func (s *LogSurface) MarkerPosition(kind MarkerKind) (geo.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.markers[kind]
	return pos, ok
}

// LogPanel writes the textual dashboard fields to the log.
type LogPanel struct {
	logger zerolog.Logger
}

// NewLogPanel creates a panel that logs every field update.
func NewLogPanel(logger zerolog.Logger) *LogPanel {
	return &LogPanel{logger: logger}
}

func (p *LogPanel) SetStatus(status string) {
	p.logger.Info().Str("status", status).Msg("status updated")
}

func (p *LogPanel) SetETA(minutes float64) {
	p.logger.Info().Float64("eta_minutes", minutes).Msg("eta updated")
}

func (p *LogPanel) SetLogs(lines []string) {
	if len(lines) == 0 {
		return
	}
	p.logger.Debug().Int("lines", len(lines)).Str("latest", lines[len(lines)-1]).Msg("activity log updated")
}

func (p *LogPanel) SetHospital(name, distance string) {
	p.logger.Info().Str("hospital", name).Str("distance", distance).Msg("hospital updated")
}

func (p *LogPanel) SetSeverity(label, vehicle string) {
	p.logger.Info().Str("severity", label).Str("vehicle", vehicle).Msg("severity updated")
}

func (p *LogPanel) SetDistances(ambulanceToPatient, patientToHospital string) {
	p.logger.Debug().
		Str("ambulance_to_patient", ambulanceToPatient).
		Str("patient_to_hospital", patientToHospital).
		Msg("distances updated")
}

func (p *LogPanel) SetAmbulanceID(id string) {
	p.logger.Info().Str("ambulance_id", id).Msg("ambulance assigned")
}

func (p *LogPanel) SetAdvisory(text string) {
	p.logger.Info().Str("advisory", text).Msg("protocol advisory")
}
