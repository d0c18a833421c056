// Package render defines the contract between the tracking core and
// whatever draws the dashboard: a map surface for markers and routes, and
// a text panel for the status fields. The core treats both as injected
// collaborators and never depends on rendering completing synchronously.
package render

import (
	"github.com/medispatch/medispatch/internal/geo"
)

// MarkerKind identifies a marker slot on the surface. Each kind holds at
// most one marker; UpsertMarker on an existing kind repositions it.
type MarkerKind string

const (
	MarkerAmbulance MarkerKind = "ambulance"
	MarkerHospital  MarkerKind = "hospital"
	MarkerPatient   MarkerKind = "patient"
)

// PolylineHandle identifies a drawn route layer for later removal. Zero
// means "no layer".
type PolylineHandle int64

// Surface is the map-rendering capability the tracking core drives. All
// operations are fire-and-forget and safe to call repeatedly; the only
// return value the core depends on is the polyline handle it needs to
// remove a superseded route layer.
type Surface interface {
	// UpsertMarker places the marker of the given kind, creating it if
	// absent and moving it otherwise.
	UpsertMarker(kind MarkerKind, pos geo.Position, label string)

	// RemoveMarker removes the marker of the given kind if present.
	RemoveMarker(kind MarkerKind)

	// DrawPolyline draws a route layer and returns a handle for removal.
	DrawPolyline(points []geo.Position, color string) PolylineHandle

	// RemovePolyline removes a previously drawn route layer. Unknown or
	// zero handles are ignored.
	RemovePolyline(handle PolylineHandle)

	// FitViewport adjusts the viewport to contain the given bounds with
	// the given padding in pixels.
	FitViewport(bounds geo.Bounds, paddingPx int)
}

// TextPanel receives the textual dashboard fields. Implementations whose
// underlying view lacks a given field should skip the update silently;
// partial markup is an expected state, not an error.
type TextPanel interface {
	SetStatus(status string)
	SetETA(minutes float64)
	SetLogs(lines []string)
	SetHospital(name string, distance string)
	SetSeverity(label string, vehicle string)
	SetDistances(ambulanceToPatient, patientToHospital string)
	SetAmbulanceID(id string)
	SetAdvisory(text string)
}

// NopPanel is a TextPanel that discards every update.
type NopPanel struct{}

func (NopPanel) SetStatus(string)           {}
func (NopPanel) SetETA(float64)             {}
func (NopPanel) SetLogs([]string)           {}
func (NopPanel) SetHospital(string, string) {}
func (NopPanel) SetSeverity(string, string) {}
func (NopPanel) SetDistances(string, string) {
}
func (NopPanel) SetAmbulanceID(string) {}
func (NopPanel) SetAdvisory(string)    {}
