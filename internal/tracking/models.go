// Package tracking implements the client-side alert tracking loop: it
// polls the dispatch backend for alert state, reconciles each snapshot
// against the rendered map and panel state, and animates the ambulance
// marker between position reports.
package tracking

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors for tracking operations.
var (
	// ErrAlertNotFound indicates the backend reported the alert does not
	// exist. This is terminal: the session stops and never retries.
	ErrAlertNotFound = errors.New("alert not found")
	// ErrBackendUnavailable indicates a transient backend failure. The
	// session logs it and keeps polling.
	ErrBackendUnavailable = errors.New("dispatch backend unavailable")
)

// Status is the lifecycle state of an alert as reported by the backend.
// Transitions are monotonic on the server, but the client never relies on
// that: an out-of-order snapshot is rendered as-is, not rejected.
type Status string

const (
	StatusSearchingHospitals   Status = "SEARCHING_HOSPITALS"
	StatusHospitalSelected     Status = "HOSPITAL_SELECTED"
	StatusDispatchingAmbulance Status = "DISPATCHING_AMBULANCE"
	StatusEnRouteToPatient     Status = "EN_ROUTE_TO_PATIENT"
	StatusPatientPickup        Status = "PATIENT_PICKUP"
	StatusEnRouteToHospital    Status = "EN_ROUTE_TO_HOSPITAL"
	StatusResolved             Status = "RESOLVED"
	StatusError                Status = "ERROR"
)

// Terminal reports whether the status ends the tracking session.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusError
}

// RoutePhase identifies which leg of the mission a route belongs to.
// The wire format names the phases RED and BLUE after their display
// colors; phase identity is what matters, the colors follow from it.
type RoutePhase string

const (
	PhaseNone       RoutePhase = ""
	PhaseToPatient  RoutePhase = "TO_PATIENT"
	PhaseToHospital RoutePhase = "TO_HOSPITAL"
)

// Phase display colors, fixed regardless of dashboard theme.
const (
	colorToPatient  = "#ef4444"
	colorToHospital = "#3b82f6"
)

// Color returns the polyline/marker color for the phase.
func (p RoutePhase) Color() string {
	if p == PhaseToHospital {
		return colorToHospital
	}
	return colorToPatient
}

// phaseFromWire maps the backend's phase names (including the legacy
// color aliases) onto phases. Unknown values map to PhaseNone.
func phaseFromWire(s string) RoutePhase {
	switch s {
	case "TO_PATIENT", "RED":
		return PhaseToPatient
	case "TO_HOSPITAL", "BLUE":
		return PhaseToHospital
	default:
		return PhaseNone
	}
}

// VehicleClass is the transport vehicle class implied by severity.
type VehicleClass string

const (
	VehicleAdvancedLifeSupport VehicleClass = "advanced life-support vehicle"
	VehicleStandard            VehicleClass = "standard ambulance"
)

// VehicleClassFor derives the vehicle class from the severity level.
func VehicleClassFor(severity int) VehicleClass {
	if severity >= 3 {
		return VehicleAdvancedLifeSupport
	}
	return VehicleStandard
}

// SeverityLabel renders a severity level for display.
func SeverityLabel(level int) string {
	names := map[int]string{
		1: "critical",
		2: "urgent",
		3: "moderate",
		4: "minor",
		5: "benign",
	}
	name, ok := names[level]
	if !ok {
		return fmt.Sprintf("level %d", level)
	}
	return fmt.Sprintf("level %d (%s)", level, name)
}

// Hospital is the hospital selected for the alert.
type Hospital struct {
	Name       string
	Lat        float64
	Lng        float64
	DistanceKm float64 // server-supplied; NaN when absent
	Service    string
	BedNumber  string
}

// Ambulance is the live-reported ambulance state.
type Ambulance struct {
	ID  string
	Lat float64
	Lng float64
}

// ProtocolAdvisory is the specialist care protocol attached to an alert
// once triage completes.
type ProtocolAdvisory struct {
	SuspectedDiagnosis string   `json:"suspected_diagnosis"`
	TransportProtocol  string   `json:"transport_protocol"`
	IntakeChecklist    []string `json:"intake_checklist"`
	Medications        []string `json:"medications"`
}

// AlertSnapshot is one polling response: the alert's full current state.
// Route geometry is kept raw per phase and decoded lazily, since a route
// is drawn at most once per phase.
type AlertSnapshot struct {
	AlertID     string
	Status      Status
	ActivePhase RoutePhase

	// RouteGeometry holds the raw geometry payload per phase, present
	// only once the server has computed the route.
	RouteGeometry map[RoutePhase]json.RawMessage

	Hospital  *Hospital
	Ambulance *Ambulance

	ETAMinutes    float64 // NaN when absent
	SeverityLevel int     // 1 (most critical) to 5; 0 when absent
	ActivityLog   []string

	// DistAmbulancePatientKm and DistPatientHospitalKm are the
	// server-supplied display distances; NaN when the server omits them
	// and the client computes its own.
	DistAmbulancePatientKm float64
	DistPatientHospitalKm  float64

	Advisory *ProtocolAdvisory
}

// AlertSummary is the dashboard-level view of an alert.
type AlertSummary struct {
	ID          string  `json:"id"`
	PatientName string  `json:"patient_name"`
	Age         int     `json:"age"`
	Symptoms    string  `json:"symptoms"`
	Severity    int     `json:"severity"`
	Status      string  `json:"status"`
	ETA         string  `json:"eta"`
	CreatedAt   string  `json:"created_at"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
}
