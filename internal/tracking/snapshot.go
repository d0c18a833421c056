package tracking

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/medispatch/medispatch/internal/geo"
)

// flexFloat is a float64 that tolerates the backend's loose typing:
// numbers may arrive as JSON numbers, numeric strings, or null.
// Unparseable values decode to NaN, which downstream code treats as "not
// yet available" rather than an error. Wire structs hold *flexFloat so
// absent fields also read as NaN via fv.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*f = flexFloat(math.NaN())
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = flexFloat(math.NaN())
		return nil
	}
	*f = flexFloat(v)
	return nil
}

// fv unwraps an optional wire float; absent means NaN.
func fv(f *flexFloat) float64 {
	if f == nil {
		return math.NaN()
	}
	return float64(*f)
}

// flexString tolerates string fields that sometimes arrive as numbers.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	*f = flexString(strings.Trim(string(data), `"`))
	return nil
}

// wireSnapshot is the raw shape of GET /api/alert/{id}/data.
type wireSnapshot struct {
	Error string `json:"error"`

	Status      string          `json:"status"`
	RouteActive string          `json:"route_active"`
	RouteRed    json.RawMessage `json:"route_red"`
	RouteBlue   json.RawMessage `json:"route_blue"`

	SelectedHospital *wireHospital  `json:"selected_hospital"`
	Ambulance        *wireAmbulance `json:"ambulance"`

	ETAMinutes    *flexFloat      `json:"eta_minutes"`
	SeverityLevel *flexFloat      `json:"severity_level"`
	Logs          []string        `json:"logs"`
	DistAmbPat    *flexFloat      `json:"dist_amb_pat"`
	DistPatHosp   *flexFloat      `json:"dist_pat_hosp"`
	Protocol      json.RawMessage `json:"medical_protocol"`
}

type wireHospital struct {
	Name        string           `json:"name"`
	Coordinates *wireCoordinates `json:"coordinates"`
	Lat         *flexFloat       `json:"lat"`
	Lng         *flexFloat       `json:"lng"`
	DistanceKm  *flexFloat       `json:"distance_km"`
	Service     string           `json:"service"`
	BedNumber   flexString       `json:"bed_number"`
}

type wireCoordinates struct {
	Lat *flexFloat `json:"lat"`
	Lng *flexFloat `json:"lng"`
}

type wireAmbulance struct {
	ID         flexString `json:"id"`
	CurrentLat *flexFloat `json:"current_lat"`
	CurrentLng *flexFloat `json:"current_lng"`
}

// DecodeSnapshot parses and coerces one polling response. A payload whose
// error field is set decodes to ErrAlertNotFound, the terminal signal for
// a session. Absent or wrong-typed fields coerce to their "not yet
// available" values; only structurally invalid JSON is an error.
func DecodeSnapshot(alertID string, body []byte) (*AlertSnapshot, error) {
	var w wireSnapshot
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("decoding alert snapshot: %w", err)
	}

	if w.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, w.Error)
	}

	snap := &AlertSnapshot{
		AlertID:                alertID,
		Status:                 Status(w.Status),
		ActivePhase:            phaseFromWire(w.RouteActive),
		ETAMinutes:             fv(w.ETAMinutes),
		ActivityLog:            w.Logs,
		DistAmbulancePatientKm: fv(w.DistAmbPat),
		DistPatientHospitalKm:  fv(w.DistPatHosp),
		RouteGeometry:          make(map[RoutePhase]json.RawMessage, 2),
	}

	if sev := fv(w.SeverityLevel); !math.IsNaN(sev) {
		snap.SeverityLevel = int(sev)
	}

	if len(w.RouteRed) > 0 && string(w.RouteRed) != "null" {
		snap.RouteGeometry[PhaseToPatient] = w.RouteRed
	}
	if len(w.RouteBlue) > 0 && string(w.RouteBlue) != "null" {
		snap.RouteGeometry[PhaseToHospital] = w.RouteBlue
	}

	if w.SelectedHospital != nil {
		snap.Hospital = decodeHospital(w.SelectedHospital)
	}
	if w.Ambulance != nil {
		snap.Ambulance = decodeAmbulance(w.Ambulance)
	}
	if len(w.Protocol) > 0 && string(w.Protocol) != "null" {
		var adv ProtocolAdvisory
		if err := json.Unmarshal(w.Protocol, &adv); err == nil {
			snap.Advisory = &adv
		}
	}

	return snap, nil
}

// decodeHospital accepts either nested coordinates or flat lat/lng, and
// applies the ordering heuristic at the boundary.
func decodeHospital(w *wireHospital) *Hospital {
	lat, lng := fv(w.Lat), fv(w.Lng)
	if w.Coordinates != nil {
		lat, lng = fv(w.Coordinates.Lat), fv(w.Coordinates.Lng)
	}
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return nil
	}
	lat, lng = geo.CorrectOrdering(lat, lng)

	return &Hospital{
		Name:       w.Name,
		Lat:        lat,
		Lng:        lng,
		DistanceKm: fv(w.DistanceKm),
		Service:    w.Service,
		BedNumber:  string(w.BedNumber),
	}
}

func decodeAmbulance(w *wireAmbulance) *Ambulance {
	lat, lng := fv(w.CurrentLat), fv(w.CurrentLng)
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return nil
	}
	lat, lng = geo.CorrectOrdering(lat, lng)

	return &Ambulance{
		ID:  string(w.ID),
		Lat: lat,
		Lng: lng,
	}
}

// Position returns the ambulance position.
func (a *Ambulance) Position() geo.Position {
	return geo.Position{Lat: a.Lat, Lng: a.Lng}
}

// Position returns the hospital position.
func (h *Hospital) Position() geo.Position {
	return geo.Position{Lat: h.Lat, Lng: h.Lng}
}

// Summary renders an advisory as a single display line.
func (p *ProtocolAdvisory) Summary() string {
	if p == nil {
		return ""
	}
	parts := make([]string, 0, 3)
	if p.SuspectedDiagnosis != "" {
		parts = append(parts, p.SuspectedDiagnosis)
	}
	if p.TransportProtocol != "" {
		parts = append(parts, p.TransportProtocol)
	}
	if len(p.Medications) > 0 {
		parts = append(parts, "prepare: "+strings.Join(p.Medications, ", "))
	}
	return strings.Join(parts, "; ")
}
