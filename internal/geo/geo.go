// Package geo provides coordinate utilities for the dispatch monitor:
// ordering correction, great-circle distance, and route geometry decoding.
package geo

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/medispatch/medispatch/pkg/polyline"
)

// EarthRadiusKm is the mean Earth radius used for great-circle distances.
const EarthRadiusKm = 6371.0

// Position represents a geographic point.
type Position struct {
	Lat float64
	Lng float64
}

// Valid reports whether both components are real numbers within range.
func (p Position) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// CorrectOrdering swaps a coordinate pair when latitude is negative and
// longitude positive. Upstream data occasionally transposes lat/lng for
// points in regions where that sign combination cannot occur legitimately.
// This is a defensive heuristic for known-bad feeds, not a general fix:
// genuine southern-hemisphere/eastern points would be mangled by it, so it
// must only guard data sources confirmed to exhibit the transposition.
func CorrectOrdering(lat, lng float64) (float64, float64) {
	if lat < 0 && lng > 0 {
		return lng, lat
	}
	return lat, lng
}

// HaversineKm returns the great-circle distance in kilometers between two
// points. Any NaN input propagates as NaN rather than an error; callers
// render NaN with FormatKm.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	if math.IsNaN(lat1) || math.IsNaN(lng1) || math.IsNaN(lat2) || math.IsNaN(lng2) {
		return math.NaN()
	}

	dLat := toRadians(lat2 - lat1)
	dLng := toRadians(lng2 - lng1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusKm * c
}

// Distance returns the great-circle distance between two positions.
func Distance(a, b Position) float64 {
	return HaversineKm(a.Lat, a.Lng, b.Lat, b.Lng)
}

// FormatKm renders a distance for display. NaN (missing input) renders as
// the "--" placeholder the dashboard shows before data arrives.
func FormatKm(km float64) string {
	if math.IsNaN(km) {
		return "--"
	}
	return fmt.Sprintf("%.1f km", km)
}

// geoJSONGeometry is the subset of a GeoJSON geometry object the decoder
// accepts. Coordinates are lng-first per the GeoJSON spec.
type geoJSONGeometry struct {
	Coordinates [][]float64 `json:"coordinates"`
}

// DecodeRouteGeometry decodes route geometry from any of the shapes the
// dispatch backend has been observed to ship:
//
//   - a JSON array of [lat, lng] pairs (ordering heuristic applied per pair)
//   - a GeoJSON-like object with a lng-first "coordinates" field
//   - either of the above wrapped in a JSON string
//   - an encoded polyline string (precision 5)
//
// A missing or malformed route is a common, recoverable state (the route
// may simply not be computed yet), so callers should log the error and
// treat the result as empty rather than failing the update cycle.
func DecodeRouteGeometry(raw json.RawMessage) ([]Position, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	// Unwrap a string payload: either nested JSON or an encoded polyline.
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, nil
		}
		if s[0] == '[' || s[0] == '{' {
			return DecodeRouteGeometry(json.RawMessage(s))
		}
		return decodePolyline(s)
	}

	var pairs [][]float64
	if err := json.Unmarshal(raw, &pairs); err == nil {
		return decodePairs(pairs)
	}

	var obj geoJSONGeometry
	if err := json.Unmarshal(raw, &obj); err == nil && len(obj.Coordinates) > 0 {
		return decodeGeoJSON(obj.Coordinates)
	}

	return nil, fmt.Errorf("route geometry: unrecognized shape %q", truncate(raw, 40))
}

// decodePairs handles raw [lat, lng] arrays with the ordering heuristic.
func decodePairs(pairs [][]float64) ([]Position, error) {
	points := make([]Position, 0, len(pairs))
	for i, p := range pairs {
		if len(p) < 2 {
			return nil, fmt.Errorf("route geometry: pair %d has %d components", i, len(p))
		}
		lat, lng := CorrectOrdering(p[0], p[1])
		points = append(points, Position{Lat: lat, Lng: lng})
	}
	return points, nil
}

// decodeGeoJSON handles lng-first coordinate lists. The axis swap is
// unconditional here: GeoJSON defines the order, no heuristic needed.
func decodeGeoJSON(coords [][]float64) ([]Position, error) {
	points := make([]Position, 0, len(coords))
	for i, c := range coords {
		if len(c) < 2 {
			return nil, fmt.Errorf("route geometry: coordinate %d has %d components", i, len(c))
		}
		points = append(points, Position{Lat: c[1], Lng: c[0]})
	}
	return points, nil
}

func decodePolyline(encoded string) ([]Position, error) {
	coords := polyline.Decode(encoded)
	if len(coords) == 0 {
		return nil, fmt.Errorf("route geometry: empty polyline %q", truncate([]byte(encoded), 40))
	}
	points := make([]Position, 0, len(coords))
	for _, c := range coords {
		if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
			return nil, fmt.Errorf("route geometry: polyline decoded out of range (%.5f, %.5f)", c.Lat, c.Lon)
		}
		points = append(points, Position{Lat: c.Lat, Lng: c.Lon})
	}
	return points, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Bounds is a geographic bounding box.
type Bounds struct {
	MinLat float64
	MinLng float64
	MaxLat float64
	MaxLng float64
}

// BoundsOf returns the bounding box of a set of points and whether the
// set was non-empty.
func BoundsOf(points []Position) (Bounds, bool) {
	if len(points) == 0 {
		return Bounds{}, false
	}
	b := Bounds{
		MinLat: points[0].Lat, MaxLat: points[0].Lat,
		MinLng: points[0].Lng, MaxLng: points[0].Lng,
	}
	for _, p := range points[1:] {
		b.MinLat = math.Min(b.MinLat, p.Lat)
		b.MaxLat = math.Max(b.MaxLat, p.Lat)
		b.MinLng = math.Min(b.MinLng, p.Lng)
		b.MaxLng = math.Max(b.MaxLng, p.Lng)
	}
	return b, true
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
