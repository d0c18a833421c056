// Package hospitals provides the static hospital directory used for
// map annotation and nearest-facility lookups when the backend does not
// supply a selection.
package hospitals

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/medispatch/medispatch/internal/geo"
)

// ErrEmptyDirectory is returned by lookups on a directory with no entries.
var ErrEmptyDirectory = errors.New("hospital directory is empty")

// Entry is one hospital in the directory.
type Entry struct {
	Name     string  `json:"name"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Locality string  `json:"locality"`
}

// Position returns the hospital's position.
func (e Entry) Position() geo.Position {
	return geo.Position{Lat: e.Lat, Lng: e.Lng}
}

// Ranked is an entry annotated with its distance from a query point.
type Ranked struct {
	Entry
	DistanceKm float64
}

// Directory is an in-memory hospital directory. Immutable after load,
// safe for concurrent lookups.
type Directory struct {
	entries []Entry
}

// New creates a directory from entries. Coordinate ordering is corrected
// on the way in; entries without a usable fix are dropped.
func New(entries []Entry) *Directory {
	kept := make([]Entry, 0, len(entries))
	for _, e := range entries {
		e.Lat, e.Lng = geo.CorrectOrdering(e.Lat, e.Lng)
		if !(geo.Position{Lat: e.Lat, Lng: e.Lng}).Valid() {
			continue
		}
		kept = append(kept, e)
	}
	return &Directory{entries: kept}
}

// LoadFile loads a directory from a JSON file holding an array of entries.
func LoadFile(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading hospital directory: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing hospital directory: %w", err)
	}

	return New(entries), nil
}

// Len returns the number of entries.
func (d *Directory) Len() int {
	return len(d.entries)
}

// All returns every entry, for drawing the full facility layer.
func (d *Directory) All() []Entry {
	out := make([]Entry, len(d.entries))
	copy(out, d.entries)
	return out
}

// Nearest returns up to max entries ranked by haversine distance from
// the query point.
func (d *Directory) Nearest(from geo.Position, max int) ([]Ranked, error) {
	if len(d.entries) == 0 {
		return nil, ErrEmptyDirectory
	}

	ranked := make([]Ranked, 0, len(d.entries))
	for _, e := range d.entries {
		ranked = append(ranked, Ranked{
			Entry:      e,
			DistanceKm: geo.Distance(from, e.Position()),
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].DistanceKm < ranked[j].DistanceKm
	})

	if max > 0 && max < len(ranked) {
		ranked = ranked[:max]
	}
	return ranked, nil
}

// NearestOne returns the single closest hospital.
func (d *Directory) NearestOne(from geo.Position) (Ranked, error) {
	ranked, err := d.Nearest(from, 1)
	if err != nil {
		return Ranked{}, err
	}
	return ranked[0], nil
}
