package hospitals

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medispatch/medispatch/internal/geo"
)

func loadTestDirectory(t *testing.T) *Directory {
	t.Helper()
	dir, err := LoadFile(filepath.Join("testdata", "hospitals.json"))
	require.NoError(t, err)
	return dir
}

func TestLoadFile(t *testing.T) {
	dir := loadTestDirectory(t)

	// Five entries in the file: one has an out-of-range fix and is dropped.
	assert.Equal(t, 4, dir.Len())
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join("testdata", "nope.json"))
	assert.Error(t, err)
}

func TestDirectory_CorrectsSwappedEntries(t *testing.T) {
	dir := loadTestDirectory(t)

	// Moulay Youssef is stored lng-first in the fixture.
	for _, e := range dir.All() {
		if e.Name == "Hopital Moulay Youssef" {
			assert.InDelta(t, 33.5730, e.Lat, 1e-9)
			assert.InDelta(t, -7.6290, e.Lng, 1e-9)
			return
		}
	}
	t.Fatal("expected Hopital Moulay Youssef in directory")
}

func TestDirectory_Nearest(t *testing.T) {
	dir := loadTestDirectory(t)

	// Patient near the old medina: Ain Borja is closest.
	patient := geo.Position{Lat: 33.5850, Lng: -7.5900}

	ranked, err := dir.Nearest(patient, 2)
	require.NoError(t, err)
	require.Len(t, ranked, 2)

	assert.Equal(t, "Clinique Ain Borja", ranked[0].Name)
	assert.Less(t, ranked[0].DistanceKm, ranked[1].DistanceKm)

	one, err := dir.NearestOne(patient)
	require.NoError(t, err)
	assert.Equal(t, ranked[0].Name, one.Name)
}

func TestDirectory_Empty(t *testing.T) {
	dir := New(nil)

	_, err := dir.Nearest(geo.Position{Lat: 33.57, Lng: -7.59}, 3)
	assert.ErrorIs(t, err, ErrEmptyDirectory)
}
