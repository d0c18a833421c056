package export

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medispatch/medispatch/internal/tracking"
)

type memorySink struct {
	mu     sync.Mutex
	events []TransitionMessage
	attrs  []map[string]string
	err    error
}

func (s *memorySink) Publish(_ context.Context, data []byte, attrs map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	var msg TransitionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	s.events = append(s.events, msg)
	s.attrs = append(s.attrs, attrs)
	return nil
}

func (s *memorySink) all() []TransitionMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TransitionMessage, len(s.events))
	copy(out, s.events)
	return out
}

func snapshot(alertID string, status tracking.Status) *tracking.AlertSnapshot {
	return &tracking.AlertSnapshot{
		AlertID:    alertID,
		Status:     status,
		ETAMinutes: math.NaN(),
	}
}

func TestStatusExporter_PublishesTransitions(t *testing.T) {
	sink := &memorySink{}
	e := NewStatusExporter(StatusExporterConfig{Sink: sink, Logger: zerolog.Nop()})
	e.now = func() time.Time { return time.Date(2026, 8, 27, 14, 0, 0, 0, time.UTC) }

	ctx := context.Background()
	e.Observe(ctx, snapshot("A1", tracking.StatusSearchingHospitals))
	e.Observe(ctx, snapshot("A1", tracking.StatusEnRouteToPatient))

	events := sink.all()
	require.Len(t, events, 2)

	assert.Equal(t, "", events[0].From, "first observation has no prior status")
	assert.Equal(t, "SEARCHING_HOSPITALS", events[0].To)
	assert.Equal(t, "2026-08-27T14:00:00Z", events[0].OccurredAt)

	assert.Equal(t, "SEARCHING_HOSPITALS", events[1].From)
	assert.Equal(t, "EN_ROUTE_TO_PATIENT", events[1].To)

	assert.Equal(t, "A1", sink.attrs[0]["alert_id"])
	assert.Equal(t, "SEARCHING_HOSPITALS", sink.attrs[0]["status"])
}

func TestStatusExporter_DedupesUnchangedStatus(t *testing.T) {
	sink := &memorySink{}
	e := NewStatusExporter(StatusExporterConfig{Sink: sink, Logger: zerolog.Nop()})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		e.Observe(ctx, snapshot("A1", tracking.StatusEnRouteToPatient))
	}

	assert.Len(t, sink.all(), 1, "repeated snapshots with one status publish once")
}

func TestStatusExporter_TracksAlertsIndependently(t *testing.T) {
	sink := &memorySink{}
	e := NewStatusExporter(StatusExporterConfig{Sink: sink, Logger: zerolog.Nop()})

	ctx := context.Background()
	e.Observe(ctx, snapshot("A1", tracking.StatusEnRouteToPatient))
	e.Observe(ctx, snapshot("A2", tracking.StatusEnRouteToPatient))

	assert.Len(t, sink.all(), 2, "same status on different alerts is two transitions")
}

func TestStatusExporter_ForgetResetsAlert(t *testing.T) {
	sink := &memorySink{}
	e := NewStatusExporter(StatusExporterConfig{Sink: sink, Logger: zerolog.Nop()})

	ctx := context.Background()
	e.Observe(ctx, snapshot("A1", tracking.StatusResolved))
	e.Forget("A1")
	e.Observe(ctx, snapshot("A1", tracking.StatusResolved))

	events := sink.all()
	require.Len(t, events, 2)
	assert.Equal(t, "", events[1].From, "a forgotten alert starts from scratch")
}

func TestStatusExporter_PublishFailureIsSwallowed(t *testing.T) {
	sink := &memorySink{err: errors.New("topic gone")}
	e := NewStatusExporter(StatusExporterConfig{Sink: sink, Logger: zerolog.Nop()})

	// Must not panic or propagate.
	e.Observe(context.Background(), snapshot("A1", tracking.StatusError))
	assert.Empty(t, sink.all())
}

func TestStatusExporter_OmitsNaNETA(t *testing.T) {
	sink := &memorySink{}
	e := NewStatusExporter(StatusExporterConfig{Sink: sink, Logger: zerolog.Nop()})

	snap := snapshot("A1", tracking.StatusEnRouteToHospital)
	snap.ETAMinutes = 6.5
	e.Observe(context.Background(), snap)

	events := sink.all()
	require.Len(t, events, 1)
	assert.InDelta(t, 6.5, events[0].ETAMinutes, 1e-9)
}
