// Package export publishes alert status transitions to Pub/Sub so
// downstream consumers (shift reporting, the SMS notifier) see mission
// progress without polling the dispatch backend themselves.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"

	"github.com/medispatch/medispatch/internal/tracking"
)

// Sink delivers one encoded event. The production sink is a Pub/Sub
// topic; tests substitute their own.
type Sink interface {
	Publish(ctx context.Context, data []byte, attrs map[string]string) error
}

// TransitionMessage is the wire format of one status transition event.
type TransitionMessage struct {
	AlertID    string  `json:"alert_id"`
	From       string  `json:"from"`
	To         string  `json:"to"`
	Severity   int     `json:"severity,omitempty"`
	ETAMinutes float64 `json:"eta_minutes,omitempty"`
	OccurredAt string  `json:"occurred_at"`
}

// StatusExporter turns the stream of processed snapshots into status
// transition events. Repeated snapshots with an unchanged status publish
// nothing.
type StatusExporter struct {
	sink   Sink
	logger zerolog.Logger
	now    func() time.Time

	mu   sync.Mutex
	last map[string]tracking.Status
}

// StatusExporterConfig holds configuration for the exporter.
type StatusExporterConfig struct {
	Sink   Sink
	Logger zerolog.Logger
}

// NewStatusExporter creates a status exporter.
func NewStatusExporter(cfg StatusExporterConfig) *StatusExporter {
	return &StatusExporter{
		sink:   cfg.Sink,
		logger: cfg.Logger,
		now:    time.Now,
		last:   make(map[string]tracking.Status),
	}
}

// Observe inspects one processed snapshot and publishes a transition
// event when the alert's status changed. Designed to be registered via
// Session.Subscribe.
func (e *StatusExporter) Observe(ctx context.Context, snap *tracking.AlertSnapshot) {
	e.mu.Lock()
	prev, seen := e.last[snap.AlertID]
	if seen && prev == snap.Status {
		e.mu.Unlock()
		return
	}
	e.last[snap.AlertID] = snap.Status
	e.mu.Unlock()

	msg := TransitionMessage{
		AlertID:    snap.AlertID,
		From:       string(prev),
		To:         string(snap.Status),
		Severity:   snap.SeverityLevel,
		OccurredAt: e.now().UTC().Format(time.RFC3339),
	}
	if !math.IsNaN(snap.ETAMinutes) {
		msg.ETAMinutes = snap.ETAMinutes
	}

	data, err := json.Marshal(msg)
	if err != nil {
		e.logger.Error().Err(err).Msg("encoding transition event")
		return
	}

	attrs := map[string]string{
		"alert_id": snap.AlertID,
		"status":   string(snap.Status),
	}

	if err := e.sink.Publish(ctx, data, attrs); err != nil {
		// Export is best effort: a publish failure never disturbs tracking.
		e.logger.Warn().Err(err).Str("alert_id", snap.AlertID).Msg("publishing transition event failed")
		return
	}

	e.logger.Debug().
		Str("alert_id", snap.AlertID).
		Str("from", msg.From).
		Str("to", msg.To).
		Msg("status transition published")
}

// Forget drops the remembered status for an alert, typically once its
// session ends.
func (e *StatusExporter) Forget(alertID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.last, alertID)
}

// TopicSink publishes events to a Pub/Sub topic.
type TopicSink struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	topic     string
}

// TopicSinkConfig holds configuration for the Pub/Sub sink.
type TopicSinkConfig struct {
	ProjectID string
	Topic     string
}

// NewTopicSink creates a Pub/Sub-backed sink.
func NewTopicSink(ctx context.Context, cfg TopicSinkConfig) (*TopicSink, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	return &TopicSink{
		client:    client,
		publisher: client.Publisher(cfg.Topic),
		topic:     cfg.Topic,
	}, nil
}

// Publish sends one event and waits for the server acknowledgment.
func (s *TopicSink) Publish(ctx context.Context, data []byte, attrs map[string]string) error {
	result := s.publisher.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publishing to %s: %w", s.topic, err)
	}
	return nil
}

// Close stops the publisher and closes the client.
func (s *TopicSink) Close() error {
	s.publisher.Stop()
	return s.client.Close()
}
