package tracking

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the poll-cycle instruments for tracking sessions. A nil
// *Metrics is valid and records nothing, so instrumentation stays
// optional for library users and tests.
type Metrics struct {
	polls        metric.Int64Counter
	pollFailures metric.Int64Counter
	snapshots    metric.Int64Counter
	routeDraws   metric.Int64Counter
}

// NewMetrics creates the tracking instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	polls, err := meter.Int64Counter("tracking.polls",
		metric.WithDescription("Snapshot fetches issued"))
	if err != nil {
		return nil, err
	}

	pollFailures, err := meter.Int64Counter("tracking.poll_failures",
		metric.WithDescription("Snapshot fetches that failed transiently"))
	if err != nil {
		return nil, err
	}

	snapshots, err := meter.Int64Counter("tracking.snapshots_processed",
		metric.WithDescription("Snapshots reconciled against rendered state"))
	if err != nil {
		return nil, err
	}

	routeDraws, err := meter.Int64Counter("tracking.route_draws",
		metric.WithDescription("Route polylines drawn"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		polls:        polls,
		pollFailures: pollFailures,
		snapshots:    snapshots,
		routeDraws:   routeDraws,
	}, nil
}

func (m *Metrics) recordPoll(ctx context.Context, alertID string) {
	if m == nil {
		return
	}
	m.polls.Add(ctx, 1, metric.WithAttributes(attribute.String("alert_id", alertID)))
}

func (m *Metrics) recordPollFailure(ctx context.Context, alertID string) {
	if m == nil {
		return
	}
	m.pollFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("alert_id", alertID)))
}

func (m *Metrics) recordSnapshot(ctx context.Context, alertID, status string) {
	if m == nil {
		return
	}
	m.snapshots.Add(ctx, 1, metric.WithAttributes(
		attribute.String("alert_id", alertID),
		attribute.String("status", status),
	))
}

func (m *Metrics) recordRouteDraw(ctx context.Context, alertID, phase string) {
	if m == nil {
		return
	}
	m.routeDraws.Add(ctx, 1, metric.WithAttributes(
		attribute.String("alert_id", alertID),
		attribute.String("phase", phase),
	))
}
