package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the pickupbot instruments. A nil *Metrics records nothing.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	TickDuration     metric.Float64Histogram
	Announcements    metric.Int64Counter
	PickupsCreated   metric.Int64Counter
	PickupsAmended   metric.Int64Counter
	Handoffs         metric.Int64Counter
	PickupsExpired   metric.Int64Counter
	DeliveryFailures metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("pickupbot.request.duration",
		metric.WithDescription("Admin gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TickDuration, err = meter.Float64Histogram("pickupbot.scheduler.tick.duration",
		metric.WithDescription("Repeat-announcement tick duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Announcements, err = meter.Int64Counter("pickupbot.announcements",
		metric.WithDescription("PA announcements attempted, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.PickupsCreated, err = meter.Int64Counter("pickupbot.pickups.created",
		metric.WithDescription("Pickup requests created"),
	)
	if err != nil {
		return nil, err
	}

	m.PickupsAmended, err = meter.Int64Counter("pickupbot.pickups.amended",
		metric.WithDescription("Open pickup requests amended in place"),
	)
	if err != nil {
		return nil, err
	}

	m.Handoffs, err = meter.Int64Counter("pickupbot.pickups.handed_over",
		metric.WithDescription("Pickup requests handed over"),
	)
	if err != nil {
		return nil, err
	}

	m.PickupsExpired, err = meter.Int64Counter("pickupbot.pickups.expired",
		metric.WithDescription("Pickup requests expired as stale"),
	)
	if err != nil {
		return nil, err
	}

	m.DeliveryFailures, err = meter.Int64Counter("pickupbot.delivery.failures",
		metric.WithDescription("Best-effort deliveries that failed, by channel"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordTick(ctx context.Context, d time.Duration, due int) {
	if m == nil {
		return
	}
	m.TickDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Int("due", due)))
}

// RecordAnnouncement counts one PA attempt; outcome is "ok", "failed" or "skipped".
func (m *Metrics) RecordAnnouncement(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.Announcements.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordExpired(ctx context.Context, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.PickupsExpired.Add(ctx, n)
}

func (m *Metrics) RecordPickup(ctx context.Context, amended bool) {
	if m == nil {
		return
	}
	if amended {
		m.PickupsAmended.Add(ctx, 1)
		return
	}
	m.PickupsCreated.Add(ctx, 1)
}

func (m *Metrics) RecordHandoff(ctx context.Context) {
	if m == nil {
		return
	}
	m.Handoffs.Add(ctx, 1)
}

func (m *Metrics) RecordDeliveryFailure(ctx context.Context, channel string) {
	if m == nil {
		return
	}
	m.DeliveryFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

func (m *Metrics) RecordRequest(ctx context.Context, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}
