package notifier

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "taskbell/notifier"

type metrics struct {
	decisions metric.Int64Counter
	channel   metric.Int64Counter
	digests   metric.Int64Counter
	evicted   metric.Int64Counter
}

// newMetrics builds instruments on mp, or on the global provider when mp is
// nil. The global provider is a no-op until the process installs an SDK.
func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	var meter metric.Meter
	if mp != nil {
		meter = mp.Meter(meterName)
	} else {
		meter = otel.Meter(meterName)
	}
	m := &metrics{}
	var err error
	if m.decisions, err = meter.Int64Counter("taskbell.notifications",
		metric.WithDescription("Dispatcher decisions by event type and outcome")); err != nil {
		return nil, err
	}
	if m.channel, err = meter.Int64Counter("taskbell.deliveries",
		metric.WithDescription("Channel delivery attempts by channel and status")); err != nil {
		return nil, err
	}
	if m.digests, err = meter.Int64Counter("taskbell.digests",
		metric.WithDescription("Digest flushes by status")); err != nil {
		return nil, err
	}
	if m.evicted, err = meter.Int64Counter("taskbell.cache.evicted",
		metric.WithDescription("Entries removed by the cache janitor")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) decision(ctx context.Context, kind string, o Outcome) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", kind),
		attribute.String("outcome", o.String()),
	))
}

func (m *metrics) delivery(ctx context.Context, channel string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.channel.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("status", status),
	))
}

func (m *metrics) digest(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.digests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *metrics) eviction(ctx context.Context, cache string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.evicted.Add(ctx, int64(n), metric.WithAttributes(attribute.String("cache", cache)))
}
