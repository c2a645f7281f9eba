package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the queue instruments. A nil *Metrics records nothing.
type Metrics struct {
	ItemsProcessed     metric.Int64Counter
	ItemsFailed        metric.Int64Counter
	ItemsReleased      metric.Int64Counter
	ExtractionDuration metric.Float64Histogram
	ActiveSessions     metric.Int64UpDownCounter
	StuckReset         metric.Int64Counter
	SessionsClosed     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ItemsProcessed, err = meter.Int64Counter("memq.queue.processed",
		metric.WithDescription("Queue items committed"),
	)
	if err != nil {
		return nil, err
	}

	m.ItemsFailed, err = meter.Int64Counter("memq.queue.failed",
		metric.WithDescription("Failed processing attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.ItemsReleased, err = meter.Int64Counter("memq.queue.released",
		metric.WithDescription("Claims returned to pending by cancellation"),
	)
	if err != nil {
		return nil, err
	}

	m.ExtractionDuration, err = meter.Float64Histogram("memq.extraction.duration",
		metric.WithDescription("Extraction call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("memq.sessions.active",
		metric.WithDescription("Sessions with a running processing task"),
	)
	if err != nil {
		return nil, err
	}

	m.StuckReset, err = meter.Int64Counter("memq.recovery.stuck_reset",
		metric.WithDescription("Processing items returned to pending by the recovery sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsClosed, err = meter.Int64Counter("memq.recovery.sessions_closed",
		metric.WithDescription("Stale sessions closed by the recovery sweep"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func kindAttr(kind string) metric.MeasurementOption {
	return metric.WithAttributes(AttrQueueKind.String(kind))
}

func (m *Metrics) RecordProcessed(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.ItemsProcessed.Add(ctx, 1, kindAttr(kind))
}

func (m *Metrics) RecordFailed(ctx context.Context, kind string, terminal bool) {
	if m == nil {
		return
	}
	m.ItemsFailed.Add(ctx, 1, metric.WithAttributes(
		AttrQueueKind.String(kind),
		attribute.Bool("memq.queue.terminal", terminal),
	))
}

func (m *Metrics) RecordReleased(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.ItemsReleased.Add(ctx, 1, kindAttr(kind))
}

func (m *Metrics) RecordExtraction(ctx context.Context, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.ExtractionDuration.Record(ctx, d.Seconds(), kindAttr(kind))
}

func (m *Metrics) AddActiveSessions(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, delta)
}

func (m *Metrics) RecordSweep(ctx context.Context, reset int64, closed int) {
	if m == nil {
		return
	}
	m.StuckReset.Add(ctx, reset)
	m.SessionsClosed.Add(ctx, int64(closed))
}
