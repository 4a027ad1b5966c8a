package quickfix

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/patrykniedzwiecki/quickfix/internal/model"
)

const meterName = "github.com/patrykniedzwiecki/quickfix/internal/quickfix"

type metrics struct {
	started   metric.Int64Counter
	completed metric.Int64Counter
	inflight  metric.Int64UpDownCounter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	started, err := meter.Int64Counter("quickfix.tasks.started",
		metric.WithDescription("Number of started quick fix tasks"))
	if err != nil {
		return nil, fmt.Errorf("creating started counter: %w", err)
	}
	completed, err := meter.Int64Counter("quickfix.tasks.completed",
		metric.WithDescription("Number of finished quick fix tasks"))
	if err != nil {
		return nil, fmt.Errorf("creating completed counter: %w", err)
	}
	inflight, err := meter.Int64UpDownCounter("quickfix.tasks.inflight",
		metric.WithDescription("Number of quick fix tasks in flight"))
	if err != nil {
		return nil, fmt.Errorf("creating inflight counter: %w", err)
	}
	return &metrics{
		started:   started,
		completed: completed,
		inflight:  inflight,
	}, nil
}

func (m *metrics) begin(ctx context.Context, typ Type) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("type", typ.String()))
	m.started.Add(ctx, 1, attrs)
	m.inflight.Add(ctx, 1, attrs)
}

func (m *metrics) finished(ctx context.Context, typ Type, code model.ResultCode) {
	if m == nil {
		return
	}
	m.inflight.Add(ctx, -1, metric.WithAttributes(attribute.String("type", typ.String())))
	m.completed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", typ.String()),
		attribute.String("result", code.String()),
	))
}

func (m *metrics) abandoned(ctx context.Context, typ Type) {
	if m == nil {
		return
	}
	m.inflight.Add(ctx, -1, metric.WithAttributes(attribute.String("type", typ.String())))
}
