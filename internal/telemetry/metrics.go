package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RelayMetrics exports the per-session relay counters as otel instruments.
// A nil *RelayMetrics is valid and records nothing.
type RelayMetrics struct {
	joins            metric.Int64Counter
	phaseChanges     metric.Int64Counter
	elementMutations metric.Int64Counter
	chatMessages     metric.Int64Counter
	errors           metric.Int64Counter
	activeSessions   metric.Int64UpDownCounter
}

func NewRelayMetrics(mp metric.MeterProvider) (*RelayMetrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(ScopeName)

	var (
		m   RelayMetrics
		err error
	)
	if m.joins, err = meter.Int64Counter("battlesync.relay.joins"); err != nil {
		return nil, err
	}
	if m.phaseChanges, err = meter.Int64Counter("battlesync.relay.phase_changes"); err != nil {
		return nil, err
	}
	if m.elementMutations, err = meter.Int64Counter("battlesync.relay.element_mutations"); err != nil {
		return nil, err
	}
	if m.chatMessages, err = meter.Int64Counter("battlesync.relay.chat_messages"); err != nil {
		return nil, err
	}
	if m.errors, err = meter.Int64Counter("battlesync.relay.errors"); err != nil {
		return nil, err
	}
	if m.activeSessions, err = meter.Int64UpDownCounter("battlesync.relay.active_sessions"); err != nil {
		return nil, err
	}
	return &m, nil
}

func sessionAttr(code string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("session", code))
}

func (m *RelayMetrics) Join(ctx context.Context, code string) {
	if m != nil {
		m.joins.Add(ctx, 1, sessionAttr(code))
	}
}

func (m *RelayMetrics) PhaseChange(ctx context.Context, code string) {
	if m != nil {
		m.phaseChanges.Add(ctx, 1, sessionAttr(code))
	}
}

func (m *RelayMetrics) ElementMutation(ctx context.Context, code string) {
	if m != nil {
		m.elementMutations.Add(ctx, 1, sessionAttr(code))
	}
}

func (m *RelayMetrics) Chat(ctx context.Context, code string) {
	if m != nil {
		m.chatMessages.Add(ctx, 1, sessionAttr(code))
	}
}

func (m *RelayMetrics) Error(ctx context.Context, code, kind string) {
	if m != nil {
		m.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("session", code), attribute.String("kind", kind)))
	}
}

func (m *RelayMetrics) SessionOpened(ctx context.Context) {
	if m != nil {
		m.activeSessions.Add(ctx, 1)
	}
}

func (m *RelayMetrics) SessionClosed(ctx context.Context) {
	if m != nil {
		m.activeSessions.Add(ctx, -1)
	}
}
