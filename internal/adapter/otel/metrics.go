package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yyup/aistream/internal/domain/chat"
)

const meterName = "aistream"

// Metrics holds all aistream metric instruments. A nil *Metrics records nothing.
type Metrics struct {
	TurnsStarted  metric.Int64Counter
	TurnsFinished metric.Int64Counter
	ActiveTurns   metric.Int64UpDownCounter
	ToolCalls     metric.Int64Counter
	Frames        metric.Int64Counter
	TurnDuration  metric.Float64Histogram
	ToolDuration  metric.Float64Histogram
}

// NewMetrics creates all metric instruments on mp, or on the global meter
// provider when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TurnsStarted, err = meter.Int64Counter("aistream.turns.started",
		metric.WithDescription("Number of chat turns started"))
	if err != nil {
		return nil, err
	}

	m.TurnsFinished, err = meter.Int64Counter("aistream.turns.finished",
		metric.WithDescription("Number of chat turns that reached a terminal state"))
	if err != nil {
		return nil, err
	}

	m.ActiveTurns, err = meter.Int64UpDownCounter("aistream.turns.active",
		metric.WithDescription("Chat turns currently streaming"))
	if err != nil {
		return nil, err
	}

	m.ToolCalls, err = meter.Int64Counter("aistream.toolcalls",
		metric.WithDescription("Number of tool calls"))
	if err != nil {
		return nil, err
	}

	m.Frames, err = meter.Int64Counter("aistream.frames",
		metric.WithDescription("Number of SSE frames emitted"))
	if err != nil {
		return nil, err
	}

	m.TurnDuration, err = meter.Float64Histogram("aistream.turn.duration_seconds",
		metric.WithDescription("Turn duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.ToolDuration, err = meter.Float64Histogram("aistream.toolcall.duration_seconds",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// TurnStarted records a turn entering the stream.
func (m *Metrics) TurnStarted(ctx context.Context, namespace string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("namespace", namespace))
	m.TurnsStarted.Add(ctx, 1, attrs)
	m.ActiveTurns.Add(ctx, 1, attrs)
}

// TurnFinished records the outcome of a turn.
func (m *Metrics) TurnFinished(ctx context.Context, namespace string, state chat.State, reason chat.FailureReason, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveTurns.Add(ctx, -1, metric.WithAttributes(attribute.String("namespace", namespace)))
	attrs := metric.WithAttributes(
		attribute.String("namespace", namespace),
		attribute.String("state", string(state)),
		attribute.String("reason", string(reason)),
	)
	m.TurnsFinished.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, d.Seconds(), attrs)
}

// ToolCall records one finished tool invocation.
func (m *Metrics) ToolCall(ctx context.Context, tool string, status chat.ToolStatus, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", string(status)),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolDuration.Record(ctx, d.Seconds(), attrs)
}

// Frame records one emitted frame.
func (m *Metrics) Frame(ctx context.Context, typ chat.EventType) {
	if m == nil {
		return
	}
	m.Frames.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(typ))))
}
