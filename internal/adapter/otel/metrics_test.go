package otel_test

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	aiotel "github.com/yyup/aistream/internal/adapter/otel"
	"github.com/yyup/aistream/internal/config"
	"github.com/yyup/aistream/internal/domain/chat"
)

func collect(t *testing.T, r sdkmetric.Reader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, r.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumValue(t *testing.T, agg metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", agg)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsRecordTurn(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := aiotel.NewMetrics(mp)
	require.NoError(t, err)

	ctx := context.Background()
	m.TurnStarted(ctx, "kindergarten")
	m.Frame(ctx, chat.EventConnected)
	m.Frame(ctx, chat.EventAnswer)
	m.ToolCall(ctx, "query_statistics", chat.ToolSucceeded, 30*time.Millisecond)
	m.TurnFinished(ctx, "kindergarten", chat.StateComplete, "", time.Second)

	data := collect(t, reader)
	assert.EqualValues(t, 1, sumValue(t, data["aistream.turns.started"]))
	assert.EqualValues(t, 0, sumValue(t, data["aistream.turns.active"]))
	assert.EqualValues(t, 2, sumValue(t, data["aistream.frames"]))
	assert.EqualValues(t, 1, sumValue(t, data["aistream.toolcalls"]))
	assert.Contains(t, data, "aistream.turn.duration_seconds")
}

func TestMetricsNilSafe(t *testing.T) {
	var m *aiotel.Metrics
	m.TurnStarted(context.Background(), "x")
	m.TurnFinished(context.Background(), "x", chat.StateFailed, chat.ReasonInternal, 0)
	m.ToolCall(context.Background(), "x", chat.ToolFailed, 0)
	m.Frame(context.Background(), chat.EventError)
}

func TestSetupServesPrometheus(t *testing.T) {
	tel, err := aiotel.Setup(context.Background(), config.Telemetry{ServiceName: "aistream-test"}, "test")
	require.NoError(t, err)
	defer func() { _ = tel.Shutdown(context.Background()) }()

	m, err := aiotel.NewMetrics(tel.MeterProvider)
	require.NoError(t, err)
	m.TurnStarted(context.Background(), "kindergarten")

	rec := httptest.NewRecorder()
	tel.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "aistream_turns_started")
}
