package monitoring

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"contribution-checkout/logging"
)

func collectSum(t *testing.T, reader sdkmetric.Reader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestTelemetryReporter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	require.NoError(t, registerInstruments(mp.Meter("test")))
	t.Cleanup(func() {
		_ = registerInstruments(noop.NewMeterProvider().Meter("test"))
	})

	core, logs := observer.New(zapcore.DebugLevel)
	logging.SetLogger(zap.New(core))
	t.Cleanup(func() { logging.SetLogger(nil) })

	r := NewTelemetryReporter()
	ctx := context.Background()
	r.CaptureError(ctx, errors.New("backend down"), zap.String("operation", "create_payment"))
	r.CaptureError(ctx, nil)
	r.CaptureMessage(ctx, "Contribution amount below minimum", zap.Float64("amount", 1.5))

	assert.Equal(t, int64(2), collectSum(t, reader, "checkout_errors_reported_total"))
	require.Equal(t, 2, logs.Len())
	for _, entry := range logs.All() {
		assert.Equal(t, zapcore.ErrorLevel, entry.Level)
	}
	assert.Equal(t, "create_payment", logs.All()[0].ContextMap()["operation"])
}

func TestMetricsHandler(t *testing.T) {
	assert.NotNil(t, MetricsHandler())
}
