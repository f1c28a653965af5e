package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(nil) })
	return logs
}

func TestFromContextCarriesTrace(t *testing.T) {
	logs := observe(t)

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	FromContext(ctx).Info("inside span")
	span.End()

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, span.SpanContext().TraceID().String(), fields["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), fields["span_id"])
	assert.Equal(t, serviceName, fields["service"])
}

func TestFromContextWithoutSpan(t *testing.T) {
	logs := observe(t)

	FromContext(context.Background()).Warn("no span")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.NotContains(t, fields, "trace_id")
	assert.Equal(t, serviceName, fields["service"])
}

func TestPackageLevelHelpers(t *testing.T) {
	logs := observe(t)

	Info("hello", zap.String("k", "v"))
	Warn("careful")
	Error("broken")

	require.Equal(t, 3, logs.Len())
	assert.Equal(t, zapcore.ErrorLevel, logs.All()[2].Level)
	assert.Equal(t, "v", logs.All()[0].ContextMap()["k"])
	assert.NoError(t, Shutdown(context.Background()))
}
