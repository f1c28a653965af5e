package monitoring

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"contribution-checkout/logging"
)

// ErrorReporter is the error-tracking channel. Implementations must not block or
// panic; reporting is diagnostic only.
type ErrorReporter interface {
	CaptureError(ctx context.Context, err error, fields ...zap.Field)
	CaptureMessage(ctx context.Context, msg string, fields ...zap.Field)
}

// TelemetryReporter reports to the structured log, the active span and the
// errors counter.
type TelemetryReporter struct{}

// NewTelemetryReporter creates a reporter backed by logging and OpenTelemetry
func NewTelemetryReporter() *TelemetryReporter {
	return &TelemetryReporter{}
}

func (TelemetryReporter) CaptureError(ctx context.Context, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	logging.WithTraceContext(span).Error("Reported error", append(fields, zap.Error(err))...)
	ErrorsReported.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "error")))
}

func (TelemetryReporter) CaptureMessage(ctx context.Context, msg string, fields ...zap.Field) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(msg)

	logging.WithTraceContext(span).Error(msg, fields...)
	ErrorsReported.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "message")))
}
