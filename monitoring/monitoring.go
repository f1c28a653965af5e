package monitoring

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"contribution-checkout/logging"
)

var (
	// OpenTelemetry metrics
	CheckoutCounter     metric.Int64Counter
	ContributionAmount  metric.Float64Histogram
	BackendCallDuration metric.Float64Histogram
	HTTPServerDuration  metric.Float64Histogram
	AuditEvents         metric.Int64Counter
	AuditEventsDropped  metric.Int64Counter
	ErrorsReported      metric.Int64Counter
	CleanupAttempts     metric.Int64Counter
)

func init() {
	// Instruments are usable before InitMeter; they record into a no-op provider.
	if err := registerInstruments(noop.NewMeterProvider().Meter("contribution-checkout")); err != nil {
		panic(err)
	}
}

// InitTracer initializes OpenTelemetry tracing
func InitTracer(serviceName, endpoint string) (*sdktrace.TracerProvider, trace.Tracer, error) {
	ctx := context.Background()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	tracer := tp.Tracer(serviceName)

	logging.Info("Tracing initialized", zap.String("service_name", serviceName))

	return tp, tracer, nil
}

// InitMeter initializes OpenTelemetry metrics with an OTLP exporter and a
// Prometheus reader served by MetricsHandler.
func InitMeter(serviceName, endpoint string) (*sdkmetric.MeterProvider, metric.Meter, error) {
	ctx := context.Background()

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, err
	}

	promExporter, err := otelprom.New()
	if err != nil {
		return nil, nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(mp)
	meter := mp.Meter(serviceName)

	if err := registerInstruments(meter); err != nil {
		return nil, nil, err
	}

	logging.Info("Metrics initialized with OTLP exporter", zap.String("endpoint", endpoint))

	return mp, meter, nil
}

// MetricsHandler exposes the Prometheus scrape endpoint
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func registerInstruments(meter metric.Meter) error {
	var err error

	CheckoutCounter, err = meter.Int64Counter(
		"checkout_transitions_total",
		metric.WithDescription("Checkout state transitions by resulting state"),
	)
	if err != nil {
		return err
	}

	ContributionAmount, err = meter.Float64Histogram(
		"contribution_amount",
		metric.WithDescription("Amounts submitted for payment session creation"),
	)
	if err != nil {
		return err
	}

	BackendCallDuration, err = meter.Float64Histogram(
		"backend_call_duration_seconds",
		metric.WithDescription("Duration of revenue backend calls"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	HTTPServerDuration, err = meter.Float64Histogram(
		"http_server_duration_milliseconds",
		metric.WithDescription("HTTP server request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	AuditEvents, err = meter.Int64Counter(
		"checkout_audit_events_total",
		metric.WithDescription("Audit events delivered by kind"),
	)
	if err != nil {
		return err
	}

	AuditEventsDropped, err = meter.Int64Counter(
		"checkout_audit_events_dropped_total",
		metric.WithDescription("Audit events dropped because the queue was full"),
	)
	if err != nil {
		return err
	}

	ErrorsReported, err = meter.Int64Counter(
		"checkout_errors_reported_total",
		metric.WithDescription("Errors sent to the error-tracking channel"),
	)
	if err != nil {
		return err
	}

	CleanupAttempts, err = meter.Int64Counter(
		"payment_session_cleanup_total",
		metric.WithDescription("Abandoned payment session deletions by result"),
	)
	return err
}
