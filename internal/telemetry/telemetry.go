package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Config selects the service identity and trace sampling for the exporters.
type Config struct {
	ServiceName string
	Version     string

	// SampleRatio is the fraction of root spans recorded. Values >= 1 sample everything.
	SampleRatio float64
}

// InitTelemetry installs global trace and meter providers exporting over OTLP gRPC.
// Exporters are configured from the environment:
// - OTEL_EXPORTER_OTLP_ENDPOINT: collector endpoint (e.g., http://otel-collector:4317)
// - OTEL_EXPORTER_OTLP_HEADERS: auth headers (e.g., authorization=Bearer TOKEN)
// - OTEL_SERVICE_NAME: overrides cfg.ServiceName
// - OTEL_RESOURCE_ATTRIBUTES: extra resource attributes such as deployment.environment
//
// A provider that fails to start is logged and skipped so the portal still serves.
// The returned function flushes and stops both providers.
func InitTelemetry(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
		resource.WithFromEnv(),   // OTEL_RESOURCE_ATTRIBUTES and OTEL_SERVICE_NAME
		resource.WithProcess(),   // pid, executable, runtime
		resource.WithHost(),      // host.name, distinguishes portal instances
		resource.WithContainer(), // container.id when running in a container
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// tracing and metrics fail independently
	traceShutdown, err := initTraceProvider(ctx, res, cfg.SampleRatio)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize trace provider, continuing without tracing")
		traceShutdown = noopShutdown
	}

	metricShutdown, err := initMeterProvider(ctx, res)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize meter provider, continuing without metrics")
		metricShutdown = noopShutdown
	}

	// W3C trace context so spans join the identity provider's traces when it propagates them
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info().
		Str("service", cfg.ServiceName).
		Str("version", cfg.Version).
		Float64("sample_ratio", cfg.SampleRatio).
		Msg("OpenTelemetry initialized")

	return func(ctx context.Context) error {
		return errors.Join(
			wrapShutdown("trace", traceShutdown(ctx)),
			wrapShutdown("metric", metricShutdown(ctx)),
		)
	}, nil
}

func noopShutdown(context.Context) error { return nil }

func wrapShutdown(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s shutdown: %w", name, err)
}

// sampler honours the parent's decision so a back-channel request traced by
// the identity provider stays traced.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// initTraceProvider creates the OTLP trace exporter and a batching tracer provider.
func initTraceProvider(ctx context.Context, res *resource.Resource, ratio float64) (func(context.Context) error, error) {
	// OTEL_EXPORTER_OTLP_TRACES_ENDPOINT overrides the shared endpoint for traces
	traceExporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(ratio)),
	)

	// otelhttp picks this up through the globals
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// initMeterProvider creates the OTLP metric exporter and a periodic meter provider.
func initMeterProvider(ctx context.Context, res *resource.Resource) (func(context.Context) error, error) {
	// OTEL_EXPORTER_OTLP_METRICS_ENDPOINT overrides the shared endpoint for metrics
	metricExporter, err := otlpmetricgrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(10*time.Second)), // push every 10s
		),
		sdkmetric.WithResource(res),
	)

	// GetMetrics resolves its instruments against this provider
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}
