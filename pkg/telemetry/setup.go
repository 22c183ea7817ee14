package telemetry

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/argus-labs/world-engine-client/pkg/assert"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Logs go to stderr so that command output on stdout stays machine readable.
var logOutput io.Writer = os.Stderr

// setupTracing returns the tracer for the client and a function that flushes it. Every client
// process is its own service instance. With tracing disabled the tracer is a noop.
func setupTracing(ctx context.Context, enabled bool, opts Options) (trace.Tracer, func(context.Context) error, error) {
	nop := func(context.Context) error { return nil }
	if !enabled {
		return noop.NewTracerProvider().Tracer(opts.ServiceName), nop, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(opts.ServiceName),
		semconv.ServiceVersion(opts.ServiceVersion),
		semconv.ServiceInstanceID(uuid.NewString()),
	))
	if err != nil {
		return nil, nop, eris.Wrap(err, "failed to build trace resource")
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nop, eris.Wrap(err, "failed to create OTLP trace exporter")
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(opts.TraceSampleRate)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return provider.Tracer(opts.ServiceName), provider.Shutdown, nil
}

// sampler respects the parent's decision so a call traced by the host application stays traced.
func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

func newLogger(opts Options) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var w io.Writer
	switch opts.LogFormat {
	case LogFormatJSON:
		w = logOutput
	case LogFormatPretty:
		w = zerolog.ConsoleWriter{Out: logOutput, TimeFormat: time.RFC3339}
	case LogFormatUndefined:
		assert.Never("log format %s", opts.LogFormat)
	}

	return zerolog.New(w).Level(level).With().Timestamp().Str("service", opts.ServiceName).Logger()
}
