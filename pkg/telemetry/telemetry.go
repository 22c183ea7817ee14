// Package telemetry sets up the client's logger, tracer and error reporting from OTEL_* environment
// variables.
package telemetry

import (
	"context"

	"github.com/argus-labs/world-engine-client/pkg/telemetry/sentry"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type Telemetry struct {
	Logger      zerolog.Logger
	Tracer      trace.Tracer
	serviceName string

	shutdown func(context.Context) error
}

func New(opts Options) (Telemetry, error) {
	config, err := loadConfig()
	if err != nil {
		return Telemetry{}, eris.Wrap(err, "failed to load otel config")
	}

	options := config.options()
	options.merge(opts)
	if err := options.validate(config.Enabled); err != nil {
		return Telemetry{}, eris.Wrap(err, "invalid otel options")
	}

	if options.SentryOptions.Release == "" {
		options.SentryOptions.Release = options.ServiceName + "@" + options.ServiceVersion
	}

	ctx := context.Background()
	tracer, shutdown, err := setupTracing(ctx, config.Enabled, options)
	if err != nil {
		return Telemetry{}, eris.Wrap(err, "failed to setup tracing")
	}
	logger := newLogger(options)

	if err := sentry.Init(options.SentryOptions); err != nil {
		_ = shutdown(ctx)
		return Telemetry{}, eris.Wrap(err, "failed to setup sentry")
	}

	return Telemetry{
		Logger:      logger,
		Tracer:      tracer,
		serviceName: options.ServiceName,
		shutdown:    shutdown,
	}, nil
}

// NewNop returns telemetry that discards logs and traces.
func NewNop(serviceName string) Telemetry {
	return Telemetry{
		Logger:      zerolog.Nop(),
		Tracer:      noop.NewTracerProvider().Tracer(serviceName),
		serviceName: serviceName,
	}
}

// Shutdown flushes pending spans and error reports.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	sentry.Flush(ctx)
	if t.shutdown != nil {
		return t.shutdown(ctx)
	}
	return nil
}

// GetLogger returns a component-specific logger.
func (t *Telemetry) GetLogger(component string) zerolog.Logger {
	return t.Logger.With().Str("component", t.serviceName+"."+component).Logger()
}

// GetLoggerWithTrace returns a component-specific logger enriched with trace context.
func (t *Telemetry) GetLoggerWithTrace(ctx context.Context, component string) zerolog.Logger {
	span := trace.SpanFromContext(ctx)

	logger := t.Logger.With().Str("component", t.serviceName+"."+component)

	if span.IsRecording() {
		spanCtx := span.SpanContext()
		logger = logger.
			Str("trace_id", spanCtx.TraceID().String()).
			Str("span_id", spanCtx.SpanID().String())
	}

	return logger.Logger()
}
