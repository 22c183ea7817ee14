package telemetry

import (
	"strings"

	"github.com/argus-labs/world-engine-client/pkg/telemetry/sentry"
	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Config is the OTEL_* environment configuration. Options passed to New take precedence.
type Config struct {
	// Enabled turns on OTLP trace export. Logging is always on.
	Enabled         bool    `env:"OTEL_ENABLED" envDefault:"false"`
	Endpoint        string  `env:"OTEL_ENDPOINT" envDefault:"localhost:4317"`
	TraceSampleRate float64 `env:"OTEL_TRACE_SAMPLE_RATE" envDefault:"1.0"`
	LogLevel        string  `env:"OTEL_LOG_LEVEL" envDefault:"info"`
	LogFormat       string  `env:"OTEL_LOG_FORMAT" envDefault:"json"`

	SentryDsn string `env:"OTEL_SENTRY_DSN"`
	// SentryENV tags reported errors with the deployment the client talks to (DEV/PROD).
	SentryENV string `env:"OTEL_SENTRY_ENV"`
}

func loadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return cfg, eris.Wrap(err, "failed to parse telemetry config")
	}
	if ParseLogFormat(cfg.LogFormat) == LogFormatUndefined {
		return cfg, eris.Errorf("invalid log format %q, must be json or pretty", cfg.LogFormat)
	}
	return cfg, nil
}

// options converts the environment configuration into Options.
func (cfg Config) options() Options {
	return Options{
		ServiceVersion:  "dev",
		Endpoint:        cfg.Endpoint,
		LogLevel:        cfg.LogLevel,
		LogFormat:       ParseLogFormat(cfg.LogFormat),
		TraceSampleRate: cfg.TraceSampleRate,
		SentryOptions: sentry.Options{
			Dsn:         cfg.SentryDsn,
			Environment: cfg.SentryENV,
		},
	}
}

type Options struct {
	ServiceName     string
	ServiceVersion  string
	Endpoint        string
	LogLevel        string
	LogFormat       LogFormat
	TraceSampleRate float64

	SentryOptions sentry.Options
}

// merge overrides opt with the non-zero fields of o.
func (opt *Options) merge(o Options) {
	set := func(dst *string, src string) {
		if src != "" {
			*dst = src
		}
	}
	set(&opt.ServiceName, o.ServiceName)
	set(&opt.ServiceVersion, o.ServiceVersion)
	set(&opt.Endpoint, o.Endpoint)
	set(&opt.LogLevel, o.LogLevel)
	set(&opt.SentryOptions.Dsn, o.SentryOptions.Dsn)
	set(&opt.SentryOptions.Environment, o.SentryOptions.Environment)
	set(&opt.SentryOptions.Release, o.SentryOptions.Release)

	if o.LogFormat != LogFormatUndefined {
		opt.LogFormat = o.LogFormat
	}
	if o.TraceSampleRate != 0 {
		opt.TraceSampleRate = o.TraceSampleRate
	}
	if o.SentryOptions.Tags != nil {
		opt.SentryOptions.Tags = o.SentryOptions.Tags
	}
}

func (opt *Options) validate(tracing bool) error {
	if opt.ServiceName == "" {
		return eris.New("service name cannot be empty")
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(opt.LogLevel)); err != nil {
		return eris.Errorf("invalid log level %q, must be debug, info, warn or error", opt.LogLevel)
	}
	if opt.LogFormat == LogFormatUndefined {
		return eris.New("log format must be specified")
	}
	if !tracing {
		return nil
	}
	if opt.Endpoint == "" {
		return eris.New("OTLP endpoint cannot be empty when tracing is enabled")
	}
	if opt.TraceSampleRate < 0 || opt.TraceSampleRate > 1 {
		return eris.New("trace sample rate must be between 0 and 1")
	}
	return nil
}

// LogFormat is the log output encoding.
type LogFormat uint8

const (
	LogFormatUndefined LogFormat = iota
	LogFormatJSON
	LogFormatPretty
)

var logFormatNames = map[LogFormat]string{
	LogFormatUndefined: "undefined",
	LogFormatJSON:      "json",
	LogFormatPretty:    "pretty",
}

func (f LogFormat) String() string {
	if name, ok := logFormatNames[f]; ok {
		return name
	}
	return logFormatNames[LogFormatUndefined]
}

// ParseLogFormat parses "json" or "pretty", case-insensitively.
func ParseLogFormat(s string) LogFormat {
	switch strings.ToLower(s) {
	case "json":
		return LogFormatJSON
	case "pretty":
		return LogFormatPretty
	default:
		return LogFormatUndefined
	}
}
