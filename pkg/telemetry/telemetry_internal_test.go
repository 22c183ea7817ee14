package telemetry

import (
	"testing"

	"github.com/argus-labs/world-engine-client/pkg/telemetry/sentry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptions_Merge(t *testing.T) {
	t.Parallel()

	opt := Config{
		Endpoint:        "collector:4317",
		TraceSampleRate: 0.5,
		LogLevel:        "info",
		LogFormat:       "json",
		SentryDsn:       "https://key@sentry.example/1",
	}.options()

	opt.merge(Options{
		ServiceName:   "worldcli",
		LogFormat:     LogFormatPretty,
		SentryOptions: sentry.Options{Release: "worldcli@1.2.3"},
	})

	assert.Equal(t, "worldcli", opt.ServiceName)
	assert.Equal(t, "dev", opt.ServiceVersion)
	assert.Equal(t, "collector:4317", opt.Endpoint)
	assert.Equal(t, LogFormatPretty, opt.LogFormat)
	assert.InDelta(t, 0.5, opt.TraceSampleRate, 1e-9)
	assert.Equal(t, "https://key@sentry.example/1", opt.SentryOptions.Dsn)
	assert.Equal(t, "worldcli@1.2.3", opt.SentryOptions.Release)
	require.NoError(t, opt.validate(true))
}

func TestOptions_Validate(t *testing.T) {
	t.Parallel()

	valid := Options{ServiceName: "worldcli", LogLevel: "debug", LogFormat: LogFormatJSON, Endpoint: "x:1"}
	require.NoError(t, valid.validate(true))

	tests := []struct {
		name    string
		mutate  func(*Options)
		tracing bool
	}{
		{name: "bad level", mutate: func(o *Options) { o.LogLevel = "loud" }},
		{name: "no format", mutate: func(o *Options) { o.LogFormat = LogFormatUndefined }},
		{name: "no endpoint", mutate: func(o *Options) { o.Endpoint = "" }, tracing: true},
		{name: "sample rate", mutate: func(o *Options) { o.TraceSampleRate = 2 }, tracing: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := valid
			tt.mutate(&o)
			assert.Error(t, o.validate(tt.tracing))
		})
	}

	noEndpoint := valid
	noEndpoint.Endpoint = ""
	assert.NoError(t, noEndpoint.validate(false), "endpoint only matters with tracing")
}

func TestSampler(t *testing.T) {
	t.Parallel()

	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}
