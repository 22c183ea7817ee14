// Package sentry forwards worldcli failures to Sentry. Nothing is sent unless Init was given a DSN.
package sentry

import (
	"context"
	"time"

	sentrygo "github.com/getsentry/sentry-go"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/trace"
)

// defaultWait bounds a flush when the caller's context has no deadline.
const defaultWait = 2 * time.Second

type Options struct {
	Dsn         string
	Environment string
	Release     string
	Tags        map[string]string
}

// Init installs the global Sentry client.
func Init(opt Options) error {
	if opt.Dsn == "" {
		return nil
	}
	if err := sentrygo.Init(sentrygo.ClientOptions{
		Dsn:         opt.Dsn,
		Environment: opt.Environment,
		Release:     opt.Release,
		Tags:        opt.Tags,
	}); err != nil {
		return eris.Wrap(err, "sentry init")
	}
	return nil
}

// Report sends err with its eris stack, the trace of ctx and tags.
func Report(ctx context.Context, err error, tags map[string]string) {
	hub := sentrygo.CurrentHub()
	if err == nil || hub.Client() == nil {
		return
	}
	hub.WithScope(func(scope *sentrygo.Scope) {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			scope.SetTag("trace_id", sc.TraceID().String())
		}
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		scope.SetExtra("stack", eris.ToString(err, true))
		hub.CaptureException(err)
	})
}

// Recover must be deferred. It reports a panic, waits for delivery and panics again.
func Recover() {
	r := recover()
	if r == nil {
		return
	}
	if hub := sentrygo.CurrentHub(); hub.Client() != nil {
		hub.Recover(r)
		hub.Flush(defaultWait)
	}
	panic(r)
}

// Flush waits for queued reports until ctx expires, or defaultWait without a deadline.
func Flush(ctx context.Context) {
	hub := sentrygo.CurrentHub()
	if hub.Client() == nil {
		return
	}
	wait := defaultWait
	if dl, ok := ctx.Deadline(); ok {
		wait = max(time.Until(dl), 0)
	}
	hub.Flush(wait)
}
