package main

import (
	"context"
	"errors"
	"time"

	"github.com/argus-labs/world-engine-client/pkg/clock"
	"github.com/argus-labs/world-engine-client/pkg/correlation"
	"github.com/argus-labs/world-engine-client/pkg/nakama"
	"github.com/argus-labs/world-engine-client/pkg/session"
	"github.com/argus-labs/world-engine-client/pkg/telemetry"
	"github.com/argus-labs/world-engine-client/pkg/telemetry/sentry"
	"github.com/argus-labs/world-engine-client/pkg/worldengine"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

const serviceName = "worldcli"

// rootOptions holds the flags shared by every command. Empty values fall back to the
// NAKAMA_* and WORLD_* environment configuration.
type rootOptions struct {
	Address  string
	DeviceID string
	Username string
	Timeout  time.Duration
	Quiet    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "World Engine client",
		Long:          "Submit transactions, run queries and inspect world time on a World Engine shard.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Address, "address", "", "Nakama address (default $NAKAMA_ADDRESS)")
	cmd.PersistentFlags().StringVar(&opts.DeviceID, "device-id", "", "device id to authenticate as (default: random)")
	cmd.PersistentFlags().StringVar(&opts.Username, "username", "", "username for a new account")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "overall command timeout")
	cmd.PersistentFlags().BoolVarP(&opts.Quiet, "quiet", "q", false, "disable logging")

	cmd.AddCommand(newLoginCommand(opts))
	cmd.AddCommand(newClaimPersonaCommand(opts))
	cmd.AddCommand(newTxCommand(opts))
	cmd.AddCommand(newQueryCommand(opts))
	cmd.AddCommand(newTickCommand(opts))

	return cmd
}

// runtime is the client stack a command runs against.
type runtime struct {
	tel    telemetry.Telemetry
	nakama *nakama.Client
	engine *correlation.Engine
	clock  *clock.Clock
	world  *worldengine.Client
}

func (o *rootOptions) identity() session.Identity {
	id := session.Identity{DeviceID: o.DeviceID, Username: o.Username}
	if id.DeviceID == "" {
		id.DeviceID = uuid.NewString()
	}
	return id
}

// connect authenticates against Nakama and builds the engine, clock and domain client on top.
func (o *rootOptions) connect(ctx context.Context, worldOpts ...worldengine.Option) (*runtime, error) {
	tel, err := o.telemetry()
	if err != nil {
		return nil, err
	}
	rt := &runtime{tel: tel}

	nakamaOpts := []nakama.ClientOption{nakama.WithLogger(tel.GetLogger("nakama"))}
	if o.Address != "" {
		nakamaOpts = append(nakamaOpts, nakama.WithAddress(o.Address))
	}
	rt.nakama, err = nakama.NewClient(nakamaOpts...)
	if err != nil {
		rt.close()
		return nil, err
	}

	id := o.identity()
	if err := rt.nakama.AuthenticateDevice(ctx, id); err != nil {
		rt.close()
		authErr := &correlation.AuthError{Stage: "authenticate", Err: err}
		sentry.Report(ctx, authErr, map[string]string{"stage": authErr.Stage})
		return nil, authErr
	}

	guard, err := session.NewGuard(rt.nakama, id, session.WithLogger(tel.GetLogger("session")))
	if err != nil {
		rt.close()
		return nil, err
	}

	rt.engine, err = correlation.NewEngine(rt.nakama,
		correlation.WithLogger(tel.GetLogger("correlation")),
		correlation.WithTracer(tel.Tracer),
		correlation.WithSessionGuard(guard),
	)
	if err != nil {
		rt.close()
		return nil, err
	}

	clockCfg, err := clock.LoadConfig()
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.clock, err = clock.NewFromConfig(clockCfg, clock.WithLogger(tel.GetLogger("clock")))
	if err != nil {
		rt.close()
		return nil, err
	}

	worldOpts = append([]worldengine.Option{worldengine.WithLogger(tel.GetLogger("world"))}, worldOpts...)
	rt.world, err = worldengine.New(rt.engine, rt.clock, worldOpts...)
	if err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

func (o *rootOptions) telemetry() (telemetry.Telemetry, error) {
	if o.Quiet {
		return telemetry.NewNop(serviceName), nil
	}
	tel, err := telemetry.New(telemetry.Options{ServiceName: serviceName, ServiceVersion: version})
	if err != nil {
		return telemetry.Telemetry{}, eris.Wrap(err, "failed to set up telemetry")
	}
	return tel, nil
}

func (rt *runtime) close() {
	if rt.nakama != nil {
		rt.nakama.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = rt.tel.Shutdown(ctx)
}

// run connects, runs fn and tears the stack down again.
func (o *rootOptions) run(
	cmd *cobra.Command,
	fn func(ctx context.Context, rt *runtime) error,
	worldOpts ...worldengine.Option,
) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), o.Timeout)
	defer cancel()

	rt, err := o.connect(ctx, worldOpts...)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := fn(ctx, rt); err != nil {
		log := rt.tel.GetLoggerWithTrace(ctx, "cmd")
		log.Error().Err(err).Str("command", cmd.Name()).Msg("Command failed")
		return err
	}
	return nil
}

// result converts an outcome into an error, reporting authentication failures.
func result[T any](ctx context.Context, out correlation.Outcome[T]) (T, error) {
	v, err := out.Unwrap()
	if err == nil {
		return v, nil
	}

	var authErr *correlation.AuthError
	if errors.As(err, &authErr) {
		sentry.Report(ctx, err, map[string]string{"stage": authErr.Stage})
	}
	return v, eris.Wrapf(err, "call %s", out.Kind)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
