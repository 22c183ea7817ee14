package main

import (
	"context"
	"crypto/ecdsa"
	"os"
	"strings"

	"github.com/argus-labs/world-engine-client/pkg/worldengine"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

func newLoginCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authenticate the device and print the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd, func(_ context.Context, rt *runtime) error {
				return printJSON(cmd, map[string]any{
					"userId":    rt.nakama.UserID(),
					"expiresAt": rt.nakama.ExpiresAt(),
				})
			})
		},
	}
}

type claimPersonaOptions struct {
	SignerKey string
	Wait      bool
}

func newClaimPersonaCommand(opts *rootOptions) *cobra.Command {
	cpOpts := &claimPersonaOptions{}

	cmd := &cobra.Command{
		Use:   "claim-persona <tag>",
		Short: "Claim a persona tag and wait for the receipt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := loadSigner(cpOpts.SignerKey)
			if err != nil {
				return err
			}
			return opts.run(cmd, func(ctx context.Context, rt *runtime) error {
				res, err := result(ctx, rt.world.ClaimPersona(ctx, args[0], signer))
				if err != nil {
					return err
				}
				if err := res.Err(); err != nil {
					return err
				}
				if !cpOpts.Wait {
					return printJSON(cmd, res.Receipt)
				}
				persona, err := result(ctx, rt.world.WaitForPersona(ctx))
				if err != nil {
					return err
				}
				return printJSON(cmd, persona)
			})
		},
	}

	cmd.Flags().StringVar(&cpOpts.SignerKey, "signer-key", "",
		"hex private key or @file of the persona signer (default: random)")
	cmd.Flags().BoolVar(&cpOpts.Wait, "wait", false, "wait until the claim is accepted")
	return cmd
}

// loadSigner parses a hex secp256k1 key. A value starting with @ names a file holding the key.
func loadSigner(value string) (*ecdsa.PrivateKey, error) {
	if value == "" {
		return nil, nil
	}
	if path, ok := strings.CutPrefix(value, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrap(err, "failed to read signer key")
		}
		value = string(b)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
	if err != nil {
		return nil, eris.Wrap(err, "invalid signer key")
	}
	return key, nil
}

type payloadOptions struct {
	Payload string
}

type txOptions struct {
	payloadOptions
	SignerKey string
	Persona   string
}

func (o *txOptions) worldOptions() ([]worldengine.Option, error) {
	if o.SignerKey == "" {
		return nil, nil
	}
	if o.Persona == "" {
		return nil, eris.New("--persona is required with --signer-key")
	}
	key, err := loadSigner(o.SignerKey)
	if err != nil {
		return nil, err
	}
	return []worldengine.Option{worldengine.WithPersonaKey(key, o.Persona)}, nil
}

func (o *payloadOptions) raw() (json.RawMessage, error) {
	if !json.Valid([]byte(o.Payload)) {
		return nil, eris.Errorf("invalid --payload JSON: %s", o.Payload)
	}
	return json.RawMessage(o.Payload), nil
}

func newTxCommand(opts *rootOptions) *cobra.Command {
	txOpts := &txOptions{}

	cmd := &cobra.Command{
		Use:     "tx <message>",
		Short:   "Submit a game transaction and print its receipt",
		Example: `  worldcli tx move --payload '{"direction":"north"}'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := txOpts.raw()
			if err != nil {
				return err
			}
			worldOpts, err := txOpts.worldOptions()
			if err != nil {
				return err
			}
			return opts.run(cmd, func(ctx context.Context, rt *runtime) error {
				res, err := result(ctx, rt.world.Transact(ctx, args[0], []byte(payload)))
				if err != nil {
					return err
				}
				if err := printJSON(cmd, res.Receipt); err != nil {
					return err
				}
				return res.Err()
			}, worldOpts...)
		},
	}

	cmd.Flags().StringVar(&txOpts.Payload, "payload", "{}", "message body as JSON")
	cmd.Flags().StringVar(&txOpts.SignerKey, "signer-key", "",
		"hex private key or @file to sign the transaction with (default: signed by the relay)")
	cmd.Flags().StringVar(&txOpts.Persona, "persona", "", "persona tag the transaction is signed for")
	return cmd
}

func newQueryCommand(opts *rootOptions) *cobra.Command {
	pOpts := &payloadOptions{}

	cmd := &cobra.Command{
		Use:   "query <name>",
		Short: "Run a game query and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := pOpts.raw()
			if err != nil {
				return err
			}
			return opts.run(cmd, func(ctx context.Context, rt *runtime) error {
				reply, err := result(ctx, rt.world.Query(ctx, args[0], []byte(payload), nil))
				if err != nil {
					return err
				}
				return printJSON(cmd, reply)
			})
		},
	}

	cmd.Flags().StringVar(&pOpts.Payload, "payload", "{}", "query request as JSON")
	return cmd
}

func newTickCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Sync the world clock and print the current tick",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd, func(ctx context.Context, rt *runtime) error {
				tick, err := result(ctx, rt.world.SyncClock(ctx))
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{
					"tick":         tick,
					"rate":         rt.clock.Rate(),
					"wallTime":     rt.clock.TickToWallTime(tick),
					"extrapolated": rt.clock.CurrentTick(),
				})
			})
		},
	}
}
