// Package worldengine is the catalog of World Engine operations: personas, game transactions and
// queries, saves, beta keys, leaderboards and world clock synchronization.
package worldengine

import (
	"context"
	"crypto/ecdsa"
	"time"

	"github.com/argus-labs/world-engine-client/pkg/clock"
	"github.com/argus-labs/world-engine-client/pkg/correlation"
	"github.com/argus-labs/world-engine-client/pkg/sign"
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// RPC ids served by the Nakama relay.
const (
	rpcClaimPersona    = "nakama/claim-persona"
	rpcShowPersona     = "nakama/show-persona"
	rpcSave            = "nakama/save"
	rpcGetSave         = "nakama/get-save"
	rpcClaimKey        = "claim-key"
	rpcReadLeaderboard = "nakama/leaderboard"
	rpcWorldTick       = "query/world/tick"
)

// Caller is the subset of correlation.Engine the client needs.
type Caller interface {
	CorrelatedCall(ctx context.Context, call correlation.Call, payload []byte) correlation.Outcome[correlation.Receipt]
	SimpleCall(ctx context.Context, name string, payload []byte) correlation.Outcome[[]byte]
}

var _ Caller = (*correlation.Engine)(nil)

// Client performs World Engine operations and keeps a world clock in sync.
type Client struct {
	caller Caller
	clock  *clock.Clock
	signer *sign.Signer
	log    zerolog.Logger
	cfg    Config

	personaKey *ecdsa.PrivateKey
	personaTag string
}

// New creates a client. clk may be nil when the application does not track world time.
func New(caller Caller, clk *clock.Clock, opts ...Option) (*Client, error) {
	if caller == nil {
		return nil, eris.New("caller is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	c := &Client{
		caller: caller,
		clock:  clk,
		log:    zerolog.Nop(),
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.cfg.validate(); err != nil {
		return nil, eris.Wrap(err, "invalid world engine config")
	}
	if c.personaKey != nil && c.signer == nil {
		// Nonces must only increase across runs, so they start at the current time.
		c.signer, err = sign.NewSigner(c.personaKey, c.personaTag, c.cfg.Namespace, uint64(time.Now().UnixNano()))
		if err != nil {
			return nil, eris.Wrap(err, "invalid persona signer")
		}
	}
	return c, nil
}

// Clock returns the world clock, or nil.
func (c *Client) Clock() *clock.Clock {
	return c.clock
}

// query performs a simple call and decodes its JSON reply into a T.
func query[T any](ctx context.Context, c *Client, name string, req any) correlation.Outcome[T] {
	payload, err := marshal(req)
	if err != nil {
		return correlation.Failure[T](err)
	}
	return correlation.Then(c.caller.SimpleCall(ctx, name, payload), decode[T](name))
}

// transact performs an event-completed call and decodes the receipt result into a T.
func transact[T any](ctx context.Context, c *Client, name string, req any) correlation.Outcome[TxResult[T]] {
	payload, err := marshal(req)
	if err != nil {
		return correlation.Failure[TxResult[T]](err)
	}

	out := c.caller.CorrelatedCall(ctx, correlation.Call{
		Name:     name,
		Category: correlation.DefaultCategory,
		Timeout:  c.cfg.TxTimeout,
	}, payload)

	return correlation.Then(out, func(r correlation.Receipt) (TxResult[T], error) {
		res := TxResult[T]{Receipt: r}
		if r.Success && len(r.Result) > 0 {
			if err := r.DecodeResult(&res.Result); err != nil {
				return res, err
			}
		}
		return res, nil
	})
}

func marshal(req any) ([]byte, error) {
	if req == nil {
		return []byte("{}"), nil
	}
	if b, ok := req.([]byte); ok {
		return b, nil
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "failed to marshal request")
	}
	return b, nil
}

func decode[T any](name string) func([]byte) (T, error) {
	return func(b []byte) (T, error) {
		var v T
		if err := json.Unmarshal(b, &v); err != nil {
			return v, &correlation.ParseError{What: name + " reply", Err: err}
		}
		return v, nil
	}
}

// -------------------------------------------------------------------------------------------------
// Options
// -------------------------------------------------------------------------------------------------

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// WithSigner signs game transactions for a persona before they are submitted. Without a signer
// the relay signs on behalf of the session's persona.
func WithSigner(s *sign.Signer) Option {
	return func(c *Client) {
		c.signer = s
	}
}

// WithPersonaKey signs game transactions as personaTag in the configured namespace.
func WithPersonaKey(key *ecdsa.PrivateKey, personaTag string) Option {
	return func(c *Client) {
		c.personaKey = key
		c.personaTag = personaTag
	}
}

// WithConfig overrides the configuration read from the environment.
func WithConfig(cfg Config) Option {
	return func(c *Client) {
		c.cfg = cfg
	}
}
