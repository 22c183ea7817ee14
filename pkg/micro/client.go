// Package micro implements the correlation transport over NATS. Unary calls are request/reply on
// "<prefix>.rpc.<name>" and push events are published on "<prefix>.event.<category>".
package micro

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/nats-io/nats.go"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Client is a NATS connection speaking the world RPC and event subject layout.
type Client struct {
	*nats.Conn
	log        zerolog.Logger
	natsConfig NATSConfig
}

// NATSConfig holds the configuration for the NATS client.
type NATSConfig struct {
	Name            string `env:"NATS_NAME" envDefault:"world-engine-client"`
	URL             string `env:"NATS_URL" envDefault:"nats://nats:4222"`
	CredentialsFile string `env:"NATS_CREDENTIALS_FILE"`
	SubjectPrefix   string `env:"NATS_SUBJECT_PREFIX" envDefault:"world"`
	EventBuffer     int    `env:"NATS_EVENT_BUFFER" envDefault:"256"`
}

// Validate validates the NATS configuration and returns an error if invalid.
func (cfg NATSConfig) Validate() error {
	if cfg.URL == "" {
		return eris.New("NATS URL is required")
	}
	if cfg.SubjectPrefix == "" || strings.ContainsAny(cfg.SubjectPrefix, " *>") {
		return eris.Errorf("invalid subject prefix %q", cfg.SubjectPrefix)
	}
	if cfg.EventBuffer <= 0 {
		return eris.New("event buffer must be positive")
	}
	return nil
}

// NewClient connects to NATS. Configuration is read from the environment and may be overridden
// with options.
func NewClient(opts ...ClientOption) (*Client, error) {
	c := &Client{
		Conn:       nil,
		log:        zerolog.Nop(),
		natsConfig: NATSConfig{},
	}

	var err error
	c.natsConfig, err = env.ParseAs[NATSConfig]()
	if err != nil {
		return nil, eris.Wrap(err, "failed to parse NATS config")
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.natsConfig.Validate(); err != nil {
		return nil, eris.Wrap(err, "invalid NATS config")
	}

	natsOpts := append([]nats.Option{
		nats.Name(c.natsConfig.Name),
		nats.MaxReconnects(10),
		nats.ReconnectWait(5 * time.Second),
	}, c.connectionHandlers()...)
	if c.natsConfig.CredentialsFile != "" {
		natsOpts = append(natsOpts, nats.UserCredentials(c.natsConfig.CredentialsFile))
	}

	conn, err := nats.Connect(c.natsConfig.URL, natsOpts...)
	if err != nil {
		return nil, eris.Wrap(err, "failed to connect to NATS server")
	}
	c.Conn = conn

	c.log.Info().
		Str("url", c.ConnectedUrl()).
		Str("name", c.natsConfig.Name).
		Msg("Connected to NATS server")

	return c, nil
}

// RPCSubject returns the subject unary calls named name are sent to.
func (c *Client) RPCSubject(name string) string {
	return c.natsConfig.SubjectPrefix + ".rpc." + subjectToken(name)
}

// EventSubject returns the subject events of category are published on.
func (c *Client) EventSubject(category string) string {
	return c.natsConfig.SubjectPrefix + ".event." + subjectToken(category)
}

// subjectToken maps an RPC path such as "tx/game/move" to subject tokens "tx.game.move".
func subjectToken(name string) string {
	return strings.ReplaceAll(strings.Trim(name, "/"), "/", ".")
}

// Close closes the connection. Live subscriptions stop receiving events.
func (c *Client) Close() {
	if c.Conn != nil {
		c.Conn.Close()
		c.log.Info().Msg("NATS connection closed")
	}
}

// connectionHandlers logs connection state changes. Subscriptions survive reconnects; events
// published while disconnected are lost and surface as call timeouts.
func (c *Client) connectionHandlers() []nats.Option {
	return []nats.Option{
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			c.log.Warn().Err(err).
				Str("url", nc.ConnectedUrl()).
				Uint64("reconnects", nc.Reconnects).
				Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.log.Info().
				Str("url", nc.ConnectedUrl()).
				Uint64("reconnects", nc.Reconnects).
				Msg("Reconnected to NATS")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			evt := c.log.Debug()
			if err := nc.LastError(); err != nil {
				evt = c.log.Warn().Err(err)
			}
			evt.Msg("NATS connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			evt := c.log.Error().Err(err)
			if sub != nil {
				evt = evt.Str("subject", sub.Subject)
			}
			evt.Msg("NATS async error")
		}),
	}
}

// -------------------------------------------------------------------------------------------------
// Options
// -------------------------------------------------------------------------------------------------

// ClientOption defines a function that can modify a Client.
type ClientOption func(*Client)

// WithLogger returns a ClientOption that sets the logger.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// WithNATSConfig returns a ClientOption that sets the NATS configuration.
func WithNATSConfig(cfg NATSConfig) ClientOption {
	return func(c *Client) {
		c.natsConfig = cfg
	}
}
