package nakama

import (
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
)

// Config holds the configuration of the Nakama client.
type Config struct {
	// Address is the base HTTP address of the Nakama server.
	Address string `env:"NAKAMA_ADDRESS" envDefault:"http://127.0.0.1:7350"`

	// ServerKey authenticates the client for session creation and refresh.
	ServerKey string `env:"NAKAMA_SERVER_KEY" envDefault:"defaultkey"`

	// HTTPTimeout bounds each HTTP request.
	HTTPTimeout time.Duration `env:"NAKAMA_HTTP_TIMEOUT" envDefault:"10s"`

	// ReconnectWait is the pause between websocket reconnect attempts.
	ReconnectWait time.Duration `env:"NAKAMA_RECONNECT_WAIT" envDefault:"2s"`

	// NotificationBuffer is the channel capacity of each notification subscription.
	NotificationBuffer int `env:"NAKAMA_NOTIFICATION_BUFFER" envDefault:"256"`
}

// Validate validates the configuration and returns an error if invalid.
func (cfg Config) Validate() error {
	u, err := url.Parse(cfg.Address)
	if err != nil {
		return eris.Wrap(err, "invalid Nakama address")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return eris.Errorf("Nakama address must be http or https, got %q", cfg.Address)
	}
	if cfg.ServerKey == "" {
		return eris.New("Nakama server key is required")
	}
	if cfg.HTTPTimeout <= 0 {
		return eris.New("HTTP timeout must be positive")
	}
	if cfg.ReconnectWait <= 0 {
		return eris.New("reconnect wait must be positive")
	}
	if cfg.NotificationBuffer <= 0 {
		return eris.New("notification buffer must be positive")
	}
	return nil
}

// socketURL converts the HTTP address into the realtime socket address.
func (cfg Config) socketURL(token string) (string, error) {
	u, err := url.Parse(cfg.Address)
	if err != nil {
		return "", eris.Wrap(err, "invalid Nakama address")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	q := url.Values{}
	q.Set("lang", "en")
	q.Set("status", "true")
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
