package worldengine

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
)

// Config holds the environment configuration of the domain client.
type Config struct {
	// TxTimeout bounds the wait for a transaction receipt.
	TxTimeout time.Duration `env:"WORLD_TX_TIMEOUT" envDefault:"10s"`

	// ClockSyncInterval is how often RunClockSync resyncs the world clock.
	ClockSyncInterval time.Duration `env:"WORLD_CLOCK_SYNC_INTERVAL" envDefault:"30s"`

	// PersonaPollInterval is how often WaitForPersona polls the persona status.
	PersonaPollInterval time.Duration `env:"WORLD_PERSONA_POLL_INTERVAL" envDefault:"500ms"`

	// Namespace is the world namespace transactions are addressed to.
	Namespace string `env:"WORLD_NAMESPACE" envDefault:"world-1"`
}

func loadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return cfg, eris.Wrap(err, "failed to parse world engine config")
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.TxTimeout <= 0 {
		return eris.New("transaction timeout must be positive")
	}
	if cfg.ClockSyncInterval <= 0 {
		return eris.New("clock sync interval must be positive")
	}
	if cfg.PersonaPollInterval <= 0 {
		return eris.New("persona poll interval must be positive")
	}
	if cfg.Namespace == "" {
		return eris.New("namespace cannot be empty")
	}
	return nil
}
