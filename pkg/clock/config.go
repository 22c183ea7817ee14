package clock

import (
	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
)

// Config is the environment configuration of the world clock.
type Config struct {
	// TickRate is the number of world ticks per second.
	TickRate uint64 `env:"WORLD_TICK_RATE" envDefault:"1"`
}

// LoadConfig loads the clock configuration from environment variables.
func LoadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return cfg, eris.Wrap(err, "failed to parse clock config")
	}
	if err := cfg.validate(); err != nil {
		return cfg, eris.Wrap(err, "failed to validate clock config")
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.TickRate == 0 {
		return ErrInvalidTickRate
	}
	return nil
}

// NewFromConfig creates a clock using the rate from cfg.
func NewFromConfig(cfg Config, opts ...Option) (*Clock, error) {
	if err := cfg.validate(); err != nil {
		return nil, eris.Wrap(err, "invalid clock config")
	}
	return New(cfg.TickRate, opts...)
}
