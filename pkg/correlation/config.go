package correlation

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
)

// DefaultCategory is the push category transaction receipts arrive on.
const DefaultCategory = "receipt"

// Config holds the environment configuration of the engine.
type Config struct {
	// DefaultTimeout bounds event-completed calls that do not set their own timeout.
	DefaultTimeout time.Duration `env:"CORRELATION_DEFAULT_TIMEOUT" envDefault:"10s"`

	// InboxSize is the number of events buffered per pending call.
	InboxSize int `env:"CORRELATION_INBOX_SIZE" envDefault:"128"`

	// ResolvedCacheBytes sizes the cache of recently resolved keys.
	ResolvedCacheBytes int `env:"CORRELATION_RESOLVED_CACHE_BYTES" envDefault:"1048576"`

	// RecentCacheBytes sizes the cache of receipts seen on open subscriptions. A call whose ack
	// arrives after its receipt finds the receipt here. Receipts larger than 1/1024 of the cache
	// do not fit and are buffered per call instead.
	RecentCacheBytes int `env:"CORRELATION_RECENT_CACHE_BYTES" envDefault:"8388608"`

	// ResolvedTTL is how long a resolved key, or a receipt nobody claimed yet, is remembered.
	ResolvedTTL time.Duration `env:"CORRELATION_RESOLVED_TTL" envDefault:"60s"`
}

// Validate returns an error if the configuration is unusable.
func (cfg Config) Validate() error {
	if cfg.DefaultTimeout <= 0 {
		return eris.New("default timeout must be positive")
	}
	if cfg.InboxSize <= 0 {
		return eris.New("inbox size must be positive")
	}
	if cfg.ResolvedCacheBytes <= 0 {
		return eris.New("resolved cache size must be positive")
	}
	if cfg.RecentCacheBytes <= 0 {
		return eris.New("recent receipt cache size must be positive")
	}
	if cfg.ResolvedTTL < time.Second {
		return eris.New("resolved TTL must be at least one second")
	}
	return nil
}

func loadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return cfg, eris.Wrap(err, "failed to parse correlation config")
	}
	return cfg, nil
}
