package reputation

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lucid-vigil/fileguard/pkg/config"
)

// NewFromConfig builds a cache backed by the HTTP client, the TCP probe and
// a per-minute request budget. Disabled lookups or an empty API key yield a
// cache that only serves persisted entries.
func NewFromConfig(cfg config.ReputationConfig, logger zerolog.Logger) *Cache {
	opts := CacheOptions{Logger: logger}
	if !cfg.Enabled || cfg.APIKey == "" {
		logger.Info().Msg("Reputation lookups disabled, serving cached verdicts only")
		return NewCache(opts)
	}

	opts.Lookuper = NewClient(ClientConfig{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Timeout: cfg.Timeout,
	}, logger)
	if cfg.ProbeAddress != "" {
		opts.Prober = NewDialProber(cfg.ProbeAddress, cfg.ProbeTimeout)
	}
	if cfg.RequestsPerMinute > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		opts.Limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), burst)
	}
	return NewCache(opts)
}
