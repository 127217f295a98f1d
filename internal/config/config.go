package config

import (
	"fmt"
	"strings"
	"time"

	"keeper/internal/chain"
	"keeper/internal/engine"
	"keeper/internal/venue"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the full keeperd configuration, loaded once at startup. Only the
// RPC endpoint list (a separate file) is hot-reloaded.
type Config struct {
	App     AppConfig                  `mapstructure:"app"`
	Engine  engine.Config              `mapstructure:"engine"`
	Venues  []venue.HTTPVenueConfig    `mapstructure:"venues"`
	Router  RouterConfig               `mapstructure:"router"`
	Chain   ChainConfig                `mapstructure:"chain"`
	Feed    engine.HTTPPriceFeedConfig `mapstructure:"price_feed"`
	HTTP    HTTPConfig                 `mapstructure:"http"`
}

type AppConfig struct {
	LogLevel string `mapstructure:"log_level"`
	LogPath  string `mapstructure:"log_path"`
	DataDir  string `mapstructure:"data_dir"`
}

type RouterConfig struct {
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
	QuoteTimeout     time.Duration `mapstructure:"quote_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
}

type ChainConfig struct {
	EndpointsFile  string             `mapstructure:"endpoints_file"`
	Simulate       bool               `mapstructure:"simulate"`
	ConfirmTimeout time.Duration      `mapstructure:"confirm_timeout"`
	PollInterval   time.Duration      `mapstructure:"poll_interval"`
	MaxRetries     int                `mapstructure:"max_retries"`
	RetryDelay     time.Duration      `mapstructure:"retry_delay"`
	Health         chain.HealthConfig `mapstructure:"health"`
}

type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	var cfg Config
	err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults()
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.DataDir == "" {
		c.App.DataDir = "data"
	}
	if c.Chain.EndpointsFile == "" {
		c.Chain.EndpointsFile = "configs/endpoints.yaml"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":9920"
	}
	if c.Engine.OutputMint == "" {
		// USDC, the default quote asset for exits.
		c.Engine.OutputMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	}
}

func validate(c *Config) error {
	if len(c.Venues) == 0 {
		return fmt.Errorf("config: at least one venue must be configured")
	}
	seen := make(map[string]bool, len(c.Venues))
	for i, vc := range c.Venues {
		name := strings.TrimSpace(vc.Name)
		if name == "" {
			return fmt.Errorf("config: venue %d has no name", i)
		}
		if seen[name] {
			return fmt.Errorf("config: duplicate venue name %q", name)
		}
		seen[name] = true
		if strings.TrimSpace(vc.QuoteURL) == "" || strings.TrimSpace(vc.SwapURL) == "" {
			return fmt.Errorf("config: venue %q needs quote_url and swap_url", name)
		}
	}
	if strings.TrimSpace(c.Feed.URL) == "" {
		return fmt.Errorf("config: price_feed.url is required")
	}
	return nil
}
