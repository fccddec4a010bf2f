// Package config loads CLI configuration from defaults, an optional YAML
// file, INAT_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/inat-orders/pkg/batch"
	"github.com/Sternrassler/inat-orders/pkg/engine"
	"github.com/Sternrassler/inat-orders/pkg/inat"
	"github.com/Sternrassler/inat-orders/pkg/logging"
	"github.com/Sternrassler/inat-orders/pkg/ratelimit"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. INAT_BATCH_SIZE.
const EnvPrefix = "INAT"

// DefaultUserAgent identifies the tool to the API.
const DefaultUserAgent = "inat-orders/1.0"

// Config is the resolved CLI configuration.
type Config struct {
	UserAgent string        `mapstructure:"user-agent"`
	BaseURL   string        `mapstructure:"base-url"`
	Timeout   time.Duration `mapstructure:"timeout"`

	Delay    time.Duration `mapstructure:"delay"`
	MaxDelay time.Duration `mapstructure:"max-delay"`

	BatchSize         int           `mapstructure:"batch-size"`
	Workers           int           `mapstructure:"workers"`
	Retries           int           `mapstructure:"retries"`
	RetryDelay        time.Duration `mapstructure:"retry-delay"`
	MaxRetryDelay     time.Duration `mapstructure:"max-retry-delay"`
	UnreachableChunks int           `mapstructure:"unreachable-chunks"`

	Family        bool   `mapstructure:"family"`
	Users         bool   `mapstructure:"users"`
	CountAPICalls bool   `mapstructure:"count-api-calls"`
	FailedOut     string `mapstructure:"failed-out"`

	RedisURL string        `mapstructure:"redis-url"`
	CacheTTL time.Duration `mapstructure:"cache-ttl"`

	MetricsAddr string `mapstructure:"metrics-addr"`

	LogLevel  string `mapstructure:"log-level"`
	LogPretty bool   `mapstructure:"log-pretty"`
	Debug     bool   `mapstructure:"debug"`
}

func setDefaults(v *viper.Viper) {
	rl := ratelimit.DefaultConfig()
	b := batch.DefaultConfig()
	e := engine.DefaultConfig()

	v.SetDefault("user-agent", DefaultUserAgent)
	v.SetDefault("base-url", inat.DefaultBaseURL)
	v.SetDefault("timeout", 30*time.Second)
	v.SetDefault("delay", rl.MinDelay)
	v.SetDefault("max-delay", rl.MaxDelay)
	v.SetDefault("batch-size", b.BatchSize)
	v.SetDefault("workers", e.Workers)
	v.SetDefault("retries", b.MaxRetries)
	v.SetDefault("retry-delay", b.RetryDelay)
	v.SetDefault("max-retry-delay", b.MaxRetryDelay)
	v.SetDefault("unreachable-chunks", e.UnreachableChunks)
	v.SetDefault("cache-ttl", 24*time.Hour)
	v.SetDefault("log-level", string(logging.LevelInfo))
}

// Load resolves the configuration. flags may be nil; a "config" flag, when
// set, names an explicit config file that must exist. Otherwise
// inat-orders.yaml is read from the working directory if present.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	explicit := ""
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
		if f := flags.Lookup("config"); f != nil {
			explicit = f.Value.String()
		}
	}

	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName("inat-orders")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.Debug {
		cfg.LogLevel = string(logging.LevelDebug)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.UserAgent) == "" {
		return errors.New("config: user-agent is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("config: timeout must be > 0 (got %s)", c.Timeout)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("config: cache-ttl must be > 0 (got %s)", c.CacheTTL)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.Engine().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Engine returns the run configuration.
func (c *Config) Engine() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.RateLimit = ratelimit.Config{MinDelay: c.Delay, MaxDelay: c.MaxDelay}
	cfg.Batch = batch.Config{
		BatchSize:     c.BatchSize,
		MaxRetries:    c.Retries,
		RetryDelay:    c.RetryDelay,
		MaxRetryDelay: c.MaxRetryDelay,
	}
	cfg.Workers = c.Workers
	cfg.UnreachableChunks = c.UnreachableChunks
	cfg.Family = c.Family
	cfg.Users = c.Users
	return cfg
}

// Client returns the API client configuration.
func (c *Config) Client() inat.Config {
	cfg := inat.DefaultConfig(c.UserAgent)
	cfg.BaseURL = c.BaseURL
	cfg.Timeout = c.Timeout
	return cfg
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level, _ = logging.ParseLevel(c.LogLevel)
	cfg.Pretty = c.LogPretty
	return cfg
}
