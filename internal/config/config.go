// Package config loads runtime configuration from an optional YAML file
// with FLASHBETS_-prefixed environment overrides. Every key carries a
// default, so the server boots with no file and no environment at all.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	Server struct {
		Port            int           `mapstructure:"port"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		RequestTimeout  time.Duration `mapstructure:"request_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`

	Store struct {
		// DatabaseURL selects the PostgreSQL store when set; empty falls
		// back to the in-memory store.
		DatabaseURL string `mapstructure:"database_url"`
		// RedisURL adds a read-through cache in front of PostgreSQL.
		RedisURL string        `mapstructure:"redis_url"`
		CacheTTL time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"store"`

	Quantum struct {
		// Lifetime is the maximum superposition window per position.
		Lifetime time.Duration `mapstructure:"lifetime"`
		// SweepInterval is how often the decoherence sweeper runs.
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
		// SamplerSeed fixes the measurement draw sequence when nonzero.
		SamplerSeed uint64 `mapstructure:"sampler_seed"`
	} `mapstructure:"quantum"`

	Risk struct {
		Confidences       []float64 `mapstructure:"confidences"`
		MonteCarloSamples int       `mapstructure:"monte_carlo_samples"`
		EnumerationLimit  int       `mapstructure:"enumeration_limit"`
		RiskFreeRate      float64   `mapstructure:"risk_free_rate"`
		MaintenanceMargin float64   `mapstructure:"maintenance_margin"`
		MaxPositionSize   float64   `mapstructure:"max_position_size"`
		MaxLeverage       float64   `mapstructure:"max_leverage"`
		MaxOpenPositions  int       `mapstructure:"max_open_positions"`
		MaxMarketExposure float64   `mapstructure:"max_market_exposure"`
	} `mapstructure:"risk"`
}

// Load reads configuration from path (optional; empty skips the file),
// applies environment overrides, and validates ranges.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FLASHBETS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("store.database_url", "")
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.cache_ttl", 30*time.Second)

	v.SetDefault("quantum.lifetime", time.Hour)
	v.SetDefault("quantum.sweep_interval", 5*time.Second)
	v.SetDefault("quantum.sampler_seed", 0)

	v.SetDefault("risk.confidences", []float64{0.95, 0.99})
	v.SetDefault("risk.monte_carlo_samples", 10000)
	v.SetDefault("risk.enumeration_limit", 4096)
	v.SetDefault("risk.risk_free_rate", 0.02)
	v.SetDefault("risk.maintenance_margin", 0.10)
	v.SetDefault("risk.max_position_size", 0)
	v.SetDefault("risk.max_leverage", 0)
	v.SetDefault("risk.max_open_positions", 0)
	v.SetDefault("risk.max_market_exposure", 0)
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d outside 1..65535", c.Server.Port)
	}
	if c.Quantum.Lifetime <= 0 {
		return fmt.Errorf("config: quantum.lifetime must be positive, got %s", c.Quantum.Lifetime)
	}
	if c.Quantum.SweepInterval <= 0 {
		return fmt.Errorf("config: quantum.sweep_interval must be positive, got %s", c.Quantum.SweepInterval)
	}
	for _, conf := range c.Risk.Confidences {
		if conf <= 0 || conf >= 1 {
			return fmt.Errorf("config: risk confidence %v outside (0,1)", conf)
		}
	}
	if c.Risk.MonteCarloSamples <= 0 {
		return fmt.Errorf("config: risk.monte_carlo_samples must be positive, got %d", c.Risk.MonteCarloSamples)
	}
	if c.Risk.EnumerationLimit <= 0 {
		return fmt.Errorf("config: risk.enumeration_limit must be positive, got %d", c.Risk.EnumerationLimit)
	}
	if c.Risk.MaintenanceMargin <= 0 || c.Risk.MaintenanceMargin >= 1 {
		return fmt.Errorf("config: risk.maintenance_margin %v outside (0,1)", c.Risk.MaintenanceMargin)
	}
	if c.Risk.MaxLeverage != 0 && c.Risk.MaxLeverage < 1 {
		return fmt.Errorf("config: risk.max_leverage %v below 1", c.Risk.MaxLeverage)
	}
	return nil
}
