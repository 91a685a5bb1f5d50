// Package config handles configuration loading and validation for NERG Mine.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Mining    MiningConfig    `mapstructure:"mining"`
	Sweep     SweepConfig     `mapstructure:"sweep"`
	Referral  ReferralConfig  `mapstructure:"referral"`
	Auth      AuthConfig      `mapstructure:"auth"`
	API       APIConfig       `mapstructure:"api"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	NewRelic  NewRelicConfig  `mapstructure:"newrelic"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServiceConfig defines service identity settings
type ServiceConfig struct {
	Name     string `mapstructure:"name"`
	Currency string `mapstructure:"currency"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MiningConfig defines session accrual settings
type MiningConfig struct {
	RatePerDay     float64 `mapstructure:"rate_per_day"`
	DurationHours  float64 `mapstructure:"duration_hours"`
	AllowOverrides bool    `mapstructure:"allow_overrides"`
	MaxRatePerDay  float64 `mapstructure:"max_rate_per_day"`
	MaxDuration    float64 `mapstructure:"max_duration_hours"`
	HistoryLimit   int64   `mapstructure:"history_limit"`
}

// SweepConfig defines the periodic accrual sweep settings
type SweepConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// ReferralConfig defines the one-shot referral bonus settings
type ReferralConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	BonusAmount float64 `mapstructure:"bonus_amount"`
}

// AuthConfig defines caller authentication settings
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// APIConfig defines API server settings
type APIConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Bind          string        `mapstructure:"bind"`
	StatsCache    time.Duration `mapstructure:"stats_cache"`
	CORSOrigins   []string      `mapstructure:"cors_origins"`
	AdminEnabled  bool          `mapstructure:"admin_enabled"`
	AdminPassword string        `mapstructure:"admin_password"`
	WSInterval    time.Duration `mapstructure:"ws_interval"`
}

// NotifyConfig defines webhook notification settings
type NotifyConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
	ServiceURL   string `mapstructure:"service_url"`
}

// NewRelicConfig defines APM settings
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	LicenseKey string `mapstructure:"license_key"`
	AppName    string `mapstructure:"app_name"`
}

// ProfilingConfig defines pprof server settings
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/nerg-mine")
	}

	// Read environment variables
	v.SetEnvPrefix("NERG_MINE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Service defaults
	v.SetDefault("service.name", "NERG Mine")
	v.SetDefault("service.currency", "NERG")

	// Redis defaults
	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	// Mining defaults: 0.05 NERG per 24 hours
	v.SetDefault("mining.rate_per_day", 0.05)
	v.SetDefault("mining.duration_hours", 24.0)
	v.SetDefault("mining.allow_overrides", false)
	v.SetDefault("mining.max_rate_per_day", 1.0)
	v.SetDefault("mining.max_duration_hours", 168.0)
	v.SetDefault("mining.history_limit", 200)

	// Sweep defaults
	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.schedule", "*/5 * * * *")

	// Referral defaults
	v.SetDefault("referral.enabled", true)
	v.SetDefault("referral.bonus_amount", 0.05)

	// Auth defaults
	v.SetDefault("auth.token_ttl", "24h")

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "0.0.0.0:8080")
	v.SetDefault("api.stats_cache", "10s")
	v.SetDefault("api.cors_origins", []string{"*"})
	v.SetDefault("api.admin_enabled", false)
	v.SetDefault("api.ws_interval", "5s")

	// Notify defaults
	v.SetDefault("notify.enabled", false)

	// NewRelic defaults
	v.SetDefault("newrelic.enabled", false)
	v.SetDefault("newrelic.app_name", "nerg-mine")

	// Profiling defaults
	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Mining.RatePerDay <= 0 {
		return fmt.Errorf("mining.rate_per_day must be positive")
	}

	if c.Mining.DurationHours <= 0 {
		return fmt.Errorf("mining.duration_hours must be positive")
	}

	if c.Mining.AllowOverrides {
		if c.Mining.MaxRatePerDay < c.Mining.RatePerDay {
			return fmt.Errorf("mining.max_rate_per_day must be >= mining.rate_per_day")
		}
		if c.Mining.MaxDuration < c.Mining.DurationHours {
			return fmt.Errorf("mining.max_duration_hours must be >= mining.duration_hours")
		}
	}

	if c.Mining.HistoryLimit <= 0 {
		return fmt.Errorf("mining.history_limit must be > 0")
	}

	if c.Sweep.Enabled && c.Sweep.Schedule == "" {
		return fmt.Errorf("sweep.schedule is required when sweep is enabled")
	}

	if c.Referral.Enabled && c.Referral.BonusAmount <= 0 {
		return fmt.Errorf("referral.bonus_amount must be positive")
	}

	if c.API.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when the API is enabled")
	}

	if c.API.AdminEnabled && c.API.AdminPassword == "" {
		return fmt.Errorf("api.admin_password is required when admin endpoints are enabled")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}

	return nil
}
