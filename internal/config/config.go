package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	MarketData MarketDataConfig `mapstructure:"marketdata"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Volume     VolumeConfig     `mapstructure:"volume"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// MarketDataConfig holds price API configuration
type MarketDataConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	UserAgent       string        `mapstructure:"user_agent"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RequestsPerSec  int           `mapstructure:"requests_per_sec"`
	MaxRetries      int           `mapstructure:"max_retries"`
	MaxRetryElapsed time.Duration `mapstructure:"max_retry_elapsed"`
	Timestep        string        `mapstructure:"timestep"` // timeseries resolution used for confidence scoring
}

// EngineConfig holds evaluation behavior configuration
type EngineConfig struct {
	Workers              int           `mapstructure:"workers"`
	Alpha                float64       `mapstructure:"alpha"`
	HistoryMaxAge        time.Duration `mapstructure:"history_max_age"`
	HighWaterWindow      time.Duration `mapstructure:"high_water_window"`
	RelativeVolumeWindow int           `mapstructure:"relative_volume_window"`
	ScoreTriggers        bool          `mapstructure:"score_triggers"`
	ScoreLimit           int           `mapstructure:"score_limit"`
	CheckpointInterval   int           `mapstructure:"checkpoint_interval"`
}

// VolumeConfig selects and configures the volume store
type VolumeConfig struct {
	Backend         string        `mapstructure:"backend"` // sqlite or redis
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// NATSConfig holds trigger event publishing configuration
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from an optional .env file, the config file and
// PRICEALERT_-prefixed environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	v.SetEnvPrefix("PRICEALERT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("marketdata.base_url", "https://prices.runescape.wiki/api/v1/osrs")
	v.SetDefault("marketdata.user_agent", "pricealert/1.0")
	v.SetDefault("marketdata.poll_interval", "1m")
	v.SetDefault("marketdata.timeout", "30s")
	v.SetDefault("marketdata.requests_per_sec", 5)
	v.SetDefault("marketdata.max_retries", 3)
	v.SetDefault("marketdata.max_retry_elapsed", "30s")
	v.SetDefault("marketdata.timestep", "5m")

	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.alpha", 0.06)
	v.SetDefault("engine.history_max_age", "24h")
	v.SetDefault("engine.high_water_window", "1h")
	v.SetDefault("engine.relative_volume_window", 12)
	v.SetDefault("engine.score_triggers", true)
	v.SetDefault("engine.score_limit", 10)
	v.SetDefault("engine.checkpoint_interval", 12)

	v.SetDefault("volume.backend", "sqlite")
	v.SetDefault("volume.refresh_interval", "1h")
	v.SetDefault("volume.redis_addr", "localhost:6379")
	v.SetDefault("volume.redis_password", "")
	v.SetDefault("volume.redis_db", 0)

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject", "pricealert.triggers")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9108")

	v.SetDefault("storage.db_path", "./data/pricealert.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

var validTimesteps = map[string]bool{"5m": true, "1h": true, "6h": true, "24h": true}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.MarketData.BaseURL == "" {
		return fmt.Errorf("marketdata.base_url is required")
	}
	if c.MarketData.PollInterval < 10*time.Second {
		return fmt.Errorf("marketdata.poll_interval must be at least 10 seconds")
	}
	if c.MarketData.Timeout <= 0 {
		return fmt.Errorf("marketdata.timeout must be positive")
	}
	if c.MarketData.RequestsPerSec < 1 {
		return fmt.Errorf("marketdata.requests_per_sec must be at least 1")
	}
	if c.MarketData.MaxRetries < 0 {
		return fmt.Errorf("marketdata.max_retries must not be negative")
	}
	if !validTimesteps[c.MarketData.Timestep] {
		return fmt.Errorf("marketdata.timestep must be one of: 5m, 1h, 6h, 24h")
	}

	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1")
	}
	if c.Engine.Alpha <= 0 || c.Engine.Alpha > 1 {
		return fmt.Errorf("engine.alpha must be in (0, 1]")
	}
	if c.Engine.HistoryMaxAge < time.Hour {
		return fmt.Errorf("engine.history_max_age must be at least 1 hour")
	}
	if c.Engine.HighWaterWindow <= 0 {
		return fmt.Errorf("engine.high_water_window must be positive")
	}
	if c.Engine.RelativeVolumeWindow < 1 {
		return fmt.Errorf("engine.relative_volume_window must be at least 1")
	}
	if c.Engine.ScoreLimit < 0 {
		return fmt.Errorf("engine.score_limit must not be negative")
	}
	if c.Engine.CheckpointInterval < 1 {
		return fmt.Errorf("engine.checkpoint_interval must be at least 1")
	}

	switch c.Volume.Backend {
	case "sqlite":
	case "redis":
		if c.Volume.RedisAddr == "" {
			return fmt.Errorf("volume.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("volume.backend must be one of: sqlite, redis")
	}
	if c.Volume.RefreshInterval < time.Minute {
		return fmt.Errorf("volume.refresh_interval must be at least 1 minute")
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
