package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	DatabaseURI           string  `mapstructure:"DATABASE_URI"`
	DBMaxConns            int32   `mapstructure:"DB_MAX_CONNS"`
	TelegramToken         string  `mapstructure:"TELEGRAM_TOKEN"`
	TelegramChatID        int64   `mapstructure:"TELEGRAM_CHAT_ID"`
	HTTPAddr              string  `mapstructure:"HTTP_ADDR"`
	Timezone              string  `mapstructure:"TIMEZONE"`
	SnoozeMinutes         int     `mapstructure:"SNOOZE_MINUTES"`
	RepeatIntervalMinutes int     `mapstructure:"REPEAT_INTERVAL_MINUTES"`
	RepeatMaxCount        int     `mapstructure:"REPEAT_MAX_COUNT"`
	GroupToleranceSeconds int     `mapstructure:"GROUP_TOLERANCE_SECONDS"`
	LowStockThreshold     float64 `mapstructure:"LOW_STOCK_THRESHOLD"`
	DispatchRetries       int     `mapstructure:"DISPATCH_RETRIES"`
	LogLevel              string  `mapstructure:"LOG_LEVEL"`
	LogFormat             string  `mapstructure:"LOG_FORMAT"`
}

var defaults = map[string]any{
	"DATABASE_URI":            "",
	"DB_MAX_CONNS":            10,
	"TELEGRAM_TOKEN":          "",
	"TELEGRAM_CHAT_ID":        0,
	"HTTP_ADDR":               ":8080",
	"TIMEZONE":                "Local",
	"SNOOZE_MINUTES":          15,
	"REPEAT_INTERVAL_MINUTES": 10,
	"REPEAT_MAX_COUNT":        3,
	"GROUP_TOLERANCE_SECONDS": 0,
	"LOW_STOCK_THRESHOLD":     5,
	"DISPATCH_RETRIES":        5,
	"LOG_LEVEL":               "info",
	"LOG_FORMAT":              "console",
}

// Load reads envFiles (".env" when none are given) into the environment,
// then builds the configuration from environment variables.
func Load(envFiles ...string) (*Config, error) {
	// .env file is optional in production
	_ = godotenv.Load(envFiles...)

	v := viper.New()
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
		// Bind explicitly so Unmarshal picks them up
		_ = v.BindEnv(key)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.TelegramToken != "" && c.TelegramChatID == 0 {
		return errors.New("TELEGRAM_CHAT_ID is required when TELEGRAM_TOKEN is set")
	}
	if c.SnoozeMinutes <= 0 {
		return fmt.Errorf("SNOOZE_MINUTES must be positive, got %d", c.SnoozeMinutes)
	}
	if c.RepeatIntervalMinutes <= 0 {
		return fmt.Errorf("REPEAT_INTERVAL_MINUTES must be positive, got %d", c.RepeatIntervalMinutes)
	}
	if c.RepeatMaxCount < 0 {
		return fmt.Errorf("REPEAT_MAX_COUNT must not be negative, got %d", c.RepeatMaxCount)
	}
	if c.GroupToleranceSeconds < 0 {
		return fmt.Errorf("GROUP_TOLERANCE_SECONDS must not be negative, got %d", c.GroupToleranceSeconds)
	}
	if c.DispatchRetries <= 0 {
		return fmt.Errorf("DISPATCH_RETRIES must be positive, got %d", c.DispatchRetries)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be console or json, got %q", c.LogFormat)
	}
	return nil
}

// Location resolves TIMEZONE. "Local" and empty mean the host's zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func (c *Config) SnoozeDelay() time.Duration {
	return time.Duration(c.SnoozeMinutes) * time.Minute
}

func (c *Config) RepeatInterval() time.Duration {
	return time.Duration(c.RepeatIntervalMinutes) * time.Minute
}

func (c *Config) GroupTolerance() time.Duration {
	return time.Duration(c.GroupToleranceSeconds) * time.Second
}

// UseDatabase reports whether Postgres is configured. Without it the
// in-memory store is used.
func (c *Config) UseDatabase() bool {
	return c.DatabaseURI != ""
}
