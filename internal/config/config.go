// Package config provides configuration management using viper.
// It supports loading from YAML files and environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Bot       BotConfig       `mapstructure:"bot"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Contest   ContestConfig   `mapstructure:"contest"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Workers   WorkersConfig   `mapstructure:"workers"`
}

// BotConfig holds Telegram bot configuration.
type BotConfig struct {
	Token       string        `mapstructure:"token"`
	Name        string        `mapstructure:"name"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	PoolSize        int           `mapstructure:"pool_size"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// ContestConfig holds contest lifecycle configuration.
type ContestConfig struct {
	// ScanInterval is how often the scheduler looks for contests whose
	// end time has passed.
	ScanInterval      time.Duration `mapstructure:"scan_interval"`
	DefaultPrizeCount int           `mapstructure:"default_prize_count"`
}

// BroadcastConfig holds bulk delivery configuration.
type BroadcastConfig struct {
	// WindowSends caps the number of sends per rolling Window.
	WindowSends int           `mapstructure:"window_sends"`
	Window      time.Duration `mapstructure:"window"`
	// MinInterval is the fixed minimum time between two consecutive sends.
	MinInterval time.Duration `mapstructure:"min_interval"`
	MaxRetries  int           `mapstructure:"max_retries"`
}

// WorkersConfig holds event worker pool configuration.
type WorkersConfig struct {
	PoolSize int `mapstructure:"pool_size"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the config directory.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables use underscore separator and uppercase,
	// e.g. BOT_TOKEN, DATABASE_HOST, BROADCAST_WINDOW_SENDS.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK - env vars can provide all config
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("bot.poll_timeout", "10s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "contestbot")
	v.SetDefault("database.name", "contestbot")
	v.SetDefault("database.pool_size", 20)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	v.SetDefault("contest.scan_interval", "1m")
	v.SetDefault("contest.default_prize_count", 1)

	// Telegram allows roughly 30 messages per second overall; stay well
	// under it and never burst.
	v.SetDefault("broadcast.window_sends", 20)
	v.SetDefault("broadcast.window", "1s")
	v.SetDefault("broadcast.min_interval", "50ms")
	v.SetDefault("broadcast.max_retries", 4)

	v.SetDefault("workers.pool_size", 8)
}
