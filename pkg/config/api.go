package config

import (
	"fmt"
	"time"
)

const (
	// DefaultAPIListen is the default listen address of the output server.
	DefaultAPIListen = ":9090"

	// DefaultPublicRPM is the default per-IP request budget per minute.
	DefaultPublicRPM = 120

	// DefaultCalcDirPollInterval is how often the server rescans results_dir.
	DefaultCalcDirPollInterval = "1m"
)

// APIConfig contains the output server configuration.
type APIConfig struct {
	Server   APIServerConfig    `yaml:"server" mapstructure:"server"`
	Indexing *APIIndexingConfig `yaml:"indexing,omitempty" mapstructure:"indexing"`
}

// APIIndexingConfig configures the background scan that imports
// calculation directories found under results_dir into the database.
type APIIndexingConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Interval string `yaml:"interval,omitempty" mapstructure:"interval"`
}

// APIServerConfig contains HTTP server settings.
type APIServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Public  RateLimitTier `yaml:"public,omitempty" mapstructure:"public"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// DatabaseConfig contains calculation database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

func (c *APIConfig) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultAPIListen
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.Public.RequestsPerMinute == 0 {
		c.Server.RateLimit.Public.RequestsPerMinute = DefaultPublicRPM
	}

	if c.Indexing != nil && c.Indexing.Interval == "" {
		c.Indexing.Interval = DefaultCalcDirPollInterval
	}
}

// Validate checks the API configuration for errors.
func (c *APIConfig) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("api.server.listen is required")
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.Public.RequestsPerMinute < 1 {
		return fmt.Errorf("api.server.rate_limit.public.requests_per_minute must be >= 1")
	}

	if c.Indexing != nil && c.Indexing.Enabled {
		if _, err := c.Indexing.GetInterval(); err != nil {
			return err
		}
	}

	return nil
}

// GetInterval returns the parsed indexing interval.
func (c *APIIndexingConfig) GetInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Interval)
	if err != nil {
		return 0, fmt.Errorf("api.indexing.interval: %w", err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("api.indexing.interval must be positive")
	}

	return d, nil
}

// Validate checks the database configuration for errors.
func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case "sqlite":
		if c.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}

		if c.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
	default:
		return fmt.Errorf("database.driver: unsupported driver %q", c.Driver)
	}

	return nil
}
