package config

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for perch-engine.
// Configuration can come from YAML file (config.yaml) or environment
// variables. Environment variables always override YAML values. Secrets
// (passwords, keys) must only come from environment variables.
type Config struct {
	Env     string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version string `yaml:"-"` // Set at load time, not from config

	// Database configuration (PostgreSQL mirror store)
	Database DatabaseConfig `yaml:"database"`

	// Provider client cache configuration
	Providers ProviderConfig `yaml:"providers"`

	// Sync scheduling / failure policy configuration
	Sync SyncConfig `yaml:"sync"`

	// Encryption key for connection credential blobs.
	// Must be a 32-byte key, base64 encoded. Generate with: openssl rand -base64 32
	// Server will fail to start if this is not set.
	ConnectionCredentialsKey string `yaml:"-" env:"CONNECTION_CREDENTIALS_KEY"` // Secret - not in YAML
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"perch"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"perch_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// ProviderConfig holds provider client cache settings.
type ProviderConfig struct {
	// ClientTTLMinutes is how long idle provider clients are kept alive
	// before eviction closes them.
	ClientTTLMinutes int `yaml:"client_ttl_minutes" env:"PROVIDER_CLIENT_TTL_MINUTES" env-default:"5"`
	// CleanupIntervalSeconds is how often the cache sweeps for expired clients.
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds" env:"PROVIDER_CLEANUP_INTERVAL_SECONDS" env-default:"60"`
}

// SyncConfig holds scheduling and failure-policy settings.
type SyncConfig struct {
	// IntervalSeconds is the batch scheduler tick.
	IntervalSeconds int `yaml:"interval_seconds" env:"SYNC_INTERVAL_SECONDS" env-default:"300"`
	// BrokenThreshold is the number of consecutive transient failures after
	// which a connection is flagged broken and skipped until cleared.
	BrokenThreshold int `yaml:"broken_threshold" env:"SYNC_BROKEN_THRESHOLD" env-default:"5"`
	// MigrationsPath is where SQL migrations live.
	MigrationsPath string `yaml:"migrations_path" env:"SYNC_MIGRATIONS_PATH" env-default:"migrations"`
}

// Load reads configuration from config.yaml with environment variable
// overrides. The version parameter is injected at build time and set on the
// returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints that cleanenv tags cannot express.
func (c *Config) Validate() error {
	if c.Providers.ClientTTLMinutes <= 0 {
		return fmt.Errorf("providers.client_ttl_minutes must be positive")
	}
	if c.Sync.BrokenThreshold <= 0 {
		return fmt.Errorf("sync.broken_threshold must be positive")
	}
	if c.Sync.IntervalSeconds <= 0 {
		return fmt.Errorf("sync.interval_seconds must be positive")
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
