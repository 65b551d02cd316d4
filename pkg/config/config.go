package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Broker    BrokerConfig
	Telemetry TelemetryConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// StorageConfig holds database and cache configuration.
type StorageConfig struct {
	// DatabaseURL is a postgres DSN, or a sqlite3 path when it carries no
	// scheme.
	DatabaseURL string
	// RedisURL enables the Redis cache backend when set; empty falls back
	// to the in-process cache.
	RedisURL        string
	CacheMaxEntries int
}

// BrokerConfig holds SSO broker behavior.
type BrokerConfig struct {
	// BaseURL is the externally visible URL used in SP entity ids and
	// callback addresses.
	BaseURL string

	DiscoveryTTL   time.Duration
	ConfigCacheTTL time.Duration
	SessionTTL     time.Duration

	// Cron schedules for the background jobs.
	CertSweepSchedule      string
	SessionCleanupSchedule string
	// CertExpiryHorizon is how far ahead the sweep warns about expiring
	// certificates.
	CertExpiryHorizon time.Duration

	// SeedFile optionally points at a YAML file of provider
	// configurations loaded at startup and watched for changes.
	SeedFile string
}

// TelemetryConfig holds logging and tracing settings.
type TelemetryConfig struct {
	LogLevel     string
	LogFormat    string // "json" or "text"
	OTelEnabled  bool
	OTelEndpoint string
	ServiceName  string
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("CROSSLANE_HOST", "0.0.0.0"),
			Port:            getEnv("CROSSLANE_PORT", "8080"),
			ReadTimeout:     getEnvDuration("CROSSLANE_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("CROSSLANE_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("CROSSLANE_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("CROSSLANE_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Storage: StorageConfig{
			DatabaseURL:     getEnv("CROSSLANE_DATABASE_URL", "crosslane.db"),
			RedisURL:        getEnv("CROSSLANE_REDIS_URL", ""),
			CacheMaxEntries: getEnvInt("CROSSLANE_CACHE_MAX_ENTRIES", 4096),
		},
		Broker: BrokerConfig{
			BaseURL:                getEnv("CROSSLANE_BASE_URL", "http://localhost:8080"),
			DiscoveryTTL:           getEnvDuration("CROSSLANE_DISCOVERY_TTL", 24*time.Hour),
			ConfigCacheTTL:         getEnvDuration("CROSSLANE_CONFIG_CACHE_TTL", 15*time.Minute),
			SessionTTL:             getEnvDuration("CROSSLANE_SESSION_TTL", 8*time.Hour),
			CertSweepSchedule:      getEnv("CROSSLANE_CERT_SWEEP_SCHEDULE", "0 3 * * *"),
			SessionCleanupSchedule: getEnv("CROSSLANE_SESSION_CLEANUP_SCHEDULE", "*/30 * * * *"),
			CertExpiryHorizon:      getEnvDuration("CROSSLANE_CERT_EXPIRY_HORIZON", 30*24*time.Hour),
			SeedFile:               getEnv("CROSSLANE_SEED_FILE", ""),
		},
		Telemetry: TelemetryConfig{
			LogLevel:     getEnv("CROSSLANE_LOG_LEVEL", "info"),
			LogFormat:    getEnv("CROSSLANE_LOG_FORMAT", "json"),
			OTelEnabled:  getEnvBool("CROSSLANE_OTEL_ENABLED", false),
			OTelEndpoint: getEnv("CROSSLANE_OTEL_ENDPOINT", "localhost:4317"),
			ServiceName:  getEnv("CROSSLANE_SERVICE_NAME", "crosslane"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	c.Broker.BaseURL = strings.TrimRight(c.Broker.BaseURL, "/")
	if c.Storage.DatabaseURL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.Broker.DiscoveryTTL <= 0 || c.Broker.ConfigCacheTTL <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}
	return nil
}

// Addr returns the listen address.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// UsesPostgres reports whether the database URL points at postgres.
func (c *StorageConfig) UsesPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") ||
		strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

// getEnv returns a string environment variable or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
