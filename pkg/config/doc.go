// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	CROSSLANE_HOST="0.0.0.0"
//	CROSSLANE_PORT="8080"
//	CROSSLANE_READ_TIMEOUT="15s"
//	CROSSLANE_WRITE_TIMEOUT="15s"
//
// Storage settings:
//
//	CROSSLANE_DATABASE_URL="postgres://localhost/crosslane"  # or a sqlite3 path
//	CROSSLANE_REDIS_URL="redis://localhost:6379"
//	CROSSLANE_CACHE_MAX_ENTRIES="4096"
//
// Broker settings:
//
//	CROSSLANE_BASE_URL="https://sso.example.com"
//	CROSSLANE_DISCOVERY_TTL="24h"
//	CROSSLANE_CONFIG_CACHE_TTL="15m"
//	CROSSLANE_SESSION_TTL="8h"
//	CROSSLANE_SEED_FILE="/etc/crosslane/providers.yaml"
//
// Telemetry settings:
//
//	CROSSLANE_LOG_LEVEL="info"  # debug, info, warn, error
//	CROSSLANE_LOG_FORMAT="json"
//	CROSSLANE_OTEL_ENABLED="true"
//	CROSSLANE_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Server: %s\n", cfg.Server.Addr())
//	fmt.Printf("Base URL: %s\n", cfg.Broker.BaseURL)
//	fmt.Printf("Log level: %s\n", cfg.Telemetry.LogLevel)
//
// # Related Packages
//
//   - pkg/configstore: persists per-organization provider configurations
//   - pkg/observability: uses telemetry configuration
package config
