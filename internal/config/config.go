// Package config holds the identity service configuration, loaded from
// environment variables.
package config

import (
	"fmt"
	"time"

	pkgconfig "github.com/utafrali/identity/pkg/config"
)

// Config holds all configuration for the identity service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort int `env:"IDENTITY_HTTP_PORT" envDefault:"8010"`

	// PostgreSQL
	PostgresHost string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser string `env:"POSTGRES_USER" envDefault:"identity"`
	PostgresPass string `env:"POSTGRES_PASSWORD" envDefault:"identity_secret"`
	PostgresDB   string `env:"IDENTITY_DB_NAME" envDefault:"identity_db"`
	PostgresSSL  string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`

	// Redis
	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPass string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	// Kafka
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`

	// JWT verification (tokens are issued by the auth service)
	JWTSecret string `env:"JWT_SECRET" envDefault:"change-this-to-a-secure-secret"`

	// Saga orchestration
	SagaTimeout     time.Duration `env:"SAGA_TIMEOUT" envDefault:"2m"`
	EventMaxRetries int           `env:"EVENT_MAX_RETRIES" envDefault:"5"`

	// Outbox relay
	RelayPollInterval    time.Duration `env:"RELAY_POLL_INTERVAL" envDefault:"1s"`
	RelayBatchSize       int           `env:"RELAY_BATCH_SIZE" envDefault:"50"`
	RelayBaseRetryDelay  time.Duration `env:"RELAY_BASE_RETRY_DELAY" envDefault:"2s"`
	RelayRetention       time.Duration `env:"RELAY_RETENTION" envDefault:"168h"`
	RelayCleanupInterval time.Duration `env:"RELAY_CLEANUP_INTERVAL" envDefault:"1h"`

	// Idempotency guard
	IdempotencyRecordTTL     time.Duration `env:"IDEMPOTENCY_RECORD_TTL" envDefault:"24h"`
	IdempotencyCacheTTL      time.Duration `env:"IDEMPOTENCY_CACHE_TTL" envDefault:"1h"`
	IdempotencyLockTTL       time.Duration `env:"IDEMPOTENCY_LOCK_TTL" envDefault:"30s"`
	IdempotencyFailOpen      bool          `env:"IDEMPOTENCY_FAIL_OPEN" envDefault:"false"`
	IdempotencySweepInterval time.Duration `env:"IDEMPOTENCY_SWEEP_INTERVAL" envDefault:"1h"`

	// OpenTelemetry
	OTELExporterEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load identity config: %w", err)
	}
	if cfg.HTTPPort < 1 || cfg.HTTPPort > 65535 {
		return nil, fmt.Errorf("invalid HTTP port: %d", cfg.HTTPPort)
	}
	if cfg.RelayBatchSize < 1 {
		return nil, fmt.Errorf("invalid relay batch size: %d", cfg.RelayBatchSize)
	}
	if cfg.EventMaxRetries < 0 {
		return nil, fmt.Errorf("invalid event max retries: %d", cfg.EventMaxRetries)
	}

	// In non-development environments, require an explicitly set, strong JWT secret.
	if cfg.Environment != "development" {
		if cfg.JWTSecret == "change-this-to-a-secure-secret" {
			return nil, fmt.Errorf("JWT_SECRET must be explicitly set via environment variable in %q mode", cfg.Environment)
		}
		if len(cfg.JWTSecret) < 32 {
			return nil, fmt.Errorf("JWT_SECRET must be at least 32 characters long, got %d", len(cfg.JWTSecret))
		}
	}

	return cfg, nil
}

// PostgresDSN returns the PostgreSQL connection string.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.PostgresUser, c.PostgresPass, c.PostgresHost, c.PostgresPort, c.PostgresDB, c.PostgresSSL,
	)
}
