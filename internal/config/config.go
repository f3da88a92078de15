// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN; required by cmd/server and cmd/migrate.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// JWTIssuer is the iss claim set on issued tokens and validated on parse.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAccessSecret signs access tokens (HS256). Must differ from JWT_REFRESH_SECRET.
	JWTAccessSecret string `mapstructure:"JWT_ACCESS_SECRET"`
	// JWTRefreshSecret signs refresh tokens (HS256); independent from the access secret
	// so compromise of one verification key cannot forge the other token type.
	JWTRefreshSecret string `mapstructure:"JWT_REFRESH_SECRET"`
	// RefreshHashSalt is the server-held salt mixed into stored refresh-token digests.
	RefreshHashSalt string `mapstructure:"REFRESH_HASH_SALT"`
	// JWTAccessTTL is the access token lifetime (e.g. "30m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// JWTRefreshTTL is the refresh token lifetime (e.g. "336h" = 14d).
	JWTRefreshTTL string `mapstructure:"JWT_REFRESH_TTL"`
	// RevokeFamilyOnReuse escalates refresh-token reuse to revoking every session of the user.
	RevokeFamilyOnReuse bool `mapstructure:"AUTH_REVOKE_FAMILY_ON_REUSE"`

	// GoogleClientID is the OAuth client id for the Google login flow.
	GoogleClientID string `mapstructure:"GOOGLE_CLIENT_ID"`
	// GoogleClientSecret is the OAuth client secret for the Google login flow.
	GoogleClientSecret string `mapstructure:"GOOGLE_CLIENT_SECRET"`
	// GoogleRedirectURI is the redirect URI registered with Google.
	GoogleRedirectURI string `mapstructure:"GOOGLE_REDIRECT_URI"`
	// ClientRedirectURI is where the browser is sent after a successful Google
	// callback, with the access token appended as a query parameter.
	ClientRedirectURI string `mapstructure:"CLIENT_REDIRECT_URI"`

	// LogLevel is the zap log level (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// OTLPEndpoint is the OTLP gRPC collector endpoint (e.g. http://localhost:4317).
	// Empty disables OpenTelemetry export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// Telemetry (optional). When Kafka brokers are set, the server emits token
	// lifecycle events to Kafka.
	// TelemetryKafkaBrokers is a comma-separated list of Kafka broker addresses.
	TelemetryKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// TelemetryKafkaTopic is the Kafka topic for lifecycle events (default jobblog-token-events).
	TelemetryKafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`

	// Worker-only: Loki URL for the event worker to push logs (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the event worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// SessionPurgeAfter is how long revoked or expired sessions are retained before
	// the worker deletes them (e.g. "720h" = 30d).
	SessionPurgeAfter string `mapstructure:"SESSION_PURGE_AFTER"`
	// SessionPurgeInterval is how often the worker runs the purge (e.g. "1h").
	SessionPurgeInterval string `mapstructure:"SESSION_PURGE_INTERVAL"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("JWT_ISSUER", "jobblog-auth")
	v.SetDefault("JWT_ACCESS_SECRET", "")
	v.SetDefault("JWT_REFRESH_SECRET", "")
	v.SetDefault("REFRESH_HASH_SALT", "")
	v.SetDefault("JWT_ACCESS_TTL", "30m")
	v.SetDefault("JWT_REFRESH_TTL", "336h") // 14d
	v.SetDefault("AUTH_REVOKE_FAMILY_ON_REUSE", true)
	v.SetDefault("GOOGLE_CLIENT_ID", "")
	v.SetDefault("GOOGLE_CLIENT_SECRET", "")
	v.SetDefault("GOOGLE_REDIRECT_URI", "")
	v.SetDefault("CLIENT_REDIRECT_URI", "http://localhost:3000")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "jobblog-token-events")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "jobblog-token-events-worker")
	v.SetDefault("SESSION_PURGE_AFTER", "720h") // 30d
	v.SetDefault("SESSION_PURGE_INTERVAL", "1h")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.JWTAccessSecret == "" || cfg.JWTRefreshSecret == "" {
		return nil, errors.New("config: JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must be set")
	}
	if cfg.JWTAccessSecret == cfg.JWTRefreshSecret {
		return nil, errors.New("config: JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}
	if cfg.RefreshHashSalt == "" {
		return nil, errors.New("config: REFRESH_HASH_SALT must be set")
	}

	return &cfg, nil
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 30m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	d, err := time.ParseDuration(c.JWTAccessTTL)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}

// RefreshTTL parses JWTRefreshTTL as a time.Duration. Returns 336h if unset or invalid.
func (c *Config) RefreshTTL() time.Duration {
	d, err := time.ParseDuration(c.JWTRefreshTTL)
	if err != nil || d <= 0 {
		return 336 * time.Hour
	}
	return d
}

// PurgeAfter parses SessionPurgeAfter as a time.Duration. Returns 720h if unset or invalid.
func (c *Config) PurgeAfter() time.Duration {
	d, err := time.ParseDuration(c.SessionPurgeAfter)
	if err != nil || d <= 0 {
		return 720 * time.Hour
	}
	return d
}

// PurgeInterval parses SessionPurgeInterval as a time.Duration. Returns 1h if unset or invalid.
func (c *Config) PurgeInterval() time.Duration {
	d, err := time.ParseDuration(c.SessionPurgeInterval)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// TelemetryKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if telemetry is enabled (non-empty list) and to create the producer.
func (c *Config) TelemetryKafkaBrokersList() []string {
	if c == nil || c.TelemetryKafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.TelemetryKafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
