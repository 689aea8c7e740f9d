package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	libconfig "evconnect/backend/libs/config"
)

// HTTPConfig configures the listener.
type HTTPConfig struct {
	Port string `yaml:"port" env:"CHARGING_HTTP_PORT"`
}

// DatabaseConfig configures Postgres.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" env:"CHARGING_POSTGRES_DSN"`
}

// RedisConfig configures the optional redis used for locks and webhook dedupe.
type RedisConfig struct {
	Addr      string        `yaml:"addr" env:"CHARGING_REDIS_ADDR"`
	Password  string        `yaml:"password" env:"CHARGING_REDIS_PASSWORD"`
	DB        int           `yaml:"db" env:"CHARGING_REDIS_DB"`
	LockTTL   time.Duration `yaml:"lockTTL" env:"CHARGING_REDIS_LOCK_TTL"`
	DedupeTTL time.Duration `yaml:"dedupeTTL" env:"CHARGING_REDIS_DEDUPE_TTL"`
}

// AuthConfig configures bearer token validation.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwtSecret" env:"CHARGING_JWT_SECRET"`
	TokenTTL  time.Duration `yaml:"tokenTTL" env:"CHARGING_JWT_TTL"`
}

// PaymentConfig configures the Stripe gateway.
type PaymentConfig struct {
	StripeSecretKey string        `yaml:"stripeSecretKey" env:"CHARGING_STRIPE_SECRET_KEY"`
	WebhookSecret   string        `yaml:"webhookSecret" env:"CHARGING_STRIPE_WEBHOOK_SECRET"`
	Currency        string        `yaml:"currency" env:"CHARGING_PAYMENT_CURRENCY"`
	APIURL          string        `yaml:"apiURL" env:"CHARGING_STRIPE_API_URL"`
	Timeout         time.Duration `yaml:"timeout" env:"CHARGING_PAYMENT_TIMEOUT"`
	CaptureRetries  int           `yaml:"captureRetries" env:"CHARGING_PAYMENT_CAPTURE_RETRIES"`
}

// RelayConfig configures the device relay.
type RelayConfig struct {
	PingInterval     time.Duration `yaml:"pingInterval" env:"CHARGING_RELAY_PING_INTERVAL"`
	WriteTimeout     time.Duration `yaml:"writeTimeout" env:"CHARGING_RELAY_WRITE_TIMEOUT"`
	CommandTimeout   time.Duration `yaml:"commandTimeout" env:"CHARGING_RELAY_COMMAND_TIMEOUT"`
	RequireDeviceAck bool          `yaml:"requireDeviceAck" env:"CHARGING_RELAY_REQUIRE_DEVICE_ACK"`
}

// SessionConfig tunes the orchestrator.
type SessionConfig struct {
	MaxDurationMinutes int           `yaml:"maxDurationMinutes" env:"CHARGING_MAX_DURATION_MINUTES"`
	LockWait           time.Duration `yaml:"lockWait" env:"CHARGING_LOCK_WAIT"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"CHARGING_METRICS_ENABLED"`
}

// Config defines charging service configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Payment  PaymentConfig  `yaml:"payment"`
	Relay    RelayConfig    `yaml:"relay"`
	Session  SessionConfig  `yaml:"session"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// Default returns the configuration before file and environment overrides.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{Port: "8085"},
		Redis: RedisConfig{
			LockTTL:   30 * time.Second,
			DedupeTTL: 72 * time.Hour,
		},
		Auth: AuthConfig{TokenTTL: 24 * time.Hour},
		Payment: PaymentConfig{
			Currency:       "mxn",
			Timeout:        10 * time.Second,
			CaptureRetries: 3,
		},
		Relay: RelayConfig{
			PingInterval:     30 * time.Second,
			WriteTimeout:     10 * time.Second,
			CommandTimeout:   10 * time.Second,
			RequireDeviceAck: true,
		},
		Session: SessionConfig{
			MaxDurationMinutes: 120,
			LockWait:           5 * time.Second,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Read applies the config file and environment to the defaults without validation.
func Read() (*Config, error) {
	cfg := Default()
	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads configuration via shared helper and validates it.
func Load() (*Config, error) {
	cfg, err := Read()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, errors.New("config: database dsn required"))
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("config: jwt secret required"))
	}
	if strings.TrimSpace(c.Payment.StripeSecretKey) == "" {
		errs = append(errs, errors.New("config: stripe secret key required"))
	}
	if strings.TrimSpace(c.Payment.WebhookSecret) == "" {
		errs = append(errs, errors.New("config: stripe webhook secret required"))
	}
	if c.Relay.PingInterval <= 0 {
		errs = append(errs, errors.New("config: relay ping interval must be positive"))
	}
	if c.Session.MaxDurationMinutes <= 0 {
		errs = append(errs, errors.New("config: max duration must be positive"))
	}
	return errors.Join(errs...)
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8085"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// RedisEnabled reports whether a redis address is configured.
func (c *Config) RedisEnabled() bool {
	return strings.TrimSpace(c.Redis.Addr) != ""
}
