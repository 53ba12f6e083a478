// Package config loads process configuration from the environment, after
// merging any local .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Port int

	DBDriver    string // sqlite | postgres
	DBPath      string
	DatabaseURL string

	JWTSecret string

	StripeSecretKey     string
	StripeWebhookSecret string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string

	RabbitMQURL     string
	RabbitMQQueue   string
	RabbitMQWorkers int

	PriceTablePath string

	SweepInterval time.Duration
	SweepMaxAge   time.Duration

	CORSOrigins []string
	LogLevel    logrus.Level
}

// PaymentsEnabled reports whether a payment provider is configured.
func (c Config) PaymentsEnabled() bool {
	return c.StripeSecretKey != ""
}

// Load merges .env files into the environment and reads Config from it.
func Load(logger *logrus.Logger) (Config, error) {
	LoadEnv(logger)

	cfg := Config{
		Port:                GetEnvInt("PORT", 8080),
		DBDriver:            strings.ToLower(GetEnv("DB_DRIVER", "sqlite")),
		DBPath:              GetEnv("DB_PATH", "credits.db"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		CheckoutSuccessURL:  GetEnv("CHECKOUT_SUCCESS_URL", "http://localhost:5173/billing/success?session_id={CHECKOUT_SESSION_ID}"),
		CheckoutCancelURL:   GetEnv("CHECKOUT_CANCEL_URL", "http://localhost:5173/billing"),
		RabbitMQURL:         os.Getenv("RABBITMQ_URL"),
		RabbitMQQueue:       GetEnv("RABBITMQ_QUEUE", "payment_events"),
		RabbitMQWorkers:     GetEnvInt("RABBITMQ_WORKERS", 4),
		PriceTablePath:      os.Getenv("PRICE_TABLE_PATH"),
		SweepInterval:       GetEnvDuration("SWEEP_INTERVAL", time.Minute),
		SweepMaxAge:         GetEnvDuration("SWEEP_MAX_AGE", 24*time.Hour),
		CORSOrigins:         GetEnvList("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),
		LogLevel:            GetLogLevel(),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that have no safe default.
func (c Config) Validate() error {
	var errs []error
	switch c.DBDriver {
	case "sqlite":
		if c.DBPath == "" {
			errs = append(errs, errors.New("DB_PATH is required for sqlite"))
		}
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT out of range: %d", c.Port))
	}
	if c.RabbitMQWorkers <= 0 {
		errs = append(errs, fmt.Errorf("RABBITMQ_WORKERS must be positive, got %d", c.RabbitMQWorkers))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}

// =============================================================================
// ENV HELPERS
// =============================================================================

// LoadEnv loads .env and .env.local if present. Later files win.
func LoadEnv(logger *logrus.Logger) {
	for _, file := range []string{".env", ".env.local"} {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			if logger != nil {
				logger.WithError(err).Warnf("failed to load %s", file)
			}
			continue
		}
		if logger != nil {
			logger.Debugf("loaded env file %s", file)
		}
	}
}

// GetEnv gets an environment variable with a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt gets an integer environment variable with a default value
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvList splits a comma separated variable, dropping blanks.
func GetEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// GetLogLevel gets the log level from environment
func GetLogLevel() logrus.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
