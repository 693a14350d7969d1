// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/clinscale/clinscale/internal/security"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string

	// Price ids per plan/interval. Empty means the combination is not
	// purchasable in this environment.
	PriceStarterMonthly    string
	PriceStarterYearly     string
	PriceEnterpriseMonthly string
	PriceEnterpriseYearly  string

	// Checkout redirect targets
	CheckoutSuccessURL string
	CheckoutCancelURL  string

	// Security
	InternalAPIToken string // shared secret for the platform-internal API
	RateLimitRPM     int

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultRateLimit = 300
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		StripeSecretKey:        os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:    os.Getenv("STRIPE_WEBHOOK_SECRET"),
		PriceStarterMonthly:    os.Getenv("STRIPE_PRICE_STARTER_MONTHLY"),
		PriceStarterYearly:     os.Getenv("STRIPE_PRICE_STARTER_YEARLY"),
		PriceEnterpriseMonthly: os.Getenv("STRIPE_PRICE_ENTERPRISE_MONTHLY"),
		PriceEnterpriseYearly:  os.Getenv("STRIPE_PRICE_ENTERPRISE_YEARLY"),
		CheckoutSuccessURL:     getEnv("CHECKOUT_SUCCESS_URL", "http://localhost:3000/billing/success"),
		CheckoutCancelURL:      getEnv("CHECKOUT_CANCEL_URL", "http://localhost:3000/billing/cancel"),
		InternalAPIToken:       os.Getenv("INTERNAL_API_TOKEN"),
		RateLimitRPM:           getEnvInt("RATE_LIMIT_RPM", DefaultRateLimit),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
//
// The Stripe key and webhook secret are what connect money to entitlements;
// running production without them is a fatal config error, never a silent
// degradation.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
		if c.InternalAPIToken == "" {
			return fmt.Errorf("INTERNAL_API_TOKEN is required in production")
		}
		// Checkout redirects are attacker-visible URLs; refuse internal targets.
		if err := security.ValidateRedirectURL(c.CheckoutSuccessURL); err != nil {
			return fmt.Errorf("CHECKOUT_SUCCESS_URL: %w", err)
		}
		if err := security.ValidateRedirectURL(c.CheckoutCancelURL); err != nil {
			return fmt.Errorf("CHECKOUT_CANCEL_URL: %w", err)
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
