// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Gateway providers
const (
	ProviderOrders = "orders"
	ProviderStripe = "stripe"
	ProviderFake   = "fake"
)

// Existing-subscription policies
const (
	PolicyReject        = "reject"
	PolicyUpdateInPlace = "update_in_place"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment gateway
	GatewayProvider      string
	GatewayBaseURL       string
	GatewayKeyID         string
	GatewayKeySecret     string
	GatewayWebhookSecret string
	StripeSecretKey      string
	StripePublishableKey string
	StripeWebhookSecret  string

	// Billing
	DefaultCurrency            string
	DefaultTaxRate             decimal.Decimal
	InvoicePrefix              string
	InvoiceDueDays             int
	GracePeriodDays            int
	ExistingSubscriptionPolicy string

	// Background work
	SweepSchedule     string // cron spec, e.g. "@every 15m"
	ReconcileInterval time.Duration
	OutboxInterval    time.Duration

	// External collaborators
	NotifyURL    string
	NotifySecret string
	GuildBaseURL string
	GuildAPIKey  string
	GuildTimeout time.Duration

	// Security
	AdminSecret string

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultGatewayBaseURL    = "https://api.razorpay.com"
	DefaultCurrency          = "INR"
	DefaultTaxRate           = "18"
	DefaultInvoicePrefix     = "INV"
	DefaultInvoiceDueDays    = 7
	DefaultGracePeriodDays   = 7
	DefaultSweepSchedule     = "@every 15m"
	DefaultReconcileInterval = 5 * time.Minute
	DefaultOutboxInterval    = 10 * time.Second
	DefaultGuildTimeout      = 3 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	taxRate, err := decimal.NewFromString(getEnv("DEFAULT_TAX_RATE", DefaultTaxRate))
	if err != nil {
		return nil, fmt.Errorf("DEFAULT_TAX_RATE: %w", err)
	}

	cfg := &Config{
		Port:                       getEnv("PORT", DefaultPort),
		Env:                        getEnv("ENV", DefaultEnv),
		LogLevel:                   getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                  getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:                os.Getenv("DATABASE_URL"),
		GatewayProvider:            getEnv("GATEWAY_PROVIDER", ProviderFake),
		GatewayBaseURL:             getEnv("GATEWAY_BASE_URL", DefaultGatewayBaseURL),
		GatewayKeyID:               os.Getenv("GATEWAY_KEY_ID"),
		GatewayKeySecret:           os.Getenv("GATEWAY_KEY_SECRET"),
		GatewayWebhookSecret:       os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		StripeSecretKey:            os.Getenv("STRIPE_SECRET_KEY"),
		StripePublishableKey:       os.Getenv("STRIPE_PUBLISHABLE_KEY"),
		StripeWebhookSecret:        os.Getenv("STRIPE_WEBHOOK_SECRET"),
		DefaultCurrency:            getEnv("DEFAULT_CURRENCY", DefaultCurrency),
		DefaultTaxRate:             taxRate,
		InvoicePrefix:              getEnv("INVOICE_PREFIX", DefaultInvoicePrefix),
		InvoiceDueDays:             int(getEnvInt64("INVOICE_DUE_DAYS", DefaultInvoiceDueDays)),
		GracePeriodDays:            int(getEnvInt64("GRACE_PERIOD_DAYS", DefaultGracePeriodDays)),
		ExistingSubscriptionPolicy: getEnv("EXISTING_SUBSCRIPTION_POLICY", PolicyReject),
		SweepSchedule:              getEnv("SWEEP_SCHEDULE", DefaultSweepSchedule),
		ReconcileInterval:          getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		OutboxInterval:             getEnvDuration("OUTBOX_INTERVAL", DefaultOutboxInterval),
		NotifyURL:                  os.Getenv("NOTIFY_URL"),
		NotifySecret:               os.Getenv("NOTIFY_SECRET"),
		GuildBaseURL:               os.Getenv("GUILD_BASE_URL"),
		GuildAPIKey:                os.Getenv("GUILD_API_KEY"),
		GuildTimeout:               getEnvDuration("GUILD_TIMEOUT", DefaultGuildTimeout),
		AdminSecret:                os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:               os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.GatewayProvider {
	case ProviderOrders:
		if c.GatewayKeyID == "" || c.GatewayKeySecret == "" {
			return fmt.Errorf("GATEWAY_KEY_ID and GATEWAY_KEY_SECRET are required for the orders gateway")
		}
		if c.GatewayWebhookSecret == "" {
			return fmt.Errorf("GATEWAY_WEBHOOK_SECRET is required for the orders gateway")
		}
	case ProviderStripe:
		if c.StripeSecretKey == "" || c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET are required for the stripe gateway")
		}
	case ProviderFake:
		if c.IsProduction() {
			return fmt.Errorf("GATEWAY_PROVIDER=fake is not allowed in production")
		}
	default:
		return fmt.Errorf("GATEWAY_PROVIDER must be one of orders, stripe, fake (got %q)", c.GatewayProvider)
	}

	if c.DefaultTaxRate.IsNegative() || c.DefaultTaxRate.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("DEFAULT_TAX_RATE must be between 0 and 100")
	}
	if len(c.DefaultCurrency) != 3 {
		return fmt.Errorf("DEFAULT_CURRENCY must be a 3-letter ISO code")
	}
	if c.InvoiceDueDays < 0 || c.GracePeriodDays < 0 {
		return fmt.Errorf("INVOICE_DUE_DAYS and GRACE_PERIOD_DAYS must not be negative")
	}
	switch c.ExistingSubscriptionPolicy {
	case PolicyReject, PolicyUpdateInPlace:
	default:
		return fmt.Errorf("EXISTING_SUBSCRIPTION_POLICY must be reject or update_in_place")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
