package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	DatabaseURL    string
	RedisURL       string
	HTTPListenAddr string
	LogLevel       string
	Environment    string
	ServiceName    string

	StripeWebhookSecret string
	AppStoreBundleID    string
	PlayPackageName     string
	PlayCredentialsFile string
	// ProductTiers maps platform product or price ids to tiers: "product=tier,...".
	ProductTiers    string
	TierCatalogPath string

	InternalAPIToken string
	WebhookTimeout   time.Duration

	ArchiveBucket    string
	ArchiveEndpoint  string
	ArchiveRegion    string
	ArchiveAccessKey string
	ArchiveSecretKey string

	// invalid collects values that could not be parsed by Load.
	invalid []string
}

func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		RedisURL:            getEnv("REDIS_URL", ""),
		HTTPListenAddr:      getEnv("HTTP_LISTEN_ADDR", ":8080"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		Environment:         strings.ToLower(getEnv("ENVIRONMENT", EnvDevelopment)),
		ServiceName:         getEnv("SERVICE_NAME", "billing-api"),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		AppStoreBundleID:    getEnv("APP_STORE_BUNDLE_ID", ""),
		PlayPackageName:     getEnv("PLAY_PACKAGE_NAME", ""),
		PlayCredentialsFile: getEnv("PLAY_CREDENTIALS_FILE", ""),
		ProductTiers:        getEnv("PRODUCT_TIERS", ""),
		TierCatalogPath:     getEnv("TIER_CATALOG_PATH", ""),
		InternalAPIToken:    getEnv("INTERNAL_API_TOKEN", ""),
		ArchiveBucket:       getEnv("ARCHIVE_BUCKET", ""),
		ArchiveEndpoint:     getEnv("ARCHIVE_ENDPOINT", ""),
		ArchiveRegion:       getEnv("ARCHIVE_REGION", "us-east-1"),
		ArchiveAccessKey:    getEnv("ARCHIVE_ACCESS_KEY", ""),
		ArchiveSecretKey:    getEnv("ARCHIVE_SECRET_KEY", ""),
	}

	timeout, err := time.ParseDuration(getEnv("WEBHOOK_TIMEOUT", "8s"))
	if err != nil || timeout <= 0 {
		cfg.invalid = append(cfg.invalid, "WEBHOOK_TIMEOUT")
		timeout = 8 * time.Second
	}
	cfg.WebhookTimeout = timeout

	return cfg, nil
}

// Production reports whether this deployment serves real purchases.
func (c *Config) Production() bool {
	return c.Environment == EnvProduction
}

func (c *Config) Validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	invalid := append([]string(nil), c.invalid...)
	if c.Environment != EnvDevelopment && c.Environment != EnvProduction {
		invalid = append(invalid, "ENVIRONMENT")
	}
	if (c.ArchiveAccessKey == "") != (c.ArchiveSecretKey == "") {
		invalid = append(invalid, "ARCHIVE_ACCESS_KEY/ARCHIVE_SECRET_KEY")
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(invalid, ", "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
