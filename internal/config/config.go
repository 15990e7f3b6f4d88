// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/captcharelay/internal/validation"
)

// Upstream variants
const (
	VariantLegacy     = "legacy"
	VariantEnterprise = "enterprise"
)

// Config holds all application configuration. It is built once at startup
// and never mutated afterwards.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"
	StaticDir string // Optional directory served under /static

	// reCAPTCHA credentials. A missing secret is not a load error: the
	// relay answers 500 per request while /health keeps reporting ok.
	SecretKey      string
	ProjectID      string
	SiteKey        string
	ExpectedAction string
	Variant        string
	ScoreThreshold float64

	// Upstream transport
	LegacyURL           string
	EnterpriseURL       string
	UpstreamTimeout     time.Duration
	UpstreamMaxAttempts int
	BreakerThreshold    int
	BreakerCooldown     time.Duration

	// HTTP surface
	AllowedOrigins []string
	RateLimitRPM   int
	TrustedProxies []string // CIDRs or IPs whose X-Forwarded-For is believed; none by default

	// Audit log
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AdminSecret string // Enables the admin audit routes when set

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort                = "3000"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultExpectedAction      = "submit"
	DefaultScoreThreshold      = 0.5
	DefaultLegacyURL           = "https://www.google.com/recaptcha/api/siteverify"
	DefaultEnterpriseURL       = "https://recaptchaenterprise.googleapis.com"
	DefaultUpstreamTimeout     = 10 * time.Second
	DefaultUpstreamMaxAttempts = 1
	DefaultBreakerThreshold    = 5
	DefaultBreakerCooldown     = 30 * time.Second
	DefaultRateLimitRPM        = 60
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	timeout, err := getEnvDuration("UPSTREAM_TIMEOUT", DefaultUpstreamTimeout)
	if err != nil {
		return nil, err
	}
	cooldown, err := getEnvDuration("BREAKER_COOLDOWN", DefaultBreakerCooldown)
	if err != nil {
		return nil, err
	}
	threshold, err := getEnvFloat("RECAPTCHA_SCORE_THRESHOLD", DefaultScoreThreshold)
	if err != nil {
		return nil, err
	}
	maxAttempts, err := getEnvInt("UPSTREAM_MAX_ATTEMPTS", DefaultUpstreamMaxAttempts)
	if err != nil {
		return nil, err
	}
	breakerThreshold, err := getEnvInt("BREAKER_THRESHOLD", DefaultBreakerThreshold)
	if err != nil {
		return nil, err
	}
	rpm, err := getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		StaticDir:           os.Getenv("STATIC_DIR"),
		SecretKey:           os.Getenv("RECAPTCHA_SECRET_KEY"),
		ProjectID:           os.Getenv("GOOGLE_CLOUD_PROJECT_ID"),
		SiteKey:             os.Getenv("RECAPTCHA_SITE_KEY"),
		ExpectedAction:      getEnv("RECAPTCHA_EXPECTED_ACTION", DefaultExpectedAction),
		Variant:             strings.ToLower(os.Getenv("RECAPTCHA_VARIANT")),
		ScoreThreshold:      threshold,
		LegacyURL:           getEnv("RECAPTCHA_LEGACY_URL", DefaultLegacyURL),
		EnterpriseURL:       getEnv("RECAPTCHA_ENTERPRISE_URL", DefaultEnterpriseURL),
		UpstreamTimeout:     timeout,
		UpstreamMaxAttempts: maxAttempts,
		BreakerThreshold:    breakerThreshold,
		BreakerCooldown:     cooldown,
		AllowedOrigins:      splitList(os.Getenv("ALLOWED_ORIGINS")),
		RateLimitRPM:        rpm,
		TrustedProxies:      splitList(os.Getenv("TRUSTED_PROXIES")),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.Variant == "" {
		cfg.Variant = cfg.DefaultVariant()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultVariant picks enterprise when a project is configured.
func (c *Config) DefaultVariant() string {
	if c.ProjectID != "" {
		return VariantEnterprise
	}
	return VariantLegacy
}

// Validate checks that configured values are well formed. Missing
// credentials are reported per request, not here.
func (c *Config) Validate() error {
	if c.Variant != VariantLegacy && c.Variant != VariantEnterprise {
		return fmt.Errorf("RECAPTCHA_VARIANT must be %q or %q, got %q", VariantLegacy, VariantEnterprise, c.Variant)
	}

	if c.ScoreThreshold < 0 || c.ScoreThreshold > 1 {
		return fmt.Errorf("RECAPTCHA_SCORE_THRESHOLD must be between 0 and 1")
	}

	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if _, err := strconv.ParseUint(c.Port, 10, 16); err != nil {
		return fmt.Errorf("PORT must be a valid port number")
	}

	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be positive")
	}

	if c.UpstreamMaxAttempts < 1 {
		return fmt.Errorf("UPSTREAM_MAX_ATTEMPTS must be at least 1")
	}

	return nil
}

// HasCredentials reports whether the configured variant can reach upstream.
// Blank values count as missing, matching the per-request check.
func (c *Config) HasCredentials() bool {
	checks := []func() *validation.ValidationError{
		validation.Required("RECAPTCHA_SECRET_KEY", c.SecretKey),
	}
	if c.Variant == VariantEnterprise {
		checks = append(checks, validation.Required("GOOGLE_CLOUD_PROJECT_ID", c.ProjectID))
	}
	return len(validation.Validate(checks...)) == 0
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

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return i, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	return f, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 10s: %w", key, err)
	}
	return d, nil
}

// splitList parses a comma separated list, dropping blanks.
func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
