// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis URL for the shared price cache (optional, in-process cache if not set)

	// Auth
	JWTSecret string
	JWTIssuer string

	// Marketplace behaviour
	PriceCacheTTL  time.Duration
	OfferPolicy    string // "any_party" or "opposing_party"
	SuggestOnOffer bool
	SeedDemoData   bool

	// Security
	RateLimitRPM int
	CORSOrigins  []string

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultJWTIssuer     = "mandi"
	DefaultPriceCacheTTL = 30 * time.Minute
	MinPriceCacheTTL     = 15 * time.Minute
	MaxPriceCacheTTL     = 30 * time.Minute
	DefaultOfferPolicy   = "any_party"
	DefaultRateLimitRPM  = 120

	// developmentJWTSecret is only accepted when ENV=development.
	developmentJWTSecret = "mandi-dev-secret"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := getEnv("ENV", DefaultEnv)
	databaseURL := os.Getenv("DATABASE_URL")

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            env,
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:      getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:    databaseURL,
		RedisURL:       os.Getenv("REDIS_URL"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		JWTIssuer:      getEnv("JWT_ISSUER", DefaultJWTIssuer),
		PriceCacheTTL:  clampTTL(getEnvDuration("PRICE_CACHE_TTL", DefaultPriceCacheTTL)),
		OfferPolicy:    getEnv("OFFER_POLICY", DefaultOfferPolicy),
		SuggestOnOffer: getEnvBool("SUGGEST_ON_OFFER", true),
		SeedDemoData:   getEnvBool("SEED_DEMO_DATA", env == "development" && databaseURL == ""),
		RateLimitRPM:   int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:    splitList(getEnv("CORS_ORIGINS", "*")),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.JWTSecret == "" && cfg.IsDevelopment() {
		cfg.JWTSecret = developmentJWTSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if !c.IsDevelopment() && c.JWTSecret == developmentJWTSecret {
		return fmt.Errorf("JWT_SECRET must be changed outside development")
	}
	if !c.IsDevelopment() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}

	switch c.OfferPolicy {
	case "any_party", "opposing_party":
	default:
		return fmt.Errorf("OFFER_POLICY must be any_party or opposing_party, got %q", c.OfferPolicy)
	}

	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
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

// clampTTL keeps the price cache TTL inside the accepted staleness window.
func clampTTL(d time.Duration) time.Duration {
	if d < MinPriceCacheTTL {
		return MinPriceCacheTTL
	}
	if d > MaxPriceCacheTTL {
		return MaxPriceCacheTTL
	}
	return d
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
