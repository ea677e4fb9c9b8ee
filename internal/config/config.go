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

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Chain
	ChainName     string
	RPCURL        string
	ChainID       int64
	ChainSymbol   string
	ChainDecimals int

	// Custody keys. The identity decrypts custody wallets; recipients are
	// extra age public keys every wallet is also encrypted to.
	CustodyAgeIdentity   string
	CustodyAgeRecipients []string

	// Access
	AdminSecret     string
	ArbiterAddrs    []string
	AdminRateLimit  int
	AdminRateWindow time.Duration

	// Settlement retries
	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	RetryBatchSize      int
	RetrySweepInterval  time.Duration
	RetryRetentionDays  int
	RetryLease          time.Duration
	ConfirmTimeout      time.Duration
	FundingPollInterval time.Duration
	ReconcileInterval   time.Duration

	OTLPEndpoint    string
	OTLPSampleRatio float64
}

// Base Sepolia defaults
const (
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "text"
	DefaultChainName    = "base-sepolia"
	DefaultRPCURL       = "https://sepolia.base.org"
	DefaultChainID      = 84532
	DefaultChainSymbol  = "ETH"
	DefaultDecimals     = 18
	DefaultRetentionDay = 30
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		ChainName:            getEnv("CHAIN_NAME", DefaultChainName),
		RPCURL:               getEnv("RPC_URL", DefaultRPCURL),
		ChainID:              getEnvInt64("CHAIN_ID", DefaultChainID),
		ChainSymbol:          getEnv("CHAIN_SYMBOL", DefaultChainSymbol),
		ChainDecimals:        int(getEnvInt64("CHAIN_DECIMALS", DefaultDecimals)),
		CustodyAgeIdentity:   os.Getenv("CUSTODY_AGE_IDENTITY"),
		CustodyAgeRecipients: getEnvList("CUSTODY_AGE_RECIPIENTS"),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		ArbiterAddrs:         getEnvList("ARBITER_ADDRESSES"),
		AdminRateLimit:       int(getEnvInt64("ADMIN_RATE_LIMIT", 10)),
		AdminRateWindow:      getEnvDuration("ADMIN_RATE_WINDOW", time.Minute),
		RetryMaxAttempts:     int(getEnvInt64("RETRY_MAX_ATTEMPTS", 5)),
		RetryBaseDelay:       getEnvDuration("RETRY_BASE_DELAY", 30*time.Second),
		RetryMaxDelay:        getEnvDuration("RETRY_MAX_DELAY", time.Hour),
		RetryBatchSize:       int(getEnvInt64("RETRY_BATCH_SIZE", 25)),
		RetrySweepInterval:   getEnvDuration("RETRY_SWEEP_INTERVAL", time.Minute),
		RetryRetentionDays:   int(getEnvInt64("RETRY_RETENTION_DAYS", DefaultRetentionDay)),
		RetryLease:           getEnvDuration("RETRY_LEASE", 10*time.Minute),
		ConfirmTimeout:       getEnvDuration("CONFIRM_TIMEOUT", 2*time.Minute),
		FundingPollInterval:  getEnvDuration("FUNDING_POLL_INTERVAL", 30*time.Second),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPSampleRatio:      getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.CustodyAgeIdentity == "" {
		return fmt.Errorf("CUSTODY_AGE_IDENTITY is required")
	}
	if !strings.HasPrefix(c.CustodyAgeIdentity, "AGE-SECRET-KEY-1") {
		return fmt.Errorf("CUSTODY_AGE_IDENTITY must be an age X25519 identity (AGE-SECRET-KEY-1...)")
	}
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.ChainDecimals < 0 || c.ChainDecimals > 36 {
		return fmt.Errorf("CHAIN_DECIMALS must be between 0 and 36")
	}
	for _, a := range c.ArbiterAddrs {
		if len(a) != 42 || !strings.HasPrefix(a, "0x") {
			return fmt.Errorf("ARBITER_ADDRESSES contains invalid address %q", a)
		}
	}
	if c.RetryLease <= c.ConfirmTimeout {
		return fmt.Errorf("RETRY_LEASE (%s) must be longer than CONFIRM_TIMEOUT (%s)", c.RetryLease, c.ConfirmTimeout)
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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
