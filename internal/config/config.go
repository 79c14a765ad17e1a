// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mbd888/lockdrop/internal/lockdrop"
)

// Settlement backends
const (
	SettlementMemory = "memory"
	SettlementChain  = "chain"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Lock policy
	TopUpPolicy       string
	DefaultLockPeriod time.Duration
	AutoRelease       bool
	MaturityInterval  time.Duration
	ReconcileInterval time.Duration // Custody vs total locked check

	// Settlement
	Settlement        string
	RPCURL            string
	ChainID           int64
	CustodyPrivateKey string // Hex, with or without 0x

	// Event fan-out
	KafkaBrokers []string
	KafkaTopic   string

	// Security
	AdminSecret  string
	RateLimitRPM int
	CORSOrigins  []string // Empty allows any origin without credentials

	// Observability
	OTLPEndpoint string
}

// Base Sepolia defaults
const (
	DefaultRPCURL            = "https://sepolia.base.org"
	DefaultChainID           = 84532 // Base Sepolia
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultMaturityInterval  = 30 * time.Second
	DefaultReconcileInterval = 5 * time.Minute
	DefaultRateLimit         = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		TopUpPolicy:       getEnv("TOPUP_POLICY", string(lockdrop.TopUpExtend)),
		DefaultLockPeriod: getEnvDuration("DEFAULT_LOCK_PERIOD", 0),
		AutoRelease:       getEnvBool("AUTO_RELEASE", false),
		MaturityInterval:  getEnvDuration("MATURITY_INTERVAL", DefaultMaturityInterval),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		Settlement:        strings.ToLower(getEnv("SETTLEMENT", SettlementMemory)),
		RPCURL:            getEnv("RPC_URL", DefaultRPCURL),
		ChainID:           getEnvInt64("CHAIN_ID", DefaultChainID),
		CustodyPrivateKey: os.Getenv("CUSTODY_PRIVATE_KEY"),
		KafkaBrokers:      getEnvList("KAFKA_BROKERS"),
		KafkaTopic:        os.Getenv("KAFKA_TOPIC"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		CORSOrigins:       getEnvList("CORS_ORIGINS"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if _, err := lockdrop.ParseTopUpPolicy(c.TopUpPolicy); err != nil {
		return fmt.Errorf("TOPUP_POLICY: %w", err)
	}
	if c.DefaultLockPeriod < 0 {
		return fmt.Errorf("DEFAULT_LOCK_PERIOD must not be negative")
	}
	if c.MaturityInterval < 0 {
		return fmt.Errorf("MATURITY_INTERVAL must not be negative")
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must not be negative")
	}

	switch c.Settlement {
	case SettlementMemory:
		if c.IsProduction() {
			return fmt.Errorf("SETTLEMENT=memory is not allowed in production")
		}
	case SettlementChain:
		if c.CustodyPrivateKey == "" {
			return fmt.Errorf("CUSTODY_PRIVATE_KEY is required for chain settlement")
		}
		// Allow both with and without 0x prefix
		key := strings.TrimPrefix(c.CustodyPrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("CUSTODY_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required for chain settlement")
		}
		if c.ChainID <= 0 {
			return fmt.Errorf("CHAIN_ID must be positive")
		}
	default:
		return fmt.Errorf("SETTLEMENT must be %q or %q, got %q", SettlementMemory, SettlementChain, c.Settlement)
	}

	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	return nil
}

// LockPolicy returns the ledger policy described by the configuration.
func (c *Config) LockPolicy() lockdrop.Policy {
	topUp, err := lockdrop.ParseTopUpPolicy(c.TopUpPolicy)
	if err != nil {
		topUp = lockdrop.TopUpExtend
	}
	return lockdrop.Policy{TopUp: topUp, DefaultPeriod: c.DefaultLockPeriod}
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("72h") or plain seconds ("3600").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if s, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(s) * time.Second
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
