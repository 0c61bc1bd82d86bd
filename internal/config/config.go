// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/chronopay/chronopay/internal/fees"
	"github.com/chronopay/chronopay/internal/validation"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL        string
	ChainID       int64
	PrivateKey    string // Hex-encoded, with or without 0x prefix
	WalletAddress string
	VaultContract string // Payment vault contract address (optional, uses in-memory ledger if not set)
	TokenContract string // Settlement token (USDC)

	// Payment settings
	FeeBps int64 // Protocol fee in basis points

	// Keeper settings
	KeeperInterval    time.Duration
	InstallmentPeriod time.Duration
	LedgerTimeout     time.Duration
	KeeperMaxAttempts int

	// Observability
	OTLPEndpoint string // OTLP trace collector (optional)
}

// Base Sepolia defaults
const (
	DefaultRPCURL            = "https://sepolia.base.org"
	DefaultChainID           = 84532                                        // Base Sepolia
	DefaultTokenContract     = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultKeeperInterval    = 60 * time.Second
	DefaultInstallmentPeriod = 30 * 24 * time.Hour
	DefaultLedgerTimeout     = 30 * time.Second
	DefaultKeeperMaxAttempts = 5
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
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:            getEnv("RPC_URL", DefaultRPCURL),
		ChainID:           getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:        os.Getenv("PRIVATE_KEY"),
		WalletAddress:     os.Getenv("WALLET_ADDRESS"),
		VaultContract:     os.Getenv("VAULT_CONTRACT"), // Optional, uses in-memory ledger if not set
		TokenContract:     getEnv("TOKEN_CONTRACT", DefaultTokenContract),
		FeeBps:            getEnvInt64("FEE_BPS", fees.DefaultBps),
		KeeperInterval:    getEnvDuration("KEEPER_INTERVAL", DefaultKeeperInterval),
		InstallmentPeriod: getEnvDuration("INSTALLMENT_PERIOD", DefaultInstallmentPeriod),
		LedgerTimeout:     getEnvDuration("LEDGER_TIMEOUT", DefaultLedgerTimeout),
		KeeperMaxAttempts: int(getEnvInt64("KEEPER_MAX_ATTEMPTS", DefaultKeeperMaxAttempts)),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.OnChain() {
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required when VAULT_CONTRACT is set")
		}
		if c.PrivateKey == "" {
			return fmt.Errorf("PRIVATE_KEY is required when VAULT_CONTRACT is set")
		}
		// Allow both with and without 0x prefix
		key := c.PrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 || !validation.IsValidHex(key) {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	if c.FeeBps < 0 || c.FeeBps >= 10_000 {
		return fmt.Errorf("FEE_BPS must be in [0, 10000)")
	}
	if c.KeeperInterval <= 0 {
		return fmt.Errorf("KEEPER_INTERVAL must be positive")
	}
	if c.InstallmentPeriod <= 0 {
		return fmt.Errorf("INSTALLMENT_PERIOD must be positive")
	}

	return nil
}

// OnChain reports whether settlement goes through a deployed vault
// contract rather than the in-memory ledger.
func (c *Config) OnChain() bool {
	return c.VaultContract != ""
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
