package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronopay/chronopay/internal/fees"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "VAULT_CONTRACT", "")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultTokenContract, cfg.TokenContract)
	assert.Equal(t, int64(fees.DefaultBps), cfg.FeeBps)
	assert.Equal(t, DefaultKeeperInterval, cfg.KeeperInterval)
	assert.Equal(t, DefaultInstallmentPeriod, cfg.InstallmentPeriod)
	assert.False(t, cfg.OnChain())
}

func TestLoad_OnChainRequiresKey(t *testing.T) {
	setEnv(t, "VAULT_CONTRACT", "0x1234567890123456789012345678901234567890")
	setEnv(t, "PRIVATE_KEY", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "PRIVATE_KEY is required")
}

func TestLoad_DurationOverrides(t *testing.T) {
	setEnv(t, "VAULT_CONTRACT", "")
	setEnv(t, "KEEPER_INTERVAL", "15s")
	setEnv(t, "INSTALLMENT_PERIOD", "720h")
	setEnv(t, "LEDGER_TIMEOUT", "5s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.KeeperInterval)
	assert.Equal(t, 720*time.Hour, cfg.InstallmentPeriod)
	assert.Equal(t, 5*time.Second, cfg.LedgerTimeout)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid off-chain config",
			config: Config{
				FeeBps:            179,
				KeeperInterval:    time.Minute,
				InstallmentPeriod: time.Hour,
			},
			wantErr: "",
		},
		{
			name: "valid on-chain config",
			config: Config{
				VaultContract:     "0x1234567890123456789012345678901234567890",
				RPCURL:            "https://sepolia.base.org",
				PrivateKey:        "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
				FeeBps:            179,
				KeeperInterval:    time.Minute,
				InstallmentPeriod: time.Hour,
			},
			wantErr: "",
		},
		{
			name: "on-chain with 0x-prefixed key",
			config: Config{
				VaultContract:     "0x1234567890123456789012345678901234567890",
				RPCURL:            "https://sepolia.base.org",
				PrivateKey:        "0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
				FeeBps:            179,
				KeeperInterval:    time.Minute,
				InstallmentPeriod: time.Hour,
			},
			wantErr: "",
		},
		{
			name: "on-chain missing private key",
			config: Config{
				VaultContract:     "0x1234567890123456789012345678901234567890",
				RPCURL:            "https://sepolia.base.org",
				FeeBps:            179,
				KeeperInterval:    time.Minute,
				InstallmentPeriod: time.Hour,
			},
			wantErr: "PRIVATE_KEY is required",
		},
		{
			name: "on-chain invalid private key length",
			config: Config{
				VaultContract:     "0x1234567890123456789012345678901234567890",
				RPCURL:            "https://sepolia.base.org",
				PrivateKey:        "abc123",
				FeeBps:            179,
				KeeperInterval:    time.Minute,
				InstallmentPeriod: time.Hour,
			},
			wantErr: "64 hex characters",
		},
		{
			name: "on-chain non-hex private key",
			config: Config{
				VaultContract:     "0x1234567890123456789012345678901234567890",
				RPCURL:            "https://sepolia.base.org",
				PrivateKey:        "zz23456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
				FeeBps:            179,
				KeeperInterval:    time.Minute,
				InstallmentPeriod: time.Hour,
			},
			wantErr: "64 hex characters",
		},
		{
			name: "on-chain missing RPC URL",
			config: Config{
				VaultContract:     "0x1234567890123456789012345678901234567890",
				PrivateKey:        "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
				FeeBps:            179,
				KeeperInterval:    time.Minute,
				InstallmentPeriod: time.Hour,
			},
			wantErr: "RPC_URL is required",
		},
		{
			name: "fee rate out of range",
			config: Config{
				FeeBps:            10_000,
				KeeperInterval:    time.Minute,
				InstallmentPeriod: time.Hour,
			},
			wantErr: "FEE_BPS",
		},
		{
			name: "zero keeper interval",
			config: Config{
				FeeBps:            179,
				InstallmentPeriod: time.Hour,
			},
			wantErr: "KEEPER_INTERVAL",
		},
		{
			name: "zero installment period",
			config: Config{
				FeeBps:         179,
				KeeperInterval: time.Minute,
			},
			wantErr: "INSTALLMENT_PERIOD",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_DUR_INVALID", "soon")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR_INVALID", time.Minute))
}
