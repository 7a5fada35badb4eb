package config

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSeed = "000102030405060708090a0b0c0d0e0f"

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("ROOT_SEED_HEX", testSeed)
	t.Setenv("BTC_VAULT_ADDRESS", "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq")
	t.Setenv("ETH_VAULT_ADDRESS", "0x000000000000000000000000000000000000dEaD")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 15*time.Minute, cfg.SentClaimTimeout)
	assert.Equal(t, 10*time.Second, cfg.Indexer.Timeout)
	assert.Equal(t, 10*time.Second, cfg.SweepTimeout)
	assert.Equal(t, 10*time.Second, cfg.NotifyTimeout)
	assert.Equal(t, "@every 30s", cfg.PipelineSchedule)
	assert.Equal(t, "@every 60s", cfg.ExpirySchedule)
	assert.True(t, cfg.Policy.BTCTolerance.Equal(decimal.RequireFromString("0.00001")))
	assert.True(t, cfg.Policy.USDTToleranceFraction.Equal(decimal.RequireFromString("0.02")))
	assert.True(t, cfg.Policy.USDTLargeDeposit.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, 2*time.Hour, cfg.Policy.USDTRecencyWindow)
	assert.Equal(t, 5, cfg.Policy.VelocityLimit)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("SESSION_TTL", "45m")
	t.Setenv("ALLOWED_ORIGINS", "https://pay.example.com, https://app.example.com")
	t.Setenv("VELOCITY_LIMIT", "3")
	t.Setenv("INDEXER_TIMEOUT", "4s")
	t.Setenv("SWEEP_TIMEOUT", "45s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.SweepTimeout)
	assert.Equal(t, 4*time.Second, cfg.NotifyTimeout, "falls back to the indexer timeout")

	assert.Equal(t, 45*time.Minute, cfg.SessionTTL)
	assert.Equal(t, []string{"https://pay.example.com", "https://app.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, 3, cfg.Policy.VelocityLimit)
	assert.False(t, cfg.IsDevelopment())
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{name: "missing seed", env: map[string]string{"ROOT_SEED_HEX": ""}, wantErr: "ROOT_SEED_HEX"},
		{name: "short seed", env: map[string]string{"ROOT_SEED_HEX": "abcd"}, wantErr: "16-64 bytes"},
		{name: "bad eth vault", env: map[string]string{"ETH_VAULT_ADDRESS": "nope"}, wantErr: "ETH_VAULT_ADDRESS"},
		{name: "unknown driver", env: map[string]string{"DB_DRIVER": "mysql"}, wantErr: "DB_DRIVER"},
		{name: "postgres without url", env: map[string]string{"DB_DRIVER": "postgres"}, wantErr: "DATABASE_URL"},
		{name: "bad tolerance", env: map[string]string{"BTC_TOLERANCE": "abc"}, wantErr: "BTC_TOLERANCE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "got %v", err)
		})
	}
}
