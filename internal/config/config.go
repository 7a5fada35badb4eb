// Package config provides application configuration.
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	GRPCPort       string
	AllowedOrigins []string
	APIRPS         float64
	APIBurst       int

	DBDriver    string // "sqlite" or "postgres"
	DBPath      string
	DatabaseURL string
	AMQPURL     string // empty disables event publishing

	RootSeedHex     string
	BTCNetwork      string
	BTCVaultAddress string
	ETHVaultAddress string

	Indexer IndexerConfig
	Chain   ChainConfig
	Policy  PolicyConfig

	SessionTTL       time.Duration
	SentClaimTimeout time.Duration
	SweepTimeout     time.Duration // bounds one sweep's RPC round trips
	NotifyTimeout    time.Duration // bounds one notification publish
	PipelineSchedule string
	ExpirySchedule   string
}

// IndexerConfig configures the third-party chain indexers.
type IndexerConfig struct {
	BlockCypherBaseURL string
	BlockCypherToken   string
	EtherscanBaseURL   string
	EtherscanAPIKey    string
	Timeout            time.Duration
	RPS                float64
}

// ChainConfig configures direct access to the account chain.
type ChainConfig struct {
	ETHRPCURL    string
	ETHChainID   int64
	USDTContract string
}

// PolicyConfig holds matching, confirmation and fraud thresholds.
type PolicyConfig struct {
	BTCTolerance          decimal.Decimal
	USDTToleranceFraction decimal.Decimal
	USDTRecencyWindow     time.Duration
	USDTLargeDeposit      decimal.Decimal
	VelocityLimit         int
	VelocityWindow        time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("GRPC_PORT", "9090")
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:3000")
	v.SetDefault("API_RPS", 5.0)
	v.SetDefault("API_BURST", 20)

	v.SetDefault("DB_DRIVER", "sqlite")
	v.SetDefault("DB_PATH", "./data/deposits.db")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("AMQP_URL", "")

	v.SetDefault("ROOT_SEED_HEX", "")
	v.SetDefault("BTC_NETWORK", "mainnet")
	v.SetDefault("BTC_VAULT_ADDRESS", "")
	v.SetDefault("ETH_VAULT_ADDRESS", "")

	v.SetDefault("BLOCKCYPHER_BASE_URL", "https://api.blockcypher.com/v1/btc/main")
	v.SetDefault("BLOCKCYPHER_TOKEN", "")
	v.SetDefault("ETHERSCAN_BASE_URL", "https://api.etherscan.io/api")
	v.SetDefault("ETHERSCAN_API_KEY", "")
	v.SetDefault("INDEXER_TIMEOUT", "10s")
	v.SetDefault("INDEXER_RPS", 3.0)

	v.SetDefault("ETH_RPC_URL", "https://ethereum-rpc.publicnode.com")
	v.SetDefault("ETH_CHAIN_ID", 1)
	v.SetDefault("USDT_CONTRACT", "0xdAC17F958D2ee523a2206206994597C13D831ec7")

	v.SetDefault("BTC_TOLERANCE", "0.00001")
	v.SetDefault("USDT_TOLERANCE_FRACTION", "0.02")
	v.SetDefault("USDT_RECENCY_WINDOW", "2h")
	v.SetDefault("USDT_LARGE_DEPOSIT", "1000")
	v.SetDefault("VELOCITY_LIMIT", 5)
	v.SetDefault("VELOCITY_WINDOW", "1h")

	v.SetDefault("SESSION_TTL", "30m")
	v.SetDefault("SENT_CLAIM_TIMEOUT", "15m")
	// Empty falls back to INDEXER_TIMEOUT.
	v.SetDefault("SWEEP_TIMEOUT", "")
	v.SetDefault("NOTIFY_TIMEOUT", "")
	v.SetDefault("PIPELINE_SCHEDULE", "@every 30s")
	v.SetDefault("EXPIRY_SCHEDULE", "@every 60s")
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:           v.GetString("PORT"),
		GRPCPort:       v.GetString("GRPC_PORT"),
		AllowedOrigins: splitList(v.GetString("ALLOWED_ORIGINS")),
		APIRPS:         v.GetFloat64("API_RPS"),
		APIBurst:       v.GetInt("API_BURST"),

		DBDriver:    strings.ToLower(v.GetString("DB_DRIVER")),
		DBPath:      v.GetString("DB_PATH"),
		DatabaseURL: v.GetString("DATABASE_URL"),
		AMQPURL:     v.GetString("AMQP_URL"),

		RootSeedHex:     strings.TrimSpace(v.GetString("ROOT_SEED_HEX")),
		BTCNetwork:      v.GetString("BTC_NETWORK"),
		BTCVaultAddress: v.GetString("BTC_VAULT_ADDRESS"),
		ETHVaultAddress: v.GetString("ETH_VAULT_ADDRESS"),

		Indexer: IndexerConfig{
			BlockCypherBaseURL: strings.TrimRight(v.GetString("BLOCKCYPHER_BASE_URL"), "/"),
			BlockCypherToken:   v.GetString("BLOCKCYPHER_TOKEN"),
			EtherscanBaseURL:   strings.TrimRight(v.GetString("ETHERSCAN_BASE_URL"), "/"),
			EtherscanAPIKey:    v.GetString("ETHERSCAN_API_KEY"),
			Timeout:            v.GetDuration("INDEXER_TIMEOUT"),
			RPS:                v.GetFloat64("INDEXER_RPS"),
		},
		Chain: ChainConfig{
			ETHRPCURL:    v.GetString("ETH_RPC_URL"),
			ETHChainID:   v.GetInt64("ETH_CHAIN_ID"),
			USDTContract: v.GetString("USDT_CONTRACT"),
		},

		SessionTTL:       v.GetDuration("SESSION_TTL"),
		SentClaimTimeout: v.GetDuration("SENT_CLAIM_TIMEOUT"),
		SweepTimeout:     v.GetDuration("SWEEP_TIMEOUT"),
		NotifyTimeout:    v.GetDuration("NOTIFY_TIMEOUT"),
		PipelineSchedule: v.GetString("PIPELINE_SCHEDULE"),
		ExpirySchedule:   v.GetString("EXPIRY_SCHEDULE"),
	}

	policy, err := loadPolicy(v)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.Policy = policy
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = cfg.Indexer.Timeout
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = cfg.Indexer.Timeout
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadPolicy(v *viper.Viper) (PolicyConfig, error) {
	btcTolerance, err := decimal.NewFromString(v.GetString("BTC_TOLERANCE"))
	if err != nil {
		return PolicyConfig{}, fmt.Errorf("BTC_TOLERANCE: %w", err)
	}
	usdtFraction, err := decimal.NewFromString(v.GetString("USDT_TOLERANCE_FRACTION"))
	if err != nil {
		return PolicyConfig{}, fmt.Errorf("USDT_TOLERANCE_FRACTION: %w", err)
	}
	largeDeposit, err := decimal.NewFromString(v.GetString("USDT_LARGE_DEPOSIT"))
	if err != nil {
		return PolicyConfig{}, fmt.Errorf("USDT_LARGE_DEPOSIT: %w", err)
	}
	return PolicyConfig{
		BTCTolerance:          btcTolerance,
		USDTToleranceFraction: usdtFraction,
		USDTRecencyWindow:     v.GetDuration("USDT_RECENCY_WINDOW"),
		USDTLargeDeposit:      largeDeposit,
		VelocityLimit:         v.GetInt("VELOCITY_LIMIT"),
		VelocityWindow:        v.GetDuration("VELOCITY_WINDOW"),
	}, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.DBDriver {
	case "sqlite":
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	}

	seed, err := hex.DecodeString(c.RootSeedHex)
	if err != nil {
		return fmt.Errorf("ROOT_SEED_HEX must be hex encoded")
	}
	if len(seed) < 16 || len(seed) > 64 {
		return fmt.Errorf("ROOT_SEED_HEX must decode to 16-64 bytes")
	}

	if c.BTCVaultAddress == "" {
		return fmt.Errorf("BTC_VAULT_ADDRESS cannot be empty")
	}
	if !common.IsHexAddress(c.ETHVaultAddress) {
		return fmt.Errorf("ETH_VAULT_ADDRESS must be a hex address")
	}
	if !common.IsHexAddress(c.Chain.USDTContract) {
		return fmt.Errorf("USDT_CONTRACT must be a hex address")
	}
	if c.Chain.ETHChainID <= 0 {
		return fmt.Errorf("ETH_CHAIN_ID must be > 0")
	}

	if c.Indexer.Timeout <= 0 {
		return fmt.Errorf("INDEXER_TIMEOUT must be > 0")
	}
	if c.Indexer.RPS <= 0 {
		return fmt.Errorf("INDEXER_RPS must be > 0")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.SentClaimTimeout <= 0 {
		return fmt.Errorf("SENT_CLAIM_TIMEOUT must be > 0")
	}
	if c.Policy.VelocityLimit <= 0 {
		return fmt.Errorf("VELOCITY_LIMIT must be > 0")
	}
	if c.Policy.BTCTolerance.IsNegative() || c.Policy.USDTToleranceFraction.IsNegative() {
		return fmt.Errorf("tolerances cannot be negative")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	for _, origin := range c.AllowedOrigins {
		if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
			return true
		}
	}
	return len(c.AllowedOrigins) == 0
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
