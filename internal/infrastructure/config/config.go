package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/gap-service/donation_service/internal/domain/entities"
)

// Config holds all configuration for the application
type Config struct {
	Environment string         `mapstructure:"environment" validate:"required,oneof=development staging production test"`
	LogLevel    string         `mapstructure:"log_level"`
	Server      ServerConfig   `mapstructure:"server"`
	Redis       RedisConfig    `mapstructure:"redis"`
	Cart        CartConfig     `mapstructure:"cart"`
	Backend     BackendConfig  `mapstructure:"backend"`
	Wallet      WalletConfig   `mapstructure:"wallet"`
	Donation    DonationConfig `mapstructure:"donation"`
	Chains      []ChainConfig  `mapstructure:"chains" validate:"required,min=1,dive"`
	Tracing     TracingConfig  `mapstructure:"tracing"`
	Auth        AuthConfig     `mapstructure:"auth"`
}

type ServerConfig struct {
	Port            int      `mapstructure:"port" validate:"gt=0,lt=65536"`
	Host            string   `mapstructure:"host"`
	ReadTimeout     int      `mapstructure:"read_timeout"`
	WriteTimeout    int      `mapstructure:"write_timeout"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	RateLimitPerMin int      `mapstructure:"rate_limit_per_min"`
}

// AuthConfig guards the cart and checkout API. Requests carry either a
// bearer JWT signed with JWTSecret or one of APIKeys in X-API-Key.
type AuthConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	JWTSecret string   `mapstructure:"jwt_secret" validate:"omitempty,min=32"`
	Issuer    string   `mapstructure:"issuer"`
	APIKeys   []string `mapstructure:"api_keys"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CartConfig selects where the cart is persisted
type CartConfig struct {
	Storage  string `mapstructure:"storage" validate:"oneof=memory file redis"`
	FilePath string `mapstructure:"file_path" validate:"required_if=Storage file"`
	Key      string `mapstructure:"key"`
	TTL      int    `mapstructure:"ttl"` // seconds, 0 keeps forever
	MaxItems int    `mapstructure:"max_items" validate:"gte=0"`
}

// BackendConfig is the project indexer API
type BackendConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	Environment string `mapstructure:"environment" validate:"oneof=production staging"`
	APIKey      string `mapstructure:"api_key"`
	Timeout     int    `mapstructure:"timeout"` // seconds
}

type WalletConfig struct {
	PrivateKey     string `mapstructure:"private_key"`
	DefaultChainID int64  `mapstructure:"default_chain_id" validate:"gt=0"`
	// KeySource selects where PrivateKey comes from: config (env or file) or
	// aws secrets manager under SecretName
	KeySource      string `mapstructure:"key_source" validate:"oneof=config aws"`
	SecretName     string `mapstructure:"secret_name" validate:"required_if=KeySource aws"`
	AWSRegion      string `mapstructure:"aws_region" validate:"required_if=KeySource aws"`
}

type DonationConfig struct {
	ApprovalMode        string `mapstructure:"approval_mode" validate:"oneof=unlimited exact"`
	ChainSyncAttempts   int    `mapstructure:"chain_sync_attempts" validate:"gt=0"`
	ChainSyncIntervalMS int    `mapstructure:"chain_sync_interval_ms" validate:"gt=0"`
	WaitForReceipts     bool   `mapstructure:"wait_for_receipts"`
	ReceiptPollMS       int    `mapstructure:"receipt_poll_ms"`
	ReceiptTimeout      int    `mapstructure:"receipt_timeout"` // seconds
	AlwaysConfirm       bool   `mapstructure:"always_confirm"`
	// ExecutionTimeout and PayoutTTL are in seconds. A confirmed checkout runs
	// to completion within ExecutionTimeout even if the request goes away.
	ExecutionTimeout    int    `mapstructure:"execution_timeout" validate:"gt=0"`
	PayoutTTL           int    `mapstructure:"payout_ttl"`
}

type ChainConfig struct {
	ChainID         int64         `mapstructure:"chain_id" validate:"gt=0"`
	Name            string        `mapstructure:"name" validate:"required"`
	RPC             string        `mapstructure:"rpc" validate:"required,url"`
	NativeSymbol    string        `mapstructure:"native_symbol" validate:"required"`
	NativeDecimals  uint8         `mapstructure:"native_decimals"`
	ApprovalSpender string        `mapstructure:"approval_spender" validate:"omitempty,eth_addr"`
	Tokens          []TokenConfig `mapstructure:"tokens" validate:"dive"`
}

type TokenConfig struct {
	Symbol   string `mapstructure:"symbol" validate:"required"`
	Address  string `mapstructure:"address" validate:"required,eth_addr"`
	Decimals uint8  `mapstructure:"decimals"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	CollectorURL string  `mapstructure:"collector_url" validate:"required_if=Enabled true"`
	SampleRate   float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1"`
	Insecure     bool    `mapstructure:"insecure"`
}

// ChainSyncInterval returns the wallet chain polling interval
func (d DonationConfig) ChainSyncInterval() time.Duration {
	return time.Duration(d.ChainSyncIntervalMS) * time.Millisecond
}

func (d DonationConfig) ExecutionDeadline() time.Duration {
	return time.Duration(d.ExecutionTimeout) * time.Second
}

// Load reads configuration from .env, config.yaml and the environment
func Load() (*Config, error) {
	// Load .env file if it exists (ignore errors if file doesn't exist)
	godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	overrideFromEnv(v)

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 60)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.rate_limit_per_min", 100)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("cart.storage", "file")
	v.SetDefault("cart.file_path", "./data/cart.json")
	v.SetDefault("cart.key", "donation-cart-storage")
	v.SetDefault("cart.ttl", 0)
	v.SetDefault("cart.max_items", 20)

	v.SetDefault("backend.environment", "production")
	v.SetDefault("backend.timeout", 15)

	v.SetDefault("wallet.default_chain_id", 10)
	v.SetDefault("wallet.key_source", "config")
	v.SetDefault("wallet.secret_name", "donation/wallet-private-key")

	v.SetDefault("donation.approval_mode", "unlimited")
	v.SetDefault("donation.chain_sync_attempts", 10)
	v.SetDefault("donation.chain_sync_interval_ms", 500)
	v.SetDefault("donation.wait_for_receipts", true)
	v.SetDefault("donation.receipt_poll_ms", 2000)
	v.SetDefault("donation.receipt_timeout", 180)
	v.SetDefault("donation.always_confirm", false)
	v.SetDefault("donation.execution_timeout", 900)
	v.SetDefault("donation.payout_ttl", 60)

	v.SetDefault("chains", defaultChains())

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.issuer", "donation-service")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_rate", 0.1)
}

func defaultChains() []map[string]interface{} {
	return []map[string]interface{}{
		{
			"chain_id": 10, "name": "Optimism", "rpc": "https://mainnet.optimism.io",
			"native_symbol": "ETH", "native_decimals": 18,
			"tokens": []map[string]interface{}{
				{"symbol": "USDC", "address": "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85", "decimals": 6},
			},
		},
		{
			"chain_id": 8453, "name": "Base", "rpc": "https://mainnet.base.org",
			"native_symbol": "ETH", "native_decimals": 18,
			"tokens": []map[string]interface{}{
				{"symbol": "USDC", "address": "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", "decimals": 6},
			},
		},
		{
			"chain_id": 42161, "name": "Arbitrum", "rpc": "https://arb1.arbitrum.io/rpc",
			"native_symbol": "ETH", "native_decimals": 18,
			"tokens": []map[string]interface{}{
				{"symbol": "USDC", "address": "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", "decimals": 6},
			},
		},
		{
			"chain_id": 42220, "name": "Celo", "rpc": "https://forno.celo.org",
			"native_symbol": "CELO", "native_decimals": 18,
			"tokens": []map[string]interface{}{
				{"symbol": "cUSD", "address": "0x765DE816845861e75A25fCA122bb6898B8B1282a", "decimals": 18},
			},
		},
	}
}

func overrideFromEnv(v *viper.Viper) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			v.Set("server.port", p)
		}
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		v.Set("auth.jwt_secret", secret)
	}
	if keys := os.Getenv("API_KEYS"); keys != "" {
		v.Set("auth.api_keys", strings.Split(keys, ","))
	}

	if key := os.Getenv("WALLET_PRIVATE_KEY"); key != "" {
		v.Set("wallet.private_key", key)
	}
	if source := os.Getenv("WALLET_KEY_SOURCE"); source != "" {
		v.Set("wallet.key_source", source)
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		v.Set("wallet.aws_region", region)
	}
	if chainID := os.Getenv("WALLET_DEFAULT_CHAIN_ID"); chainID != "" {
		if id, err := strconv.ParseInt(chainID, 10, 64); err == nil {
			v.Set("wallet.default_chain_id", id)
		}
	}

	if url := os.Getenv("GAP_API_URL"); url != "" {
		v.Set("backend.base_url", url)
	}
	if key := os.Getenv("GAP_API_KEY"); key != "" {
		v.Set("backend.api_key", key)
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		v.Set("redis.host", host)
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			v.Set("redis.port", p)
		}
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		v.Set("redis.password", password)
	}

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		v.Set("tracing.collector_url", endpoint)
		v.Set("tracing.enabled", true)
	}
}

func validate(config *Config) error {
	if err := validator.New().Struct(config); err != nil {
		return err
	}

	seen := make(map[int64]struct{}, len(config.Chains))
	for _, chain := range config.Chains {
		if _, dup := seen[chain.ChainID]; dup {
			return fmt.Errorf("chain %d is configured twice", chain.ChainID)
		}
		seen[chain.ChainID] = struct{}{}
	}
	if _, ok := seen[config.Wallet.DefaultChainID]; !ok {
		return fmt.Errorf("wallet default chain %d is not configured", config.Wallet.DefaultChainID)
	}

	if config.Auth.Enabled && config.Auth.JWTSecret == "" && len(config.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth is enabled but neither auth.jwt_secret nor auth.api_keys is set")
	}
	return nil
}

// Chain returns the configuration of chainID
func (c *Config) Chain(chainID int64) (ChainConfig, bool) {
	for _, chain := range c.Chains {
		if chain.ChainID == chainID {
			return chain, true
		}
	}
	return ChainConfig{}, false
}

// Routers returns the approval spender of every chain that has one
func (c *Config) Routers() map[int64]common.Address {
	routers := make(map[int64]common.Address)
	for _, chain := range c.Chains {
		if chain.ApprovalSpender != "" {
			routers[chain.ChainID] = common.HexToAddress(chain.ApprovalSpender)
		}
	}
	return routers
}

// SupportedTokens lists the native asset and the configured ERC-20 tokens
// of every chain
func (c *Config) SupportedTokens() []entities.SupportedToken {
	var tokens []entities.SupportedToken
	for _, chain := range c.Chains {
		decimals := chain.NativeDecimals
		if decimals == 0 {
			decimals = 18
		}
		tokens = append(tokens, entities.SupportedToken{
			Symbol:    chain.NativeSymbol,
			IsNative:  true,
			Decimals:  decimals,
			ChainID:   chain.ChainID,
			ChainName: chain.Name,
		})
		for _, token := range chain.Tokens {
			tokens = append(tokens, entities.SupportedToken{
				Symbol:    token.Symbol,
				Address:   common.HexToAddress(token.Address).Hex(),
				Decimals:  token.Decimals,
				ChainID:   chain.ChainID,
				ChainName: chain.Name,
			})
		}
	}
	return tokens
}

// ChainNames maps chain ids to display names
func (c *Config) ChainNames() map[int64]string {
	names := make(map[int64]string, len(c.Chains))
	for _, chain := range c.Chains {
		names[chain.ChainID] = chain.Name
	}
	return names
}
