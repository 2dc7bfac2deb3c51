package config

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.Set("auth.api_keys", []string{"test-api-key"})
	return v
}

func TestDecode_Defaults(t *testing.T) {
	cfg, err := decode(defaultViper())
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "file", cfg.Cart.Storage)
	assert.Equal(t, 20, cfg.Cart.MaxItems)
	assert.Equal(t, "unlimited", cfg.Donation.ApprovalMode)
	assert.Equal(t, 10, cfg.Donation.ChainSyncAttempts)
	assert.Equal(t, int64(500), cfg.Donation.ChainSyncInterval().Milliseconds())
	assert.True(t, cfg.Donation.WaitForReceipts)
	assert.Equal(t, 15*time.Minute, cfg.Donation.ExecutionDeadline())
	assert.Equal(t, 60, cfg.Donation.PayoutTTL)
	require.Len(t, cfg.Chains, 4)

	op, ok := cfg.Chain(10)
	require.True(t, ok)
	assert.Equal(t, "Optimism", op.Name)
	require.Len(t, op.Tokens, 1)
	assert.Equal(t, uint8(6), op.Tokens[0].Decimals)
	assert.Empty(t, cfg.Routers())
}

func TestDecode_RejectsInvalidApprovalMode(t *testing.T) {
	v := defaultViper()
	v.Set("donation.approval_mode", "infinite")

	_, err := decode(v)
	assert.Error(t, err)
}

func TestDecode_AWSKeySourceNeedsRegion(t *testing.T) {
	v := defaultViper()
	v.Set("wallet.key_source", "aws")

	_, err := decode(v)
	require.Error(t, err)

	v.Set("wallet.aws_region", "us-east-1")
	cfg, err := decode(v)
	require.NoError(t, err)
	assert.Equal(t, "donation/wallet-private-key", cfg.Wallet.SecretName)
}

func TestDecode_AuthNeedsCredentials(t *testing.T) {
	v := defaultViper()
	v.Set("auth.api_keys", []string{})
	_, err := decode(v)
	require.Error(t, err)

	v.Set("auth.jwt_secret", "too-short")
	_, err = decode(v)
	require.Error(t, err)

	v.Set("auth.jwt_secret", "0123456789abcdef0123456789abcdef")
	cfg, err := decode(v)
	require.NoError(t, err)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, "donation-service", cfg.Auth.Issuer)

	v = defaultViper()
	v.Set("auth.api_keys", []string{})
	v.Set("auth.enabled", false)
	_, err = decode(v)
	require.NoError(t, err)
}

func TestDecode_RejectsUnconfiguredDefaultChain(t *testing.T) {
	v := defaultViper()
	v.Set("wallet.default_chain_id", 137)

	_, err := decode(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "137")
}

func TestDecode_RejectsBadTokenAddress(t *testing.T) {
	v := defaultViper()
	v.Set("chains", []map[string]interface{}{
		{
			"chain_id": 10, "name": "Optimism", "rpc": "https://mainnet.optimism.io", "native_symbol": "ETH",
			"tokens": []map[string]interface{}{{"symbol": "USDC", "address": "not-an-address"}},
		},
	})

	_, err := decode(v)
	assert.Error(t, err)
}

func TestDecode_RedisCartRequiresNoFilePath(t *testing.T) {
	v := defaultViper()
	v.Set("cart.storage", "redis")
	v.Set("cart.file_path", "")

	cfg, err := decode(v)
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Cart.Storage)
}

func TestConfig_RoutersAndTokens(t *testing.T) {
	router := "0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB"
	cfg := &Config{Chains: []ChainConfig{
		{
			ChainID: 10, Name: "Optimism", NativeSymbol: "ETH", ApprovalSpender: router,
			Tokens: []TokenConfig{{Symbol: "USDC", Address: "0x0b2c639c533813f4aa9d7837caf62653d097ff85", Decimals: 6}},
		},
		{ChainID: 42220, Name: "Celo", NativeSymbol: "CELO"},
	}}

	assert.Equal(t, map[int64]common.Address{10: common.HexToAddress(router)}, cfg.Routers())

	tokens := cfg.SupportedTokens()
	require.Len(t, tokens, 3)
	assert.True(t, tokens[0].IsNative)
	assert.Equal(t, uint8(18), tokens[0].Decimals)
	assert.Equal(t, "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85", tokens[1].Address)
	assert.Equal(t, "Celo", tokens[2].ChainName)
	assert.Equal(t, "Optimism", cfg.ChainNames()[10])
}
