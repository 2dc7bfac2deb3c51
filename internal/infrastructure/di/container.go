package di

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gap-service/donation_service/internal/domain/entities"
	"github.com/gap-service/donation_service/internal/domain/services/allowance"
	"github.com/gap-service/donation_service/internal/domain/services/cart"
	"github.com/gap-service/donation_service/internal/domain/services/chainsync"
	"github.com/gap-service/donation_service/internal/domain/services/checkout"
	"github.com/gap-service/donation_service/internal/domain/services/donation"
	"github.com/gap-service/donation_service/internal/domain/services/payout"
	"github.com/gap-service/donation_service/internal/infrastructure/adapters/gap"
	"github.com/gap-service/donation_service/internal/infrastructure/cache"
	"github.com/gap-service/donation_service/internal/infrastructure/config"
	"github.com/gap-service/donation_service/internal/infrastructure/evm"
	"github.com/gap-service/donation_service/pkg/idempotency"
	"github.com/gap-service/donation_service/pkg/logger"
	"github.com/gap-service/donation_service/pkg/secrets"
)

// Container holds all application dependencies
type Container struct {
	Config *config.Config
	Logger *logger.Logger
	ZapLog *zap.Logger

	// Infrastructure
	Redis   cache.RedisClient
	Chains  *evm.Registry
	Wallet  *evm.KeyWallet
	Indexer *gap.Client

	// Domain services
	CartStore  *cart.Store
	Payouts    *payout.Manager
	Allowances *allowance.Service
	ChainSync  *chainsync.Coordinator
	Engine     *donation.Engine
	Checkout   *checkout.Controller

	Idempotency idempotency.Store
	Tokens      []entities.SupportedToken

	closers []func()
}

// NewContainer creates a new dependency injection container
func NewContainer(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Container, error) {
	zapLog := log.Zap()
	c := &Container{
		Config: cfg,
		Logger: log,
		ZapLog: zapLog,
		Tokens: cfg.SupportedTokens(),
	}

	if err := c.initChains(ctx); err != nil {
		return nil, err
	}
	if err := c.initWallet(ctx); err != nil {
		c.Close()
		return nil, err
	}

	c.Indexer = gap.NewClient(gap.Config{
		BaseURL:     cfg.Backend.BaseURL,
		Environment: cfg.Backend.Environment,
		APIKey:      cfg.Backend.APIKey,
		Timeout:     time.Duration(cfg.Backend.Timeout) * time.Second,
	}, zapLog)

	storage, err := c.cartStorage()
	if err != nil {
		c.Close()
		return nil, err
	}
	store, err := cart.NewStore(ctx, storage, cfg.Cart.MaxItems, log.With("component", "cart"))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}
	c.CartStore = store

	if c.Redis != nil {
		c.Idempotency = cache.NewRedisIdempotencyStore(c.Redis)
	} else {
		c.Idempotency = idempotency.NewMemoryStore()
	}

	c.Payouts = payout.NewManager(c.Indexer, log.With("component", "payout")).
		WithTTL(time.Duration(cfg.Donation.PayoutTTL) * time.Second)
	c.Allowances = allowance.NewService(c.Chains, allowance.Mode(cfg.Donation.ApprovalMode), log.With("component", "allowance"))
	c.ChainSync = chainsync.NewCoordinator(c.Wallet, chainsync.Config{
		Attempts: cfg.Donation.ChainSyncAttempts,
		Interval: cfg.Donation.ChainSyncInterval(),
	}, log.With("component", "chainsync"))
	c.Engine = donation.NewEngine(c.ChainSync, c.Chains, c.Allowances, donation.Config{
		WaitForReceipts: cfg.Donation.WaitForReceipts,
		Routers:         cfg.Routers(),
	}, log.With("component", "donation"))
	c.Checkout = checkout.NewController(
		c.CartStore,
		c.Payouts,
		c.Engine,
		c.Wallet,
		c.Indexer,
		checkout.Config{
			AlwaysConfirm:    cfg.Donation.AlwaysConfirm,
			ExecutionTimeout: cfg.Donation.ExecutionDeadline(),
		},
		log.With("component", "checkout"),
	)

	log.Info("Container initialized",
		"chains", c.Chains.ChainIDs(),
		"account", c.Wallet.Account().Hex(),
		"cart_storage", cfg.Cart.Storage)
	return c, nil
}

func (c *Container) initChains(ctx context.Context) error {
	endpoints := make([]evm.Endpoint, 0, len(c.Config.Chains))
	for _, chain := range c.Config.Chains {
		endpoints = append(endpoints, evm.Endpoint{ChainID: chain.ChainID, Name: chain.Name, RPCURL: chain.RPC})
	}

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	registry, err := evm.Dial(dialCtx, endpoints, evm.ReaderOptions{
		ReceiptPoll:    time.Duration(c.Config.Donation.ReceiptPollMS) * time.Millisecond,
		ReceiptTimeout: time.Duration(c.Config.Donation.ReceiptTimeout) * time.Second,
	}, c.ZapLog)
	if err != nil {
		return fmt.Errorf("failed to connect chains: %w", err)
	}
	c.Chains = registry
	return nil
}

func (c *Container) initWallet(ctx context.Context) error {
	provider, name, err := c.keyProvider(ctx)
	if err != nil {
		return err
	}
	raw, err := provider.GetSecret(ctx, name)
	if err != nil {
		return fmt.Errorf("wallet private key is required: %w", err)
	}
	key, err := evm.ParsePrivateKey(raw)
	if err != nil {
		return err
	}
	wallet, err := evm.NewKeyWallet(c.Chains, key, c.Config.Wallet.DefaultChainID, c.ZapLog)
	if err != nil {
		return fmt.Errorf("failed to create wallet: %w", err)
	}
	c.Wallet = wallet
	return nil
}

// keyProvider returns where the signing key lives and its name there
func (c *Container) keyProvider(ctx context.Context) (secrets.Provider, string, error) {
	wallet := c.Config.Wallet
	if wallet.KeySource == "aws" {
		provider, err := secrets.NewAWSSecretsManagerProvider(ctx, wallet.AWSRegion, "", 0)
		if err != nil {
			return nil, "", err
		}
		c.Logger.Info("Loading wallet key from AWS Secrets Manager", "secret", wallet.SecretName, "region", wallet.AWSRegion)
		return provider, wallet.SecretName, nil
	}
	return secrets.StaticProvider{"wallet.private_key": wallet.PrivateKey}, "wallet.private_key", nil
}

func (c *Container) cartStorage() (cart.Storage, error) {
	switch c.Config.Cart.Storage {
	case "redis":
		client, err := cache.NewRedisClient(&c.Config.Redis, c.ZapLog)
		if err != nil {
			return nil, err
		}
		c.Redis = client
		ttl := time.Duration(c.Config.Cart.TTL) * time.Second
		return cache.NewRedisCartStorage(client, c.Config.Cart.Key, ttl, c.ZapLog), nil
	case "file":
		return cache.NewFileCartStorage(c.Config.Cart.FilePath), nil
	default:
		return cache.NewMemoryCartStorage(), nil
	}
}

// Close releases RPC and Redis connections
// OnClose registers fn to run first when the container closes
func (c *Container) OnClose(fn func()) {
	c.closers = append(c.closers, fn)
}

func (c *Container) Close() {
	for _, fn := range c.closers {
		fn()
	}
	c.closers = nil
	if c.Chains != nil {
		c.Chains.Close()
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.Logger.Warn("Redis close error", "error", err)
		}
	}
}
