// Package chainsync moves the donor wallet to a target chain and waits until
// freshly built wallet clients actually report it.
package chainsync

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	apperrors "github.com/gap-service/donation_service/internal/domain/errors"
	"github.com/gap-service/donation_service/internal/domain/services/onchain"
	"github.com/gap-service/donation_service/pkg/logger"
	"github.com/gap-service/donation_service/pkg/metrics"
	"github.com/gap-service/donation_service/pkg/retry"
)

const (
	DefaultAttempts = 10
	DefaultInterval = 500 * time.Millisecond
)

// Config bounds the verification poll after a switch request
type Config struct {
	Attempts int
	Interval time.Duration
}

// ChainSyncError is returned when the wallet could not be moved to the target chain.
// It fails the leg that needed the chain; callers decide whether to stop the batch.
type ChainSyncError struct {
	TargetChainID int64
	Attempts      int
	Err           error
}

func (e *ChainSyncError) Error() string {
	if e.Attempts == 0 {
		return fmt.Sprintf("switch to chain %d was not accepted: %v", e.TargetChainID, e.Err)
	}
	return fmt.Sprintf("wallet did not report chain %d after %d attempts", e.TargetChainID, e.Attempts)
}

func (e *ChainSyncError) Unwrap() error {
	return e.Err
}

// Is matches apperrors.ErrChainSwitchFailed
func (e *ChainSyncError) Is(target error) bool {
	return target == apperrors.ErrChainSwitchFailed
}

// Coordinator synchronizes the wallet provider with a target chain
type Coordinator struct {
	provider onchain.WalletProvider
	retrier  *retry.Retrier
	logger   *logger.Logger
}

// NewCoordinator creates a coordinator. Zero config values fall back to the defaults.
func NewCoordinator(provider onchain.WalletProvider, cfg Config, log *logger.Logger, opts ...retry.Option) *Coordinator {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	return &Coordinator{
		provider: provider,
		retrier: retry.NewRetrier(retry.Policy{
			MaxAttempts: cfg.Attempts,
			Interval:    cfg.Interval,
		}, log.Zap(), opts...),
		logger: log,
	}
}

// Current returns a fresh wallet client for whatever chain the wallet is on
func (c *Coordinator) Current(ctx context.Context) (onchain.WalletClient, error) {
	client, err := c.provider.WalletClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire wallet client: %w", err)
	}
	return client, nil
}

// EnsureChain requests a switch to chainID and polls fresh wallet clients
// until one reports it. The returned client is bound to chainID.
func (c *Coordinator) EnsureChain(ctx context.Context, chainID int64) (onchain.WalletClient, error) {
	ctx, span := otel.Tracer("chainsync").Start(ctx, "chainsync.EnsureChain")
	defer span.End()
	span.SetAttributes(attribute.Int64("chain_id", chainID))

	if err := c.provider.SwitchChain(ctx, chainID); err != nil {
		c.logger.Warn("Chain switch request failed", "chain_id", chainID, "error", err)
		metrics.ChainSwitchAttempts.WithLabelValues("rejected").Observe(0)
		span.RecordError(err)
		return nil, &ChainSyncError{TargetChainID: chainID, Err: err}
	}

	var synced onchain.WalletClient
	attempts, err := c.retrier.Do(ctx, func(attempt int) error {
		client, err := c.provider.WalletClient(ctx)
		if err != nil {
			return err
		}
		if client.ChainID() != chainID {
			c.logger.Debug("Wallet client not yet on target chain",
				"target_chain_id", chainID,
				"reported_chain_id", client.ChainID(),
				"attempt", attempt)
			return retry.ErrNotReady
		}
		synced = client
		return nil
	})
	if err != nil {
		metrics.ChainSwitchAttempts.WithLabelValues("failed").Observe(float64(attempts))
		span.RecordError(err)
		c.logger.Error("Wallet never reported target chain",
			"chain_id", chainID,
			"attempts", attempts,
			"error", err)
		return nil, &ChainSyncError{TargetChainID: chainID, Attempts: attempts, Err: err}
	}

	metrics.ChainSwitchAttempts.WithLabelValues("synced").Observe(float64(attempts))
	c.logger.Info("Wallet synchronized", "chain_id", chainID, "attempts", attempts)
	return synced, nil
}
