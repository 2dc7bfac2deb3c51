// Package retry runs an operation a bounded number of times with a fixed
// pause between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrMaxRetriesExceeded is returned once every attempt has failed
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrNotReady is what polling operations return while the awaited condition is still false
	ErrNotReady = errors.New("condition not met")
)

// Policy bounds a retry loop
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
	// RetryableFunc decides whether an error is worth another attempt. Nil retries everything.
	RetryableFunc func(error) bool
}

// Validate checks the policy is usable
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.Interval < 0 {
		return fmt.Errorf("interval must not be negative, got %s", p.Interval)
	}
	return nil
}

// Sleeper pauses between attempts. Tests inject one that returns immediately.
type Sleeper func(ctx context.Context, d time.Duration) error

// ContextSleep waits for d or until ctx is done
func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Option customizes a Retrier
type Option func(*Retrier)

// WithSleeper replaces the default context-aware sleep
func WithSleeper(s Sleeper) Option {
	return func(r *Retrier) {
		if s != nil {
			r.sleep = s
		}
	}
}

// Retrier handles retry logic
type Retrier struct {
	policy Policy
	sleep  Sleeper
	logger *zap.Logger
}

// NewRetrier creates a new retrier
func NewRetrier(policy Policy, logger *zap.Logger, opts ...Option) *Retrier {
	if err := policy.Validate(); err != nil {
		panic(fmt.Sprintf("invalid retry policy: %v", err))
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Retrier{
		policy: policy,
		sleep:  ContextSleep,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the policy the retrier was built with
func (r *Retrier) Policy() Policy {
	return r.policy
}

// Do runs operation until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. The attempt number passed to operation starts at 1.
// It returns the number of attempts made.
func (r *Retrier) Do(ctx context.Context, operation func(attempt int) error) (int, error) {
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		lastErr = operation(attempt)
		if lastErr == nil {
			if attempt > 1 {
				r.logger.Debug("Operation succeeded after retries",
					zap.Int("attempt", attempt),
					zap.Int("max_attempts", r.policy.MaxAttempts))
			}
			return attempt, nil
		}

		if !r.isRetryable(lastErr) {
			r.logger.Debug("Error is not retryable",
				zap.Error(lastErr),
				zap.Int("attempt", attempt))
			return attempt, lastErr
		}

		if attempt == r.policy.MaxAttempts {
			break
		}

		r.logger.Debug("Retrying operation",
			zap.Error(lastErr),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.policy.MaxAttempts),
			zap.Duration("interval", r.policy.Interval))

		if err := r.sleep(ctx, r.policy.Interval); err != nil {
			return attempt, err
		}
	}

	r.logger.Warn("Max retries exceeded",
		zap.Error(lastErr),
		zap.Int("attempts", r.policy.MaxAttempts))
	return r.policy.MaxAttempts, fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
}

func (r *Retrier) isRetryable(err error) bool {
	if r.policy.RetryableFunc != nil {
		return r.policy.RetryableFunc(err)
	}
	return true
}
