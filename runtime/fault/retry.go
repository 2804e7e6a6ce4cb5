package fault

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior for idempotent connector operations.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts including the initial one.
	// A value of 0 or 1 means no retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor applied to the backoff after each retry.
	BackoffMultiplier float64
	// Jitter adds up to the given fraction of randomness to each delay to
	// avoid thundering herds.
	Jitter float64
}

// DefaultRetry returns the retry policy used for idempotent operations:
// at most 3 attempts with exponential backoff.
func DefaultRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// Retry invokes fn until it succeeds, fails with a non-retryable error, or the
// attempt budget is exhausted. Only KindBackendFailure errors are retried;
// cancellations and every other kind return immediately. Mutating operations
// must not be passed to Retry.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Cancelled(err)
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || IsKind(lastErr, KindCancelled) {
			return lastErr
		}
		if !IsKind(lastErr, KindBackendFailure) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-time.After(cfg.delay(attempt)):
		case <-ctx.Done():
			return Cancelled(ctx.Err())
		}
	}
	return lastErr
}

func (cfg RetryConfig) delay(attempt int) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt))
	if max := float64(cfg.MaxBackoff); cfg.MaxBackoff > 0 && backoff > max {
		backoff = max
	}
	if cfg.Jitter > 0 {
		backoff += backoff * cfg.Jitter * rand.Float64()
	}
	return time.Duration(backoff)
}
