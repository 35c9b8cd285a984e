package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type RetryConfig struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
}

func defaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	defaults := defaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaults.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaults.MaxDelay
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = defaults.Multiplier
	}
	if cfg.JitterFraction <= 0 {
		cfg.JitterFraction = defaults.JitterFraction
	}
	return cfg
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry calls fn until it succeeds, returns a Permanent error, ctx is done,
// or MaxAttempts calls have failed. Delays grow exponentially with jitter.
func Retry(ctx context.Context, name string, cfg RetryConfig, fn func() error) error {
	cfg = cfg.withDefaults()
	logger := slog.Default().With("component", "retry", "operation", name)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.InitialDelay
	eb.MaxInterval = cfg.MaxDelay
	eb.Multiplier = cfg.Multiplier
	eb.RandomizationFactor = cfg.JitterFraction
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(cfg.MaxAttempts-1)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		return fn()
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("operation failed, retrying", "attempt", attempt, "max_attempts", cfg.MaxAttempts, "error", err, "next_delay", next)
	}

	err := backoff.RetryNotify(op, policy, notify)
	if err == nil {
		if attempt > 1 {
			logger.Info("succeeded after retry", "attempt", attempt)
		}
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("retry aborted after %d attempts: %w", attempt, err)
	}
	return fmt.Errorf("all %d attempts failed for %s: %w", attempt, name, err)
}
