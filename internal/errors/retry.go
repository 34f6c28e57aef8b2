package errors

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"milo/internal/logging"
)

// RetryConfig configures backoff pacing between attempts.
type RetryConfig struct {
	MaxAttempts  int           // retries after the first attempt
	BaseDelay    time.Duration // first backoff delay
	Factor       float64       // growth per attempt
	MaxDelay     time.Duration // backoff ceiling
	JitterFactor float64       // [0, JitterFactor] fraction added on top
}

// DefaultRetryConfig paces retries at 2-3 s initially, growing by 1.5x per
// attempt up to 20 s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  4,
		BaseDelay:    2 * time.Second,
		Factor:       1.5,
		MaxDelay:     20 * time.Second,
		JitterFactor: 0.5,
	}
}

// ConfigForClass returns the default pacing with the class's retry budget.
func ConfigForClass(class Class) RetryConfig {
	cfg := DefaultRetryConfig()
	if budget := class.RetryBudget(); budget > 0 {
		cfg.MaxAttempts = budget
	}
	return cfg
}

// RetryableFunc is a function that can be retried.
type RetryableFunc func(ctx context.Context) error

// Retry executes fn with exponential backoff, stopping early on permanent
// errors or context cancellation.
func Retry(ctx context.Context, config RetryConfig, fn RetryableFunc) error {
	_, err := RetryWithResult(ctx, config, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithResult executes fn with exponential backoff and returns its value.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	return RetryWithResultAndLog(ctx, config, fn, nil)
}

// RetryWithResultAndLog is RetryWithResult with attempt-level logging.
func RetryWithResultAndLog[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error), logger logging.Logger) (T, error) {
	logger = logging.OrNop(logger)

	var lastErr error
	var zero T

	for attempt := 0; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("succeeded after %d attempts", attempt+1)
			}
			return result, nil
		}

		lastErr = err
		logger.Debug("attempt %d/%d failed: %v", attempt+1, config.MaxAttempts+1, err)

		if !IsTransient(err) {
			return zero, err
		}

		if attempt == config.MaxAttempts {
			logger.Warn("retries exhausted after %d attempts", config.MaxAttempts+1)
			break
		}

		delay := Backoff(attempt, config)
		var transient *TransientError
		if errors.As(err, &transient) && transient.RetryAfter > 0 {
			// The server's Retry-After wins when it asks for more patience.
			if server := time.Duration(transient.RetryAfter) * time.Second; server > delay {
				delay = server
			}
		}
		logger.Debug("waiting %v before retry", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Backoff returns the delay before the next attempt: base * factor^attempt
// plus up to JitterFactor extra, capped at MaxDelay.
func Backoff(attempt int, config RetryConfig) time.Duration {
	factor := config.Factor
	if factor <= 1 {
		factor = 1.5
	}

	delay := time.Duration(float64(config.BaseDelay) * math.Pow(factor, float64(attempt)))
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	if config.JitterFactor > 0 {
		jitter := time.Duration(rand.Float64() * config.JitterFactor * float64(delay))
		delay += jitter
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	if delay < 0 {
		delay = config.BaseDelay
	}

	return delay
}
