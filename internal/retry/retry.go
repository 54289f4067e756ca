// Package retry provides exponential backoff for calls to the remote graph store.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	perrors "github.com/p-blackswan/ijoka/internal/errors"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool

	// OnRetry, if set, is called before sleeping after a failed attempt.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultConfig returns the backoff used when connecting to the mirror.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      true,
	}
}

// Backoff returns the delay before the attempt following attempt (0-based).
func (c Config) Backoff(attempt int) time.Duration {
	delay := time.Duration(float64(c.BaseDelay) * math.Pow(2, float64(attempt)))
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if c.Jitter {
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
	}
	return delay
}

// Do executes fn with exponential backoff. Only retries if the error is retryable.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !perrors.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}

		delay := cfg.Backoff(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, delay, lastErr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
