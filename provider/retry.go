package provider

import (
	"context"
	"errors"
	"time"
)

// RetryConfig bounds the retry loop around one provider operation.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetry is the standard policy: 3 attempts, exponential backoff from
// 1s, capped at 10s.
func DefaultRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialDelay: 1 * time.Second, MaxDelay: 10 * time.Second}
}

// Do runs fn under the gate, retrying transient failures with exponential
// backoff. Permanent errors (any non-429 4xx, malformed bodies, misses)
// return immediately. A 429 with Retry-After suspends the gate before the
// next attempt.
func Do(ctx context.Context, g *Gate, cfg RetryConfig, fn func(context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg = DefaultRetry()
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := cfg.InitialDelay * time.Duration(1<<uint(attempt-1))
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if err := g.Wait(ctx); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err

		var perr *Error
		if !errors.As(err, &perr) {
			return err
		}
		if perr.Kind == KindRateLimited {
			g.SuspendFor(perr.RetryAfter)
		}
		if !perr.Retryable() {
			return err
		}
	}

	return lastErr
}
