// Package retry retries operations that fail transiently, such as attaching
// to a process that is briefly held by another tracer or still starting up.
//
// Backoff grows exponentially from InitialBackoff (InitialBackoff * 2^(n-1)
// before attempt n+1), is capped by MaxBackoff, and optionally widened by a
// jitter fraction that grows with the attempt number. Context cancellation
// during a backoff ends the loop with the context error.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config defines the retry behavior.
//
// The zero value is not usable; MaxRetries and InitialBackoff must be set.
type Config struct {
	// MaxRetries is the maximum number of attempts. Must be greater than 0.
	MaxRetries int

	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps a single wait. Zero means no cap.
	MaxBackoff time.Duration

	// Jitter widens each wait by up to this fraction (0.0 to 1.0).
	Jitter float64
}

// ShouldRetryFunc reports whether err is worth another attempt.
// A nil ShouldRetryFunc retries every error.
type ShouldRetryFunc func(error) bool

// Do calls fn until it succeeds, shouldRetry rejects its error, the attempts
// are exhausted, or ctx is done. fn receives the 1-based attempt number.
//
// When attempts run out the last error is wrapped so errors.Is still matches it.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error, shouldRetry ShouldRetryFunc) error {
	if cfg.MaxRetries <= 0 {
		return fmt.Errorf("retry: MaxRetries must be positive, got %d", cfg.MaxRetries)
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(Backoff(cfg, attempt-1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxRetries, lastErr)
}

// Backoff returns the wait that follows failed attempt n (1-based).
func Backoff(cfg Config, n int) time.Duration {
	if n < 1 {
		return 0
	}

	backoff := cfg.InitialBackoff
	for i := 1; i < n; i++ {
		backoff *= 2
		if cfg.MaxBackoff > 0 && backoff >= cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
			break
		}
	}
	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}

	if cfg.Jitter > 0 {
		backoff += time.Duration(float64(backoff) * cfg.Jitter * float64(n) / float64(cfg.MaxRetries))
	}

	return backoff
}
