package utils

import (
	"context"
	"fmt"
	"time"
)

// WithRetry calls fn up to attempts times, sleeping delay between tries.
// It stops early when ctx is done and returns the last error.
func WithRetry[T any](ctx context.Context, attempts int, delay time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("retry aborted after %d attempts: %w", i, ctx.Err())
			case <-timer.C:
			}
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
	}
	return zero, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}
