package eventstore

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Retry runs fn up to 3 attempts with 100ms-base jittered exponential
// backoff, retrying only on ErrBackendUnavailable; digest and
// immutability failures are fatal and returned immediately without
// retrying.
func Retry(ctx context.Context, fn func() error) error {
	const maxAttempts = 3
	const base = 100 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, ErrBackendUnavailable) {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}
		backoff := base * time.Duration(1<<attempt)
		jitter := time.Duration(rand.Int63n(int64(backoff) + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff/2 + jitter/2):
		}
	}
	return lastErr
}
