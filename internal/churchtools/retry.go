package churchtools

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

const (
	// defaultMaxAttempts bounds the tries per upstream request.
	defaultMaxAttempts = 3

	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 5 * time.Second
)

// withRetry runs fn until it succeeds or attempts are exhausted, sleeping an
// exponentially growing, jittered delay between tries. Cancellation of ctx is
// honoured both before an attempt and during the backoff sleep.
func withRetry(ctx context.Context, attempts int, fn func() error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("giving up after %d attempt(s): %w", attempt-1, ctxErr)
		}
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(retryDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("giving up after %d attempt(s): %w", attempt, ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", attempts, err)
}

// retryDelay returns the sleep before the given retry (1-based): exponential
// growth capped at retryMaxDelay, then jittered into [d/2, d).
func retryDelay(attempt int) time.Duration {
	d := retryBaseDelay << (attempt - 1)
	if d > retryMaxDelay {
		d = retryMaxDelay
	}
	half := float64(d) / 2
	return time.Duration(half + rand.Float64()*half) //nolint:gosec // jitter does not need crypto/rand
}
