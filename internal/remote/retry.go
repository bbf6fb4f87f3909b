package remote

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/swent-agendapp/eventsync/internal/model"
)

const (
	// defaultReadAttempts is the number of tries for idempotent reads.
	defaultReadAttempts = 2

	// baseDelay is the starting backoff interval (before jitter).
	baseDelay = 250 * time.Millisecond

	// maxDelay caps the backoff interval.
	maxDelay = 2 * time.Second
)

// Retry executes fn up to maxAttempts times with exponential backoff and
// jitter. Contract errors (not found, duplicate id, ...) are returned at once:
// retrying cannot change their outcome. The last failure is returned wrapped
// when all attempts are exhausted.
func Retry(ctx context.Context, maxAttempts int, fn func() error) error {
	var lastErr error
	for attempt := range maxAttempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		lastErr = fn()
		if lastErr == nil || model.IsContractError(lastErr) {
			return lastErr
		}

		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(backoffDelay(attempt)):
			}
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", maxAttempts, lastErr)
}

// backoffDelay computes the delay for a given attempt index, applying
// exponential growth with 50-100% jitter.
func backoffDelay(attempt int) time.Duration {
	delay := baseDelay * (1 << attempt)
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	// Jitter: uniform in [delay/2, delay).
	jitter := time.Duration(rand.Int63n(int64(delay) / 2)) //nolint:gosec // jitter does not need crypto/rand
	return delay/2 + jitter
}

// unavailable wraps a transport failure with model.ErrRemoteUnavailable.
// Contract errors pass through untouched.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if model.IsContractError(err) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, model.ErrRemoteUnavailable, err)
}
