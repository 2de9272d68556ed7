package extract

import (
	"context"
	"log/slog"
	"time"
)

// Backoff configures retries of transient backend failures
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// Delay returns the wait before the given retry: Base doubled per previous
// attempt, capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// retry runs fn until it succeeds, fails with a non-retryable error, or the
// attempts run out. It returns the number of attempts made. Errors are
// returned as *InferenceError.
func retry(ctx context.Context, b Backoff, op string, fn func(ctx context.Context) error) (int, error) {
	attempts := b.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr *InferenceError
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}

		lastErr = classify(op, err)
		lastErr.Attempts = attempt
		if !lastErr.Retryable || attempt == attempts {
			break
		}

		wait := b.Delay(attempt)
		slog.Warn("Inference failed, retrying", "op", op, "attempt", attempt, "wait", wait, "error", err)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return attempt, &InferenceError{Op: op, Attempts: attempt, Cause: ctx.Err()}
		}
	}

	return lastErr.Attempts, lastErr
}
