package ledger

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy bounds the backoff applied to transient ledger failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// OnRetry is invoked before each backoff sleep, so callers can count
	// retries. Nil is fine.
	OnRetry func(attempt int, err error)
}

// DefaultRetryPolicy mirrors the bounded policy used by the daemon: a handful
// of attempts with exponential backoff capped at a few seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 3 * time.Second}
}

// WithRetry invokes fn until it succeeds, fails with a non-transient error, or
// the attempt budget is exhausted. Only ErrUnavailable is retried; every other
// error is surfaced to the caller immediately so it can never masquerade as a
// state transition.
func WithRetry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := policy.BaseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrUnavailable) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}
		if policy.OnRetry != nil {
			policy.OnRetry(attempt+1, lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return lastErr
}
