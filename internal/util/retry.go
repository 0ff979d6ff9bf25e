package util

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"klinecache/internal/domain"
)

// RetryPolicy describes how an operation is retried: how many attempts,
// how long to wait between them, and which errors are worth retrying.
type RetryPolicy struct {
	MaxAttempts int
	// NewBackOff returns a fresh backoff schedule for one call to Do.
	NewBackOff func() backoff.BackOff
	// Retryable reports whether err should trigger another attempt.
	Retryable func(error) bool
	// OnRetry, when set, is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// ExponentialBackOff returns a backoff factory doubling from base up to max,
// without jitter and without an overall deadline.
func ExponentialBackOff(base, max time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = base
		b.MaxInterval = max
		b.Multiplier = 2
		b.RandomizationFactor = 0
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
}

// DefaultRetryPolicy retries transient failures up to 5 times, backing off
// from 4s to at most 60s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		NewBackOff:  ExponentialBackOff(4*time.Second, 60*time.Second),
		Retryable:   IsTransient,
	}
}

// IsTransient reports whether err is one of the retryable failure classes:
// network errors, stalls, rate limits and per-attempt timeouts.
func IsTransient(err error) bool {
	return errors.Is(err, domain.ErrNetwork) ||
		errors.Is(err, domain.ErrStalled) ||
		errors.Is(err, domain.ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. A *domain.RateLimitError with a positive
// RetryAfter replaces the computed backoff for that wait. Cancellation of
// ctx stops retrying immediately.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}
	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if p.NewBackOff != nil {
		b = p.NewBackOff()
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(err) {
			return err
		}
		// Don't sleep after the last failed attempt.
		if attempt == attempts {
			break
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		var rl *domain.RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			wait = rl.RetryAfter
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("giving up after %d attempts: %w", attempts, err)
}
