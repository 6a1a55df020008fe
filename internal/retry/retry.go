// Package retry wraps a single unit of work with bounded exponential
// backoff. Rate-limit waits are honored separately and never count against
// the retry budget.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mentionrelay/mention-relay/internal/biz/domain"
)

// Config controls the backoff schedule.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// DefaultConfig matches the relay's per-mention attempt budget.
var DefaultConfig = Config{
	MaxRetries: 3,
	BaseDelay:  time.Second,
	MaxDelay:   30 * time.Second,
	Multiplier: 2,
}

// ExhaustedError is returned after the last allowed attempt fails. It
// carries the full attempt history for diagnostics.
type ExhaustedError struct {
	Attempts int
	Last     error
	History  error // errors.Join of every attempt's error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// sleep is swapped out in tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do executes op until it succeeds, a non-retryable error occurs, or the
// attempt budget is exhausted.
//
// Error classes:
//   - *domain.RateLimitedError: sleep until the embedded reset time, then
//     retry without consuming an attempt.
//   - *domain.AuthenticationError, *domain.QuotaExceededError,
//     *domain.ValidationError: returned immediately, never retried.
//   - anything else (APIError, NetworkError, ...): retried on the backoff
//     curve min(base*multiplier^(attempt-1), max).
func Do[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var history []error

	attempt := 1
	for {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		var rl *domain.RateLimitedError
		if errors.As(err, &rl) {
			wait := time.Until(rl.ResetAt)
			if wait < 0 {
				wait = 0
			}
			fmt.Printf("[Retry] Rate limited on %s, waiting %v (attempt %d unchanged)\n", rl.Resource, wait.Round(time.Millisecond), attempt)
			if sleepErr := sleep(ctx, wait); sleepErr != nil {
				return zero, sleepErr
			}
			continue
		}

		if !retryable(err) {
			return zero, err
		}

		history = append(history, err)
		if attempt >= cfg.MaxRetries {
			return zero, &ExhaustedError{Attempts: attempt, Last: err, History: errors.Join(history...)}
		}

		delay := backoffDelay(cfg, attempt)
		fmt.Printf("[Retry] Attempt %d/%d failed (%v), retrying in %v\n", attempt, cfg.MaxRetries, err, delay)
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return zero, sleepErr
		}
		attempt++
	}
}

func retryable(err error) bool {
	var auth *domain.AuthenticationError
	var quota *domain.QuotaExceededError
	var invalid *domain.ValidationError
	switch {
	case errors.As(err, &auth), errors.As(err, &quota), errors.As(err, &invalid):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func backoffDelay(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= cfg.Multiplier
	}
	if max := float64(cfg.MaxDelay); cfg.MaxDelay > 0 && delay > max {
		delay = max
	}
	return time.Duration(delay)
}
