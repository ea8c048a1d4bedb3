// Package resilience implements the retry and fallback-cache primitives:
// exponential backoff with jitter bounded by the caller's
// deadline, and a process-wide, bounded, LRU fallback cache for reads when a
// backend is unavailable.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/oakfield/driftctl/internal/apierr"
	"github.com/oakfield/driftctl/internal/deadline"
)

// RetryConfig bounds an exponential-backoff retry loop.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration // 0 means "bounded only by ctx deadline"
}

// DefaultRetryConfig is conservative: a quick
// first retry, capped growth, and no absolute ceiling beyond the deadline.
var DefaultRetryConfig = RetryConfig{
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     2 * time.Second,
}

// Retry runs fn until it succeeds, the configured backoff gives up, or ctx's
// deadline leaves less than minBudget remaining — whichever comes first.
// fn must return a *apierr.Error; only BackendUnavailable is retried, every
// other category is returned immediately.
func Retry[T any](ctx context.Context, op string, cfg RetryConfig, minBudget time.Duration, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval

	operation := func() (T, error) {
		if err := deadline.CheckBudget(ctx, op, minBudget); err != nil {
			return *new(T), backoff.Permanent(err)
		}
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !apierr.Is(err, apierr.BackendUnavailable) {
			return *new(T), backoff.Permanent(err)
		}
		return *new(T), err
	}

	opts := []backoff.RetryOption{backoff.WithBackOff(b)}
	if remaining, ok := deadline.Remaining(ctx); ok {
		opts = append(opts, backoff.WithMaxElapsedTime(remaining))
	} else if cfg.MaxElapsedTime > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(cfg.MaxElapsedTime))
	}

	return backoff.Retry(ctx, operation, opts...)
}
