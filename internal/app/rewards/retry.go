package rewards

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultRetryAttempts bounds conflict retries when no value is configured.
const DefaultRetryAttempts = 5

// RetryPolicy configures retries of writes that lost a race.
type RetryPolicy struct {
	MaxAttempts  int           // total tries including the first; <= 0 means DefaultRetryAttempts
	InitialDelay time.Duration // first backoff interval; zero means 50ms
	MaxDelay     time.Duration // cap on a single interval; zero means 2s
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	if p.InitialDelay > 0 {
		b.InitialInterval = p.InitialDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	return b
}

func (p RetryPolicy) attempts() uint {
	if p.MaxAttempts <= 0 {
		return DefaultRetryAttempts
	}
	return uint(p.MaxAttempts)
}

// RetryOnConflict runs op, retrying with exponential backoff while it returns
// an error wrapping ErrConflict. Any other error stops immediately and is
// returned as is. When every attempt conflicts the result wraps both
// ErrRetryExhausted and the last conflict. onRetry, if non-nil, is called
// before each retry.
func RetryOnConflict[T any](ctx context.Context, p RetryPolicy, op func() (T, error), onRetry func(err error, wait time.Duration)) (T, error) {
	wrapped := func() (T, error) {
		v, err := op()
		if err != nil && !errors.Is(err, ErrConflict) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(p.attempts()),
	}
	if onRetry != nil {
		opts = append(opts, backoff.WithNotify(onRetry))
	}

	v, err := backoff.Retry[T](ctx, wrapped, opts...)
	if err != nil && errors.Is(err, ErrConflict) {
		return v, fmt.Errorf("%w: %w", ErrRetryExhausted, err)
	}
	return v, err
}
