// Package retry provides the bounded poll loop used by every readiness wait:
// a fixed number of attempts separated by a fixed interval.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted is matched by errors.Is when the attempt budget ran out
var ErrExhausted = errors.New("retry budget exhausted")

// Config holds retry configuration.
type Config struct {
	Attempts int
	Interval time.Duration
	// OnRetry is called after each failed attempt that will be retried
	OnRetry func(attempt int, err error)
}

// Option is a functional option for retry configuration.
type Option func(*Config)

// WithAttempts sets the total number of attempts (not retries).
func WithAttempts(n int) Option {
	return func(c *Config) {
		c.Attempts = n
	}
}

// WithInterval sets the fixed delay between attempts.
func WithInterval(d time.Duration) Option {
	return func(c *Config) {
		c.Interval = d
	}
}

// WithNotify sets a callback invoked after every failed attempt.
func WithNotify(fn func(attempt int, err error)) Option {
	return func(c *Config) {
		c.OnRetry = fn
	}
}

// ExhaustedError reports a wait that never succeeded
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrExhausted, e.Last}
}

// Do runs operation until it succeeds, the attempt budget is used up, the
// operation returns a Fatal error, or ctx is cancelled. Defaults are 5
// attempts one second apart.
func Do(ctx context.Context, operation func(ctx context.Context) error, opts ...Option) error {
	cfg := &Config{
		Attempts: 5,
		Interval: time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.Interval), uint64(cfg.Attempts-1)),
		ctx,
	)

	attempt := 0
	var last error
	err := backoff.RetryNotify(func() error {
		attempt++
		err := operation(ctx)
		if err != nil {
			last = err
			if IsFatal(err) {
				return backoff.Permanent(err)
			}
		}
		return err
	}, policy, func(err error, _ time.Duration) {
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
	})

	switch {
	case err == nil:
		return nil
	case IsFatal(err):
		return fmt.Errorf("fatal error (not retrying): %w", err)
	case ctx.Err() != nil:
		return fmt.Errorf("cancelled after %d attempts: %w", attempt, ctx.Err())
	default:
		return &ExhaustedError{Attempts: attempt, Last: last}
	}
}

// FatalError wraps an error to mark it as fatal (non-retryable).
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal marks an error as fatal (non-retryable).
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal checks if an error is fatal (non-retryable).
func IsFatal(err error) bool {
	var fatalErr *FatalError
	return errors.As(err, &fatalErr)
}
