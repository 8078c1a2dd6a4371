// Package resilience provides caller-side retry and circuit breaking for
// calls to counterparties and payment rails. The core engines never retry
// internally; everything here wraps the outbound edge.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/dcap-x-project/dcap-commerce/types"
)

// RetryConfig defines retry behavior
type RetryConfig struct {
	MaxAttempts     int              // Maximum number of attempts
	InitialDelay    time.Duration    // Delay before the first retry
	MaxDelay        time.Duration    // Ceiling for the backoff delay
	Multiplier      float64          // Exponential backoff multiplier
	RandomizeFactor float64          // Jitter factor (0-1)
	RetryIf         func(error) bool // Predicate for retryable errors
}

// DefaultRetryConfig retries only transient failures, with jittered
// exponential backoff
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     3,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.1,
		RetryIf:         IsRetryable,
	}
}

// IsRetryable reports whether an error is worth retrying. Only transient
// failures qualify; validation, conflict and business-rule rejections repeat
// deterministically.
func IsRetryable(err error) bool {
	return types.IsTransient(err)
}

// Retry executes fn with the default retry policy
func Retry(ctx context.Context, fn func() error) error {
	return RetryWithConfig(ctx, DefaultRetryConfig(), fn)
}

// RetryWithConfig executes fn, retrying per config until it succeeds, the
// error is non-retryable, attempts run out or the context ends
func RetryWithConfig(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			if config.RetryIf != nil && !config.RetryIf(err) {
				return err
			}
		}

		if attempt < config.MaxAttempts-1 {
			select {
			case <-time.After(applyJitter(delay, config.RandomizeFactor)):
			case <-ctx.Done():
				return ctx.Err()
			}

			delay = time.Duration(float64(delay) * config.Multiplier)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}
	}

	return ErrMaxRetriesExceeded{Attempts: config.MaxAttempts, LastErr: lastErr}
}

// applyJitter randomizes the delay within the jitter range
func applyJitter(delay time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return delay
	}
	jitter := float64(delay) * factor
	min := float64(delay) - jitter
	max := float64(delay) + jitter
	return time.Duration(min + rand.Float64()*(max-min))
}

// ErrMaxRetriesExceeded is returned when every attempt failed
type ErrMaxRetriesExceeded struct {
	Attempts int
	LastErr  error
}

func (e ErrMaxRetriesExceeded) Error() string {
	if e.LastErr != nil {
		return "max retries exceeded: " + e.LastErr.Error()
	}
	return "max retries exceeded"
}

func (e ErrMaxRetriesExceeded) Unwrap() error {
	return e.LastErr
}
