package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig holds retry configuration for tracker API requests.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64

	// MaxBackoff caps the maximum backoff duration.
	MaxBackoff time.Duration
}

// DefaultRetryConfig retries twice, which is what every query and mutation
// in the tracker client expects.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		BackoffBase:       500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        10 * time.Second,
	}
}

// NoRetry disables retries.
func NoRetry() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxRetries = 0
	return cfg
}

func (c RetryConfig) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.BackoffBase
	eb.Multiplier = c.BackoffMultiplier
	eb.MaxInterval = c.MaxBackoff
	eb.RandomizationFactor = 0.25
	eb.MaxElapsedTime = 0

	maxRetries := c.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxRetries)), ctx)
}

// Retry runs op until it succeeds, returns a non-transient error, or the
// retry budget is spent. notify, if non-nil, is called before each retry.
func Retry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error, notify func(attempt int, err error, wait time.Duration)) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, wait time.Duration) {
			notify(attempt, err, wait)
		}
	}

	return backoff.RetryNotify(operation, cfg.backOff(ctx), onRetry)
}
