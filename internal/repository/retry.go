package repository

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"mcpgateway/internal/api"
)

const (
	retryInitialInterval = 100 * time.Millisecond
	retryMultiplier      = 2
	retryMaxAttempts     = 5
	retryJitter          = 0.1
)

// WithRetry runs op, retrying TransientBackendError with exponential
// backoff (initial 100 ms, factor 2, max 5 attempts, 10% jitter). Any other
// error aborts immediately. This is the service layer's recovery policy for
// transient I/O; BackendDataError and the request-scoped kinds pass through
// untouched.
func WithRetry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.Multiplier = retryMultiplier
	policy.RandomizationFactor = retryJitter
	policy.MaxElapsedTime = 0

	attempts := uint64(retryMaxAttempts)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if api.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, attempts-1), ctx))
}
