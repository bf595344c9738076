package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// callWithRetry runs operation with a per-attempt timeout, retrying transient
// failures with exponential backoff until the policy's attempt budget is spent.
func callWithRetry[T any](ctx context.Context, policy RetryPolicy, logger *zap.Logger, operationName string, operation func(ctx context.Context) (T, error)) (T, error) {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = policy.InitialInterval
	exponential.MaxInterval = policy.MaxInterval

	attempt := func() (T, error) {
		attemptContext, cancel := context.WithTimeout(ctx, policy.AttemptTimeout)
		defer cancel()
		result, err := operation(attemptContext)
		if err != nil && errors.Is(err, ErrNonRetryable) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("retrying upstream call",
			zap.String("operation", operationName),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	return backoff.Retry(ctx, attempt,
		backoff.WithBackOff(exponential),
		backoff.WithMaxTries(policy.MaxAttempts),
		backoff.WithNotify(notify),
	)
}
