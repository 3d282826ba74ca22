package util

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"

	"github.com/crankbench/crank/internal/common/benchmarkerrors"
)

// RetryBounded calls op at most maxRetries+1 times, waiting delay between attempts, and returns
// the error of the last attempt if none succeeded. Errors that benchmarkerrors.IsRetryable rejects,
// or that op wrapped with retry.Unrecoverable, stop the loop immediately.
func RetryBounded(ctx context.Context, maxRetries uint, delay time.Duration, op func() error, onRetry func(attempt uint, err error)) error {
	opts := []retry.Option{
		retry.Attempts(maxRetries + 1),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool {
			return retry.IsRecoverable(err) && benchmarkerrors.IsRetryable(err)
		}),
	}
	if onRetry != nil {
		opts = append(opts, retry.OnRetry(onRetry))
	}
	err := retry.Do(op, opts...)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return &benchmarkerrors.ErrCanceled{Operation: "retry", Cause: err}
	}
	return err
}

// RetryBoundedValue is RetryBounded for operations producing a value.
func RetryBoundedValue[T any](ctx context.Context, maxRetries uint, delay time.Duration, op func() (T, error), onRetry func(attempt uint, err error)) (T, error) {
	var result T
	err := RetryBounded(ctx, maxRetries, delay, func() error {
		v, err := op()
		if err != nil {
			return err
		}
		result = v
		return nil
	}, onRetry)
	return result, err
}
