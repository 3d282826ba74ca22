package process

import (
	"context"
	"time"

	"github.com/crankbench/crank/internal/common/util"
)

// RetryOnException invokes op until it succeeds, at most maxRetries+1 times, and returns the last
// error when every attempt failed. Invalid argument and cancellation errors are returned at once.
func RetryOnException(ctx context.Context, maxRetries uint, delay time.Duration, op func() error) error {
	return util.RetryBounded(ctx, maxRetries, delay, op, nil)
}

// RetryOnExceptionValue is RetryOnException for operations producing a value.
func RetryOnExceptionValue[T any](ctx context.Context, maxRetries uint, delay time.Duration, op func() (T, error)) (T, error) {
	return util.RetryBoundedValue(ctx, maxRetries, delay, op, nil)
}
