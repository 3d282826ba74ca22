package util

import (
	"context"
	"fmt"
	"testing"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crankbench/crank/internal/common/benchmarkerrors"
)

func TestRetryBounded_SucceedsOnThirdAttempt(t *testing.T) {
	calls := 0
	value, err := RetryBoundedValue(context.Background(), 2, 0, func() (string, error) {
		calls++
		if calls < 3 {
			return "", fmt.Errorf("attempt %d failed", calls)
		}
		return "ok", nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, 3, calls)
}

func TestRetryBounded_ReturnsLastError(t *testing.T) {
	calls := 0
	retries := []uint{}
	err := RetryBounded(context.Background(), 2, 0, func() error {
		calls++
		return fmt.Errorf("attempt %d failed", calls)
	}, func(attempt uint, err error) {
		retries = append(retries, attempt)
	})

	assert.EqualError(t, err, "attempt 3 failed")
	assert.Equal(t, 3, calls)
	assert.Equal(t, []uint{0, 1, 2}, retries)
}

func TestRetryBounded_DoesNotRetryInvalidArgument(t *testing.T) {
	calls := 0
	err := RetryBounded(context.Background(), 5, 0, func() error {
		calls++
		return &benchmarkerrors.ErrInvalidArgument{Name: "repository", Value: ""}
	}, nil)

	var invalid *benchmarkerrors.ErrInvalidArgument
	assert.True(t, errors.As(err, &invalid))
	assert.Equal(t, 1, calls)
}

func TestRetryBounded_StopsOnUnrecoverable(t *testing.T) {
	calls := 0
	err := RetryBounded(context.Background(), 5, 0, func() error {
		calls++
		return retry.Unrecoverable(errors.New("request was sent"))
	}, nil)

	assert.EqualError(t, err, "request was sent")
	assert.Equal(t, 1, calls)
}

func TestRetryBounded_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := RetryBounded(ctx, 3, 0, func() error {
		calls++
		return nil
	}, nil)

	var canceled *benchmarkerrors.ErrCanceled
	assert.True(t, errors.As(err, &canceled))
	assert.Equal(t, 0, calls)
}
