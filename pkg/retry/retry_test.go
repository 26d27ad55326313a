package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/flowbus/pkg/retry"
)

func fast(attempts int) retry.Config {
	return retry.Config{MaxAttempts: attempts, BaseDelay: time.Millisecond}
}

func TestDo_SucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fast(3), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fast(3), func() error {
		calls++
		if calls < 2 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_ReturnsLastErrorAfterMaxAttempts(t *testing.T) {
	calls := 0
	sentinel := errors.New("broker unavailable")
	err := retry.Do(context.Background(), fast(3), func() error {
		calls++
		return sentinel
	})
	assert.Equal(t, sentinel, err)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	sentinel := errors.New("bad payload")
	err := retry.Do(context.Background(), fast(5), func() error {
		calls++
		return retry.Permanent(sentinel)
	})
	assert.Equal(t, sentinel, err)
	assert.Equal(t, 1, calls)
	assert.NoError(t, retry.Permanent(nil))
}

func TestDo_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	err := retry.Do(ctx, retry.Config{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond}, func() error {
		return errors.New("always fails")
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDo_MaxDelayCapsBackoff(t *testing.T) {
	start := time.Now()
	_ = retry.Do(context.Background(), retry.Config{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Millisecond,
	}, func() error { return errors.New("fail") })

	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDo_OnRetryAttempts(t *testing.T) {
	var seen []int
	_ = retry.Do(context.Background(), retry.Config{
		MaxAttempts: 4,
		BaseDelay:   time.Millisecond,
		OnRetry:     func(attempt int, _ error) { seen = append(seen, attempt) },
	}, func() error { return errors.New("fail") })

	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestDo_ZeroMaxAttemptsMeansOne(t *testing.T) {
	calls := 0
	_ = retry.Do(context.Background(), fast(0), func() error {
		calls++
		return errors.New("fail")
	})
	assert.Equal(t, 1, calls)
}
