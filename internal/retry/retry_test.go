package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), 3, 10*time.Millisecond, func(int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_SuccessOnRetry(t *testing.T) {
	var attempts []int
	err := Do(context.Background(), 3, time.Millisecond, func(attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, attempts)
}

func TestDo_AllAttemptsExhausted(t *testing.T) {
	var calls int
	sentinel := errors.New("always fails")
	err := Do(context.Background(), 3, time.Millisecond, func(int) error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentErrorStopsRetry(t *testing.T) {
	var calls int
	sentinel := errors.New("permanent failure")
	err := Do(context.Background(), 5, time.Millisecond, func(int) error {
		calls++
		return Permanent(sentinel)
	})
	assert.Equal(t, sentinel, err)
	assert.Equal(t, 1, calls)
}

func TestDo_AfterOverridesBackoff(t *testing.T) {
	sentinel := errors.New("throttled")
	start := time.Now()
	var calls int
	err := Do(context.Background(), 2, time.Hour, func(int) error {
		calls++
		return After(sentinel, 5*time.Millisecond)
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 2, calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := Do(ctx, 5, time.Hour, func(int) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	var calls int
	_ = Do(context.Background(), 0, time.Millisecond, func(int) error {
		calls++
		return errors.New("x")
	})
	assert.Equal(t, 1, calls)
}

func TestJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		j := Jitter(10 * time.Millisecond)
		assert.GreaterOrEqual(t, j, time.Duration(0))
		assert.Less(t, j, 10*time.Millisecond)
	}
	assert.Equal(t, time.Duration(0), Jitter(0))
}
