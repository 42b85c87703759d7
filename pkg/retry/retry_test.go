package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	}, WithAttempts(3), WithInterval(time.Millisecond))

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	t.Parallel()
	calls := 0
	var notified []int
	err := Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	}, WithAttempts(5), WithInterval(time.Millisecond), WithNotify(func(attempt int, _ error) {
		notified = append(notified, attempt)
	}))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, notified)
}

func TestDo_ExhaustsBudget(t *testing.T) {
	t.Parallel()
	calls := 0
	sentinel := errors.New("connection refused")
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return sentinel
	}, WithAttempts(4), WithInterval(time.Millisecond))

	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, sentinel)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts)
}

func TestDo_FatalStopsImmediately(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return Fatal(errors.New("uid collision"))
	}, WithAttempts(10), WithInterval(time.Millisecond))

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsFatal(err))
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestDo_ContextCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("down")
	}, WithAttempts(10), WithInterval(time.Hour))

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestFatalNil(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Fatal(nil))
	assert.False(t, IsFatal(errors.New("plain")))
}
