package retry

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(context.Context) error {
		attempts++
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "retry exhausted after 3 attempts")
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	permanent := errors.New("permanent")
	attempts := 0
	policy := Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Classify: func(err error) Class {
			if errors.Is(err, permanent) {
				return Permanent
			}
			return Transient
		},
	}
	err := Do(context.Background(), policy, func(context.Context) error {
		attempts++
		return permanent
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, permanent)
}

func TestDo_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(context.Context) error {
		t.Fatal("fn must not run on a canceled context")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDo_OnRetryHookSeesEveryWait(t *testing.T) {
	var waits []time.Duration
	policy := Policy{
		MaxAttempts: 4,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		OnRetry: func(attempt int, wait time.Duration, err error) {
			waits = append(waits, wait)
		},
	}
	err := Do(context.Background(), policy, func(context.Context) error {
		return errors.New("transient")
	})
	require.Error(t, err)
	require.Len(t, waits, 3) // no wait after the final attempt
	assert.Equal(t, time.Millisecond, waits[0])
	assert.Equal(t, 2*time.Millisecond, waits[1])
	assert.Equal(t, 2*time.Millisecond, waits[2]) // capped at MaxDelay
}
