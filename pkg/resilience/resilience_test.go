package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBroker = errors.New("broker unavailable")

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "publish", fastRetry(5), func() error {
		calls++
		if calls < 3 {
			return errBroker
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_GivesUp(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "publish", fastRetry(3), func() error {
		calls++
		return errBroker
	})
	require.ErrorIs(t, err, errBroker)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "all 3 attempts failed for publish")
}

func TestRetry_Permanent(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "publish", fastRetry(5), func() error {
		calls++
		return Permanent(errBroker)
	})
	require.ErrorIs(t, err, errBroker)
	assert.Equal(t, 1, calls)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, "publish", fastRetry(5), func() error { return errBroker })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	var transitions []State
	cb := NewCircuitBreaker("kafka", CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     50 * time.Millisecond,
		OnStateChange: func(_ string, _, to State) {
			transitions = append(transitions, to)
		},
	})

	fail := func() error { return errBroker }
	assert.ErrorIs(t, cb.Execute(fail), errBroker)
	assert.ErrorIs(t, cb.Execute(fail), errBroker)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestWithTimeout(t *testing.T) {
	err := WithTimeout(context.Background(), 5*time.Millisecond, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.NoError(t, WithTimeout(context.Background(), 0, "inline", func(context.Context) error { return nil }))

	err = WithTimeout(context.Background(), 5*time.Millisecond, "wrapped", func(ctx context.Context) error {
		<-ctx.Done()
		return errBroker
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, errBroker)
}

func TestCircuitBreaker_FailedTrialReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("redis", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	cb.now = func() time.Time { return now }

	assert.ErrorIs(t, cb.Execute(func() error { return errBroker }), errBroker)
	assert.Equal(t, StateOpen, cb.State())

	now = now.Add(time.Minute)
	assert.ErrorIs(t, cb.Execute(func() error { return errBroker }), errBroker)
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, 2, cb.Failures())
	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Failures())
}
