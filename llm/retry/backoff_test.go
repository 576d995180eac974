package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/BaSui01/thinkflow/types"
)

func fastPolicy(maxRetries int) *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:   maxRetries,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       false,
	}
}

func TestBackoffRetryer_Success(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, callCount, "should be called exactly once")
}

func TestBackoffRetryer_RetryAndSuccess(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		if callCount < 3 {
			return types.RateLimitError("upstream throttled")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, callCount, "two failures then success")
}

func TestBackoffRetryer_MaxRetriesExceeded(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(2), zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		return types.TimeoutError("upstream timed out")
	})

	assert.Error(t, err)
	assert.Equal(t, 3, callCount, "initial attempt plus two retries")
	assert.Equal(t, types.KindTimeout, types.GetKind(err), "cause survives the wrap")
}

// Taxonomy classification: auth and invalid-request failures must not burn
// the retry budget.
func TestBackoffRetryer_NonRetryableStopsImmediately(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(5), zap.NewNop())

	for _, err := range []error{
		types.AuthError("bad key"),
		types.InvalidRequestError("malformed"),
		types.NotFoundError("no such model"),
		types.GenericError("mystery"),
	} {
		callCount := 0
		got := retryer.Do(context.Background(), func() error {
			callCount++
			return err
		})
		assert.Error(t, got)
		assert.Equal(t, 1, callCount, "no retries for %v", types.GetKind(err))
	}
}

func TestBackoffRetryer_CustomClassifier(t *testing.T) {
	sentinel := errors.New("flaky")
	policy := fastPolicy(3)
	policy.Classify = func(err error) bool { return errors.Is(err, sentinel) }
	retryer := NewBackoffRetryer(policy, zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		if callCount == 1 {
			return sentinel
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, callCount)
}

func TestBackoffRetryer_ContextCancelled(t *testing.T) {
	policy := fastPolicy(5)
	policy.InitialDelay = 200 * time.Millisecond
	retryer := NewBackoffRetryer(policy, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	callCount := 0

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := retryer.Do(ctx, func() error {
		callCount++
		return types.RateLimitError("throttled")
	})

	assert.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, callCount, "cancelled during the first backoff sleep")
}

func TestBackoffRetryer_OnRetryCallback(t *testing.T) {
	var attempts []int
	policy := fastPolicy(2)
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}
	retryer := NewBackoffRetryer(policy, zap.NewNop())

	_ = retryer.Do(context.Background(), func() error {
		return types.ServerError("boom")
	})

	assert.Equal(t, []int{1, 2}, attempts)
}

func TestCalculateDelay_Growth(t *testing.T) {
	r := NewBackoffRetryer(&RetryPolicy{
		MaxRetries:   5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     60 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       false,
	}, zap.NewNop()).(*backoffRetryer)

	assert.Equal(t, 10*time.Millisecond, r.calculateDelay(1))
	assert.Equal(t, 20*time.Millisecond, r.calculateDelay(2))
	assert.Equal(t, 40*time.Millisecond, r.calculateDelay(3))
	// Capped at MaxDelay.
	assert.Equal(t, 60*time.Millisecond, r.calculateDelay(4))
	assert.Equal(t, 60*time.Millisecond, r.calculateDelay(5))
}

func TestDoWithResultTyped(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(2), zap.NewNop())

	calls := 0
	got, err := DoWithResultTyped(retryer, context.Background(), func() (int, error) {
		calls++
		if calls == 1 {
			return 0, types.ServerError("transient")
		}
		return 42, nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 42, got)

	// Failure path returns the zero value.
	zero, err := DoWithResultTyped(retryer, context.Background(), func() (string, error) {
		return "", types.AuthError("nope")
	})
	assert.Error(t, err)
	assert.Empty(t, zero)
}
