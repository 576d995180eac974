package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/thinkflow/internal/metrics"
	"github.com/BaSui01/thinkflow/types"
)

var registryNamespaceSeq atomic.Int64

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	ns := fmt.Sprintf("ratelimit_test_%d", registryNamespaceSeq.Add(1))
	return NewRegistry(
		WithLogger(zap.NewNop()),
		WithCollector(metrics.NewCollector(ns, zap.NewNop())),
	)
}

func TestAcquire_ErrorStrategyRejectsFast(t *testing.T) {
	r := newTestRegistry(t)
	cfg := Config{QPS: 1, Burst: 1, Strategy: StrategyError}
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, r.Acquire(ctx, "b", cfg))

	for i := 0; i < 4; i++ {
		err := r.Acquire(ctx, "b", cfg)
		require.Error(t, err)
		assert.Equal(t, types.KindRateLimit, types.GetKind(err))
	}
	// Rejection must be immediate, not waited out.
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestAcquire_WaitStrategyPacesCalls(t *testing.T) {
	r := newTestRegistry(t)
	// 20 admissions/second with a single-token burst: five back-to-back
	// calls serialise into four ~50ms waits.
	cfg := Config{QPS: 20, Burst: 1, Strategy: StrategyWait}
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Acquire(ctx, "b", cfg))
	}
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestAcquire_WaitStrategyFullSecondPacing(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-second pacing test")
	}
	r := newTestRegistry(t)
	cfg := Config{QPS: 1, Burst: 1, Strategy: StrategyWait}
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Acquire(ctx, "b", cfg))
	}
	assert.GreaterOrEqual(t, time.Since(start), 3900*time.Millisecond)
}

func TestAcquire_WindowRejectsOverLimit(t *testing.T) {
	r := newTestRegistry(t)
	cfg := Config{WindowLimit: 3, WindowSeconds: 60, Strategy: StrategyError}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Acquire(ctx, "b", cfg))
	}
	err := r.Acquire(ctx, "b", cfg)
	require.Error(t, err)
	assert.Equal(t, types.KindRateLimit, types.GetKind(err))
}

func TestAcquire_WindowWaitsForFreeSlot(t *testing.T) {
	r := newTestRegistry(t)
	cfg := Config{WindowLimit: 2, WindowSeconds: 1, Strategy: StrategyWait}
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, r.Acquire(ctx, "b", cfg))
	require.NoError(t, r.Acquire(ctx, "b", cfg))
	// Third admission has to wait for the first to leave the window.
	require.NoError(t, r.Acquire(ctx, "b", cfg))
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestAcquire_BothCellsMustAdmit(t *testing.T) {
	r := newTestRegistry(t)
	// Token bucket is wide open; the window is the binding constraint.
	cfg := Config{QPS: 1000, Burst: 1000, WindowLimit: 1, WindowSeconds: 60, Strategy: StrategyError}
	ctx := context.Background()

	require.NoError(t, r.Acquire(ctx, "b", cfg))
	err := r.Acquire(ctx, "b", cfg)
	require.Error(t, err)
	assert.Equal(t, types.KindRateLimit, types.GetKind(err))
}

func TestAcquire_EmptyConfigAdmitsEverything(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		require.NoError(t, r.Acquire(ctx, "b", Config{}))
	}
}

func TestAcquire_TimeoutBoundsWait(t *testing.T) {
	r := newTestRegistry(t)
	// 0.1 qps: the second token is ten seconds away, far past the timeout.
	cfg := Config{QPS: 0.1, Burst: 1, Strategy: StrategyWait, Timeout: 50 * time.Millisecond}
	ctx := context.Background()

	require.NoError(t, r.Acquire(ctx, "b", cfg))

	start := time.Now()
	err := r.Acquire(ctx, "b", cfg)
	require.Error(t, err)
	assert.Equal(t, types.KindRateLimit, types.GetKind(err))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestAcquire_ContextCancelAbortsWait(t *testing.T) {
	r := newTestRegistry(t)
	cfg := Config{QPS: 0.1, Burst: 1, Strategy: StrategyWait}

	require.NoError(t, r.Acquire(context.Background(), "b", cfg))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := r.Acquire(ctx, "b", cfg)
	require.Error(t, err)
	assert.Equal(t, types.KindRateLimit, types.GetKind(err))
}

func TestAcquire_SeparateKeysSeparateBudgets(t *testing.T) {
	r := newTestRegistry(t)
	cfg := Config{QPS: 1, Burst: 1, Strategy: StrategyError}
	ctx := context.Background()

	require.NoError(t, r.Acquire(ctx, "openai:gpt", cfg))
	// A different bucket still has its token.
	require.NoError(t, r.Acquire(ctx, "anthropic:claude", cfg))
	assert.Equal(t, 2, r.Len())
}

func TestAcquire_ReconfigureExistingBucket(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	tight := Config{QPS: 0.001, Burst: 1, Strategy: StrategyError}
	require.NoError(t, r.Acquire(ctx, "b", tight))
	require.Error(t, r.Acquire(ctx, "b", tight))

	// Raising the budget on the same key takes effect without a new bucket.
	// The token balance carries over, so give the faster refill a moment.
	loose := Config{QPS: 1000, Burst: 1000, Strategy: StrategyError}
	r.getBucket("b", loose)
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.Acquire(ctx, "b", loose))
	assert.Equal(t, 1, r.Len())
}

func TestWindow_ConcurrentAdmissionsNeverExceedLimit(t *testing.T) {
	r := newTestRegistry(t)
	cfg := Config{WindowLimit: 5, WindowSeconds: 60, Strategy: StrategyError}
	ctx := context.Background()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Acquire(ctx, "b", cfg); err == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), admitted.Load())
}

func TestRegistry_Prune(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Acquire(ctx, "a", Config{}))
	require.NoError(t, r.Acquire(ctx, "b", Config{}))
	require.Equal(t, 2, r.Len())

	time.Sleep(10 * time.Millisecond)
	pruned := r.Prune(5 * time.Millisecond)
	assert.Equal(t, 2, pruned)
	assert.Zero(t, r.Len())
}

func TestDefault_Singleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}

func TestSlidingWindow_PruneAndNextFree(t *testing.T) {
	w := newSlidingWindow(2, time.Second)
	now := time.Now()

	assert.True(t, w.tryAdmit(now))
	assert.True(t, w.tryAdmit(now.Add(100*time.Millisecond)))
	assert.False(t, w.tryAdmit(now.Add(200*time.Millisecond)))

	// Slot frees when the oldest stamp leaves the window.
	free := w.nextFree(now.Add(200 * time.Millisecond))
	assert.InDelta(t, float64(800*time.Millisecond), float64(free), float64(10*time.Millisecond))

	assert.True(t, w.tryAdmit(now.Add(1100*time.Millisecond)))
}
