package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/thinkflow/internal/metrics"
	"github.com/BaSui01/thinkflow/types"
)

// Registry maps bucket keys to their admission state. One registry normally
// serves the whole process so every code path contending for a provider
// shares the same budget.
type Registry struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	logger    *zap.Logger
	collector *metrics.Collector
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithCollector sets the metrics collector for wait/reject counters.
func WithCollector(collector *metrics.Collector) Option {
	return func(r *Registry) { r.collector = collector }
}

// NewRegistry creates an isolated registry. Embedders and tests use this;
// everything else goes through Default.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		buckets: make(map[string]*bucket),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.collector == nil {
		r.collector = metrics.Default()
	}
	return r
}

var (
	defaultRegistry *Registry
	defaultOnce     sync.Once
)

// Default returns the process-wide registry, created on first use.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Acquire admits one call through the bucket identified by key, creating the
// bucket from cfg on first use. Both cells of the bucket must admit. Under
// the wait strategy the call blocks until admitted, bounded by cfg.Timeout;
// under the error strategy it fails immediately with a rate-limit error.
func (r *Registry) Acquire(ctx context.Context, key string, cfg Config) error {
	b := r.getBucket(key, cfg)

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	if cfg.strategy() == StrategyError {
		if err := b.tryAcquire(time.Now()); err != nil {
			r.collector.RecordRateLimitReject(key)
			return err
		}
		return nil
	}

	start := time.Now()
	if err := b.waitAcquire(ctx); err != nil {
		r.collector.RecordRateLimitReject(key)
		return err
	}
	if waited := time.Since(start); waited > time.Millisecond {
		r.collector.RecordRateLimitWait(key, waited)
	}
	return nil
}

// Len reports how many buckets the registry holds.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

// Prune drops buckets idle for longer than maxIdle and reports how many went.
func (r *Registry) Prune(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	r.mu.Lock()
	defer r.mu.Unlock()
	pruned := 0
	for key, b := range r.buckets {
		b.mu.Lock()
		idle := b.lastUsed.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(r.buckets, key)
			pruned++
		}
	}
	return pruned
}

// StartCleanup prunes idle buckets on an interval until ctx is cancelled.
func (r *Registry) StartCleanup(ctx context.Context, interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.Prune(maxIdle); n > 0 {
					r.logger.Debug("pruned idle rate limit buckets", zap.Int("count", n))
				}
			}
		}
	}()
}

func (r *Registry) getBucket(key string, cfg Config) *bucket {
	r.mu.Lock()
	b, ok := r.buckets[key]
	if !ok {
		b = newBucket(key, cfg)
		r.buckets[key] = b
		r.mu.Unlock()
		r.logger.Debug("rate limit bucket created",
			zap.String("bucket", key),
			zap.Float64("qps", cfg.QPS),
			zap.Int("burst", cfg.Burst),
			zap.Int("window_limit", cfg.WindowLimit),
			zap.Int("window_seconds", cfg.WindowSeconds),
		)
		return b
	}
	r.mu.Unlock()
	b.reconfigure(cfg)
	return b
}

// bucket is the admission state for one key. The token-bucket cell uses
// x/time/rate; the sliding-window cell tracks raw timestamps. lastUsed feeds
// idle pruning.
type bucket struct {
	mu       sync.Mutex
	key      string
	cfg      Config
	limiter  *rate.Limiter
	window   *slidingWindow
	lastUsed time.Time
}

func newBucket(key string, cfg Config) *bucket {
	b := &bucket{key: key, lastUsed: time.Now()}
	b.mu.Lock()
	b.applyLocked(cfg)
	b.mu.Unlock()
	return b
}

// reconfigure applies a changed config, keeping accumulated state where the
// cell shape is unchanged.
func (b *bucket) reconfigure(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg == cfg {
		return
	}
	b.applyLocked(cfg)
}

func (b *bucket) applyLocked(cfg Config) {
	if cfg.hasTokenBucket() {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		if b.limiter == nil {
			b.limiter = rate.NewLimiter(rate.Limit(cfg.QPS), burst)
		} else {
			b.limiter.SetLimit(rate.Limit(cfg.QPS))
			b.limiter.SetBurst(burst)
		}
	} else {
		b.limiter = nil
	}

	if cfg.hasWindow() {
		if b.window == nil || b.window.limit != cfg.WindowLimit || b.window.window != cfg.window() {
			b.window = newSlidingWindow(cfg.WindowLimit, cfg.window())
		}
	} else {
		b.window = nil
	}
	b.cfg = cfg
}

// tryAcquire admits or rejects without blocking. A token reserved from the
// bucket cell is returned if the window cell then rejects, so a refused call
// costs nothing.
func (b *bucket) tryAcquire(now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	var reservation *rate.Reservation
	if b.limiter != nil {
		reservation = b.limiter.ReserveN(now, 1)
		if !reservation.OK() || reservation.DelayFrom(now) > 0 {
			reservation.CancelAt(now)
			return types.RateLimitError("rate limit exceeded for bucket " + b.key)
		}
	}

	if b.window != nil && !b.window.tryAdmit(now) {
		if reservation != nil {
			reservation.CancelAt(now)
		}
		return types.RateLimitError("rate limit exceeded for bucket " + b.key)
	}
	return nil
}

// waitAcquire blocks until both cells admit or ctx ends.
func (b *bucket) waitAcquire(ctx context.Context) error {
	b.mu.Lock()
	b.lastUsed = time.Now()
	limiter, window := b.limiter, b.window
	b.mu.Unlock()

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return types.RateLimitError("rate limit wait aborted for bucket " + b.key).WithCause(err)
		}
	}

	if window == nil {
		return nil
	}
	for {
		b.mu.Lock()
		now := time.Now()
		admitted := window.tryAdmit(now)
		var delay time.Duration
		if !admitted {
			delay = window.nextFree(now)
		}
		b.mu.Unlock()

		if admitted {
			return nil
		}
		if delay <= 0 {
			delay = time.Millisecond
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return types.RateLimitError("rate limit wait aborted for bucket " + b.key).WithCause(ctx.Err())
		case <-timer.C:
		}
	}
}
