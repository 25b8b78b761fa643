package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/metrics"
)

// bucket 包装 rate.Limiter 并记录最后访问时间
type bucket struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // UnixNano
}

func (b *bucket) touch(now time.Time) {
	b.lastSeen.Store(now.UnixNano())
}

// standaloneLimiter 进程内限流，同一 key 不同规则使用不同的桶
type standaloneLimiter struct {
	cfg       *StandaloneConfig
	logger    clog.Logger
	buckets   sync.Map // map[string]*bucket
	allowed   metrics.Counter
	denied    metrics.Counter
	stopCh    chan struct{}
	closeOnce sync.Once
}

func newStandalone(cfg *StandaloneConfig, logger clog.Logger, meter metrics.Meter) (Limiter, error) {
	cfg.setDefaults()

	l := &standaloneLimiter{
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	l.allowed, _ = meter.Counter(MetricAllowed, "Number of allowed requests")
	l.denied, _ = meter.Counter(MetricDenied, "Number of denied requests")

	go l.cleanupLoop()

	logger.Info("standalone rate limiter created",
		clog.Duration("cleanup_interval", cfg.CleanupInterval),
		clog.Duration("idle_timeout", cfg.IdleTimeout))
	return l, nil
}

func (l *standaloneLimiter) Allow(ctx context.Context, key string, limit Limit) (bool, error) {
	return l.AllowN(ctx, key, limit, 1)
}

func (l *standaloneLimiter) AllowN(ctx context.Context, key string, limit Limit, n int) (bool, error) {
	if key == "" {
		return false, ErrKeyEmpty
	}
	if !limit.Valid() || n <= 0 {
		return false, ErrInvalidLimit
	}

	now := time.Now()
	b := l.bucketFor(key, limit)
	b.touch(now)
	ok := b.limiter.AllowN(now, n)

	l.record(ctx, ok)
	logCheck(l.logger, string(DriverStandalone), key, limit, n, ok)
	return ok, nil
}

func (l *standaloneLimiter) Wait(ctx context.Context, key string, limit Limit) error {
	if key == "" {
		return ErrKeyEmpty
	}
	if !limit.Valid() {
		return ErrInvalidLimit
	}

	b := l.bucketFor(key, limit)
	b.touch(time.Now())
	err := b.limiter.Wait(ctx)
	b.touch(time.Now())
	return err
}

func (l *standaloneLimiter) record(ctx context.Context, ok bool) {
	c := l.denied
	if ok {
		c = l.allowed
	}
	if c != nil {
		c.Inc(ctx, metrics.L(LabelMode, string(DriverStandalone)))
	}
}

func (l *standaloneLimiter) bucketFor(key string, limit Limit) *bucket {
	cacheKey := fmt.Sprintf("%s:%v:%d", key, limit.Rate, limit.Burst)
	if v, ok := l.buckets.Load(cacheKey); ok {
		return v.(*bucket)
	}
	b := &bucket{limiter: rate.NewLimiter(rate.Limit(limit.Rate), limit.Burst)}
	b.touch(time.Now())
	actual, _ := l.buckets.LoadOrStore(cacheKey, b)
	return actual.(*bucket)
}

func (l *standaloneLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

// evictIdle 回收超过 IdleTimeout 未访问的桶，返回回收数量
func (l *standaloneLimiter) evictIdle(now time.Time) int {
	count := 0
	l.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		if now.Sub(time.Unix(0, b.lastSeen.Load())) > l.cfg.IdleTimeout {
			l.buckets.Delete(key)
			count++
		}
		return true
	})
	if count > 0 {
		l.logger.Debug("evicted idle buckets", clog.Int("count", count))
	}
	return count
}

func (l *standaloneLimiter) size() int {
	n := 0
	l.buckets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (l *standaloneLimiter) Close() error {
	l.closeOnce.Do(func() { close(l.stopCh) })
	return nil
}
