package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🧠 内存固定窗口
// =============================================================================

type bucket struct {
	windowStart time.Time
	count       int64
}

// MemoryLimiter keeps one bucket per client key. A background loop drops
// buckets whose window has ended.
type MemoryLimiter struct {
	window time.Duration
	limit  int
	opts   options
	logger *zap.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(window time.Duration, limit int, logger *zap.Logger, opts ...Option) *MemoryLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &MemoryLimiter{
		window:  window,
		limit:   limit,
		opts:    buildOptions(opts),
		logger:  logger.With(zap.String("component", "ratelimit"), zap.String("backend", "memory")),
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if l.opts.sweep > 0 {
		go l.cleanupLoop()
	} else {
		close(l.done)
	}
	return l
}

func (l *MemoryLimiter) Name() string { return "memory" }

// Allow counts one request for key in the current window.
func (l *MemoryLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.opts.now()
	w := WindowAt(now, l.window)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Decision{}, ErrLimiterClosed
	}
	b, ok := l.buckets[key]
	if !ok || !b.windowStart.Equal(w.Start) {
		// 进入新窗口，计数归零
		b = &bucket{windowStart: w.Start}
		l.buckets[key] = b
	}
	if b.count <= int64(l.limit) {
		b.count++
	}
	count := b.count
	l.mu.Unlock()

	d := decide(count, l.limit, w, now)
	if !d.Allowed {
		if l.opts.metrics != nil {
			l.opts.metrics.RecordRateLimitRejection(l.Name())
		}
		l.logger.Debug("rate limit exceeded", zap.String("key", key), zap.Duration("retry_after", d.RetryAfter))
	}
	return d, nil
}

// Len returns the number of live buckets.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Sweep drops buckets whose window has ended and returns how many were removed.
func (l *MemoryLimiter) Sweep() int {
	current := WindowAt(l.opts.now(), l.window).Start
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		if b.windowStart.Before(current) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

func (l *MemoryLimiter) cleanupLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.opts.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug("expired buckets removed", zap.Int("count", n))
			}
		}
	}
}

// Close stops the cleanup loop.
func (l *MemoryLimiter) Close() error {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.stop)
	})
	<-l.done
	return nil
}
