// Package ratelimit 实现按客户端键的固定窗口限流。
//
// 窗口对齐到 window_ms 的整数倍，窗口内第 max_requests+1 个请求被拒绝，
// retry_after_ms 为当前窗口剩余时长。后端有内存与 Redis 两种。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/commandflow/config"
	"github.com/BaSui01/commandflow/types"
	"go.uber.org/zap"
)

// ErrLimiterClosed is returned by Allow after Close.
var ErrLimiterClosed = errors.New("rate limiter closed")

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Err returns a RATE_LIMIT_EXCEEDED error for a rejected decision, nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return types.NewRateLimitExceededError(d.RetryAfter.Milliseconds())
}

// Limiter counts requests per client key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Name() string
	Close() error
}

// MetricsRecorder 记录被拒绝的请求
type MetricsRecorder interface {
	RecordRateLimitRejection(backend string)
}

// Window 描述一个对齐的固定窗口
type Window struct {
	Start time.Time
	End   time.Time
}

// WindowAt returns the aligned window containing now.
func WindowAt(now time.Time, length time.Duration) Window {
	ms := length.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	startMS := now.UnixMilli() / ms * ms
	return Window{
		Start: time.UnixMilli(startMS),
		End:   time.UnixMilli(startMS + ms),
	}
}

func decide(count int64, limit int, w Window, now time.Time) Decision {
	d := Decision{
		Allowed: count <= int64(limit),
		Limit:   limit,
		ResetAt: w.End,
	}
	if d.Allowed {
		d.Remaining = limit - int(count)
		return d
	}
	d.RetryAfter = w.End.Sub(now)
	if d.RetryAfter < 0 {
		d.RetryAfter = 0
	}
	return d
}

// Option 配置 Limiter
type Option func(*options)

type options struct {
	now     func() time.Time
	metrics MetricsRecorder
	sweep   time.Duration
}

// WithClock 替换时间源，仅用于测试
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMetrics 设置拒绝计数器
func WithMetrics(m MetricsRecorder) Option {
	return func(o *options) { o.metrics = m }
}

// WithSweepInterval 设置内存后端的过期桶清理间隔
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweep = d }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, sweep: time.Minute}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New creates the limiter selected by cfg.Backend. The redis backend connects
// with redisCfg.
func New(ctx context.Context, cfg config.RateLimitConfig, redisCfg config.RedisConfig, logger *zap.Logger, opts ...Option) (Limiter, error) {
	window := time.Duration(cfg.WindowMS) * time.Millisecond
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryLimiter(window, cfg.MaxRequests, logger, opts...), nil
	case "redis":
		return DialRedis(ctx, redisCfg, window, cfg.MaxRequests, logger, opts...)
	}
	return nil, fmt.Errorf("unknown rate limit backend %q", cfg.Backend)
}
