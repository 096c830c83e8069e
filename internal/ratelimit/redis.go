package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/BaSui01/commandflow/config"
	"github.com/BaSui01/commandflow/internal/tlsutil"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// 🔴 Redis 固定窗口（多实例共享计数）
// =============================================================================

const redisKeyPrefix = "commandflow:ratelimit:"

// RedisLimiter counts with INCR on a key per client and window start; PEXPIRE
// drops the key once the window has passed.
type RedisLimiter struct {
	client redis.UniversalClient
	owned  bool
	window time.Duration
	limit  int
	opts   options
	logger *zap.Logger
}

// NewRedisLimiter wraps an existing client. Close does not close it.
func NewRedisLimiter(client redis.UniversalClient, window time.Duration, limit int, logger *zap.Logger, opts ...Option) *RedisLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLimiter{
		client: client,
		window: window,
		limit:  limit,
		opts:   buildOptions(opts),
		logger: logger.With(zap.String("component", "ratelimit"), zap.String("backend", "redis")),
	}
}

// DialRedis connects to redis and returns a limiter that owns the client.
func DialRedis(ctx context.Context, cfg config.RedisConfig, window time.Duration, limit int, logger *zap.Logger, opts ...Option) (*RedisLimiter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:      cfg.Addr,
		Password:  cfg.Password,
		DB:        cfg.DB,
		PoolSize:  cfg.PoolSize,
		TLSConfig: tlsutil.RedisConfig(cfg),
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	l := NewRedisLimiter(client, window, limit, logger, opts...)
	l.owned = true
	return l, nil
}

func (l *RedisLimiter) Name() string { return "redis" }

// Allow counts one request for key in the current window.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.opts.now()
	w := WindowAt(now, l.window)
	rk := redisKeyPrefix + key + ":" + strconv.FormatInt(w.Start.UnixMilli(), 10)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, rk)
		// 多保留一个窗口，避免时钟漂移时提前过期
		pipe.PExpire(ctx, rk, 2*l.window)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit incr: %w", err)
	}

	d := decide(incr.Val(), l.limit, w, now)
	if !d.Allowed {
		if l.opts.metrics != nil {
			l.opts.metrics.RecordRateLimitRejection(l.Name())
		}
		l.logger.Debug("rate limit exceeded", zap.String("key", key), zap.Duration("retry_after", d.RetryAfter))
	}
	return d, nil
}

// Close closes the client when the limiter dialed it.
func (l *RedisLimiter) Close() error {
	if l.owned {
		return l.client.Close()
	}
	return nil
}
