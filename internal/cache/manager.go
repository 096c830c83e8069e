// Package cache provides internal cache management.
// This package is internal and should not be imported by external projects.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/commandflow/config"
	"github.com/BaSui01/commandflow/internal/tlsutil"
	"go.uber.org/zap"
)

// =============================================================================
// 💾 缓存管理器
// =============================================================================

// ErrCacheClosed 缓存已关闭
var ErrCacheClosed = errors.New("cache manager is closed")

// MetricsRecorder 接收命中/未命中事件
type MetricsRecorder interface {
	RecordCacheHit(backend string)
	RecordCacheMiss(backend string)
}

// Manager 缓存管理器，在任一后端之上提供默认 TTL、统计与健康检查
type Manager struct {
	store      Store
	enabled    bool
	defaultTTL time.Duration
	metrics    MetricsRecorder
	logger     *zap.Logger

	hits   atomic.Uint64
	misses atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// Option 配置 Manager
type Option func(*Manager)

// WithMetrics 设置指标记录器
func WithMetrics(m MetricsRecorder) Option {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// NewManager 按 cache.type 创建缓存管理器；cache.enabled=false 时使用 noop 后端
func NewManager(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "cache"))

	var (
		store Store
		err   error
	)
	switch {
	case !cfg.Enabled:
		store = noopStore{}
	case cfg.Type == "redis":
		store, err = NewRedisStore(ctx, RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			TLSConfig: tlsutil.RedisConfig(cfg.Redis),
		})
	case cfg.Type == "memory":
		store, err = NewMemoryStore(cfg.MaxEntries, cfg.SweepInterval, logger)
	default:
		err = fmt.Errorf("unknown cache type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	m := NewManagerWithStore(store, cfg.TTL(), logger, opts...)
	m.enabled = cfg.Enabled

	logger.Info("cache manager initialized",
		zap.String("backend", store.Name()),
		zap.Duration("default_ttl", m.defaultTTL),
	)
	return m, nil
}

// NewManagerWithStore 包装一个现成的后端
func NewManagerWithStore(store Store, defaultTTL time.Duration, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:      store,
		enabled:    store.Name() != "noop",
		defaultTTL: defaultTTL,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Enabled 返回缓存是否启用
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Backend 返回后端名称
func (m *Manager) Backend() string {
	return m.store.Name()
}

// Get 获取缓存值；过期与不存在都返回 ok=false
func (m *Manager) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return "", false, ErrCacheClosed
	}

	val, ok, err := m.store.Get(ctx, key)
	if err != nil {
		m.logger.Error("cache get failed", zap.String("key", key), zap.Error(err))
		return "", false, err
	}

	if ok {
		m.hits.Add(1)
		if m.metrics != nil {
			m.metrics.RecordCacheHit(m.store.Name())
		}
	} else {
		m.misses.Add(1)
		if m.metrics != nil {
			m.metrics.RecordCacheMiss(m.store.Name())
		}
	}
	return val, ok, nil
}

// Set 设置缓存值；ttl 为 0 时使用默认 TTL
func (m *Manager) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrCacheClosed
	}
	if ttl < 0 {
		return fmt.Errorf("negative ttl %s", ttl)
	}
	if ttl == 0 {
		ttl = m.defaultTTL
	}

	if err := m.store.Set(ctx, key, value, ttl); err != nil {
		m.logger.Error("cache set failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// GetJSON 获取 JSON 缓存值
func (m *Manager) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	val, ok, err := m.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	return true, nil
}

// SetJSON 设置 JSON 缓存值
func (m *Manager) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	return m.Set(ctx, key, string(data), ttl)
}

// Delete 删除缓存值
func (m *Manager) Delete(ctx context.Context, key string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrCacheClosed
	}

	if err := m.store.Delete(ctx, key); err != nil {
		m.logger.Error("cache delete failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// Clear 清空缓存
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrCacheClosed
	}

	if err := m.store.Clear(ctx); err != nil {
		m.logger.Error("cache clear failed", zap.Error(err))
		return err
	}
	m.logger.Info("cache cleared")
	return nil
}

// Close 关闭缓存管理器
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true
	m.logger.Info("closing cache manager")

	return m.store.Close()
}

// =============================================================================
// 🏥 健康检查
// =============================================================================

// Health 缓存健康状态
type Health struct {
	Healthy   bool    `json:"healthy"`
	Enabled   bool    `json:"enabled"`
	Backend   string  `json:"backend"`
	LatencyMS float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// HealthCheck 探测后端连通性
func (m *Manager) HealthCheck(ctx context.Context) Health {
	h := Health{Enabled: m.enabled, Backend: m.store.Name()}

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		h.Error = ErrCacheClosed.Error()
		return h
	}

	start := time.Now()
	err := m.store.Ping(ctx)
	h.LatencyMS = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		h.Error = err.Error()
		m.logger.Warn("cache health check failed", zap.Error(err))
		return h
	}
	h.Healthy = true
	return h
}

// =============================================================================
// 📊 统计信息
// =============================================================================

// Stats 缓存统计信息
type Stats struct {
	Enabled bool    `json:"enabled"`
	Backend string  `json:"backend"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
	Keys    int64   `json:"keys"`
}

// Stats 获取缓存统计信息
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrCacheClosed
	}

	keys, err := m.store.Len(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Enabled: m.enabled,
		Backend: m.store.Name(),
		Hits:    m.hits.Load(),
		Misses:  m.misses.Load(),
		Keys:    keys,
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats, nil
}
