package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// =============================================================================
// 🧠 内存后端
// =============================================================================

type entry struct {
	value     string
	createdAt time.Time
	expiresAt time.Time
}

// MemoryStore 是有界 LRU 内存后端。
// 读取时惰性判断过期，后台 goroutine 按 sweepInterval 清理过期条目。
type MemoryStore struct {
	// mu 串行化写入与“检查过期后删除”，避免删掉并发写入的新值
	mu     sync.Mutex
	items  *lru.Cache[string, entry]
	now    func() time.Time
	logger *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// MemoryOption 配置 MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock 替换时间源，仅用于测试
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore 创建内存后端；sweepInterval<=0 时不启动后台清理
func NewMemoryStore(maxEntries int, sweepInterval time.Duration, logger *zap.Logger, opts ...MemoryOption) (*MemoryStore, error) {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	items, err := lru.New[string, entry](maxEntries)
	if err != nil {
		return nil, err
	}

	s := &MemoryStore{
		items:  items,
		now:    time.Now,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	} else {
		close(s.done)
	}
	return s, nil
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items.Get(key)
	if !ok {
		return "", false, nil
	}
	if !s.now().Before(e.expiresAt) {
		s.items.Remove(key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	now := s.now()
	s.mu.Lock()
	s.items.Add(key, entry{value: value, createdAt: now, expiresAt: now.Add(ttl)})
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	s.items.Remove(key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.items.Purge()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Len(_ context.Context) (int64, error) {
	return int64(s.items.Len()), nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// Close 停止清理 goroutine
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

// Sweep 删除全部已过期条目，返回删除数量
func (s *MemoryStore) Sweep() int {
	now := s.now()
	removed := 0
	for _, key := range s.items.Keys() {
		s.mu.Lock()
		if e, ok := s.items.Peek(key); ok && !now.Before(e.expiresAt) {
			s.items.Remove(key)
			removed++
		}
		s.mu.Unlock()
	}
	return removed
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("expired cache entries swept", zap.Int("removed", n))
			}
		}
	}
}
