package cache

import (
	"context"
	"time"
)

// Store 是缓存后端的最小契约。值为不透明字符串。
// 过期与从未写入的键都以 ok=false 返回，调用方无法区分。
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
	// Name 返回后端类型: memory, redis, noop
	Name() string
}

// noopStore 在 cache.enabled=false 时使用，读取总是未命中
type noopStore struct{}

func (noopStore) Get(context.Context, string) (string, bool, error)        { return "", false, nil }
func (noopStore) Set(context.Context, string, string, time.Duration) error { return nil }
func (noopStore) Delete(context.Context, string) error                     { return nil }
func (noopStore) Clear(context.Context) error                              { return nil }
func (noopStore) Len(context.Context) (int64, error)                       { return 0, nil }
func (noopStore) Ping(context.Context) error                               { return nil }
func (noopStore) Close() error                                             { return nil }
func (noopStore) Name() string                                             { return "noop" }
