/*
包 cache 提供可插拔后端的缓存管理能力。

# 概述

Manager 在 Store 之上提供默认 TTL、命中统计、健康检查与 JSON 便捷方法。
后端由 cache.type 选择：memory 为有界 LRU（hashicorp/golang-lru），
条目带 createdAt/expiresAt，读取时惰性过期并由后台 goroutine 定期清理；
redis 基于 go-redis，使用原生 TTL，适合多实例部署共享缓存。
cache.enabled=false 时使用 noop 后端，所有读取都未命中。

# 核心类型

  - Manager：缓存管理器，Get/Set/Delete/Clear/Stats/HealthCheck。
  - Store：后端契约，MemoryStore、RedisStore 与内部 noop 实现。
  - Health / Stats：健康状态与统计信息。

# 错误语义

过期与从未写入的键统一返回 ok=false；ErrCacheClosed 表示 Close 之后的调用。
*/
package cache
