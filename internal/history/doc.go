/*
包 history 提供基于 GORM 的命令执行历史存储。

# 概述

Store 以 ExecutionRecord 记录每次命令执行的请求 ID、命令名、来源、
成功与否、错误码与耗时，并支持按时间倒序查询与按保留期清理。
驱动由 history.driver 选择：sqlite（glebarez/sqlite，纯 Go 实现）、
postgres 与 mysql。打开时自动迁移表结构。

# 核心类型

  - Store：Record / Recent / Prune / Count / Ping / Close。
  - ExecutionRecord：GORM 模型，表名 execution_records。
  - PoolConfig：连接池参数，sqlite 默认单连接。

# 错误语义

ErrStoreClosed 表示 Close 之后的调用；死锁、序列化失败等瞬时错误在
Prune 中按指数退避重试。
*/
package history
