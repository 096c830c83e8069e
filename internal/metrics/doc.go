/*
包 metrics 提供基于 Prometheus 的指标采集，覆盖 HTTP、命令执行、缓存、桥接、
限流、双工连接、插件注册表与历史库连接池。

# 概述

Collector 将全部指标注册到自有的 prometheus.Registry（不使用全局默认 Registry），
因此同一进程内可以创建多个互不冲突的 Collector，GET /metrics 通过 Handler 暴露。

# 核心类型

  - Collector：持有 Counter、Histogram、Gauge 向量，同时实现 cache、bridge、
    router、plugins 与 ratelimit 包各自定义的 MetricsRecorder 接口。

# 主要能力

  - HTTP 指标：请求总数与耗时，按 method/route/status 分组，状态码归类为 2xx/4xx/5xx。
  - 命令指标：执行总数与耗时，按 command/outcome 分组，outcome 为 success 或错误码。
  - 桥接指标：调用总数与耗时，按 op/outcome 分组。
  - 缓存、限流、双工连接、注册表规模与数据库连接池 Gauge。
*/
package metrics
