/*
Package main 提供 CommandFlow 命令处理引擎的可执行入口。

# 概述

cmd/commandflow 基于 cobra 组织子命令：serve 启动 HTTP + WebSocket 服务，
exec、status、cache、test、update、interactive 在进程内装配引擎后直接执行，
config 与 history 维护配置文件和执行历史库，health 探测运行中的服务。

# 核心类型

  - app:         运行时组件装配（配置、缓存、桥接、历史、注册表、路由、调度、监控）
  - Server:      HTTP 与双工服务器，负责路由注册、中间件链与优雅关闭
  - Middleware:  HTTP 中间件函数签名 func(http.Handler) http.Handler
  - replModel:   bubbletea 交互模式模型

# 主要能力

  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、RequestLogger、
    CORS、Metrics、RateLimit（JWT subject / API Key / IP 固定窗口）
  - 配置热重载：fsnotify 监听配置文件，POST /api/config/reload 手动触发
  - 优雅关闭：信号监听 → 停止后台插件 → 关闭双工 hub → 关闭 HTTP → 释放限流器
    → 释放 bridge、cache、history、telemetry
  - 错误输出：结构化错误以红色渲染（lipgloss），失败时退出码为 1
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
