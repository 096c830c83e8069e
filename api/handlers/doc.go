/*
Package handlers 提供 CommandFlow HTTP API 的请求处理器实现。

# 核心类型

  - CommandHandler: 命令执行（POST /api/command）、建议与列表
  - HealthHandler:  /health、/healthz、/api/status，数据来自 monitoring.Service
  - ConfigHandler:  脱敏配置视图与手动重载
  - Response:       统一 JSON 响应（success + data/error + metadata + timestamp）
  - ErrorInfo:      结构化错误信息，含 code、message、details、retryable
  - ResponseWriter: 包装 http.ResponseWriter 以捕获状态码

# 错误映射

types.ErrorCode 到 HTTP 状态码：VALIDATION/INVALID_REQUEST 400，NOT_FOUND 404，
DUPLICATE 409，RATE_LIMIT 429（附 Retry-After 秒数，向上取整），BRIDGE_TIMEOUT 504，
BRIDGE_UNAVAILABLE 503，其余 500。错误原因（Cause）只写日志，不返回给客户端。
*/
package handlers
