/*
Package types 提供 CommandFlow 引擎的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包。router、api、bridge、cache
等上层模块通过它共享统一的错误契约与上下文键，避免循环依赖。

# 核心类型

  - Error / ErrorCode: 结构化错误体系，含 HTTP 状态码、Retryable、Details
  - Suggestion:        命令未找到时返回的候选项（command、matched、score）
  - Origin:            命令来源（http / duplex / cli）

# 主要能力

  - 错误构造：NewValidationError / NewNotFoundError / NewBridgeTimeoutError 等
  - 错误工具链：AsError / IsCode / GetErrorCode / IsRetryable
  - Context 传播：WithTraceID / WithRequestID / WithClientKey / WithOrigin
*/
package types
