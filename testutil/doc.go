/*
Package testutil 提供 CommandFlow 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 异步辅助: WaitForChannel 带超时等待通道
  - 数据工具: MustJSON / MustParseJSON，简化请求体与响应构造
  - 配置工具: QuietConfig / WriteConfig，生成日志静默的测试配置文件

# 使用示例

	ctx := testutil.TestContextWithTimeout(t, 5*time.Second)
	path := testutil.WriteConfig(t, testutil.QuietConfig())
*/
package testutil
