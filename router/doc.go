/*
包 router 实现命令执行管线与后台插件调度。

# 执行管线

Router.Execute 按固定顺序处理一次调用：分配 requestId → 在注册表快照上解析
命令（前缀、配置别名、精确名、声明别名，失败时附带建议）→ 按 Schema 校验参数
并填充默认值 → 构建 ExecutionContext → 按注册顺序运行中间件插件（可短路）→
beforeExecution 钩子 → 执行处理器（恢复 panic）→ 成功时依次运行 onSuccess 与
afterExecution 钩子，失败时运行 onError 钩子 → 错误分类、指标与 span。

钩子先在中间件插件（全局）上运行，再在命令所属插件上运行；钩子的错误与 panic
只记录日志，不改变执行结果。未类型化的错误统一为 INTERNAL_EXECUTION_ERROR，
仅在 server.debug 打开时暴露原因。

# 调度

Scheduler 基于 robfig/cron 按 Schedule() 运行 Active 的后台插件；每次运行独立
恢复 panic，停止时等待运行中的任务并卸载插件（触发 Cleanup）。
*/
package router
