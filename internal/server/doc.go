/*
包 server 提供 HTTP 服务器生命周期管理：非阻塞启动、优雅关闭与异步错误传播。

# 核心类型

  - Manager：封装 net/http.Server 与 net.Listener，提供 Start/Shutdown/Errors。
  - Config：监听地址、读写与空闲超时、请求头上限与优雅关闭时长，
    可由 config.ServerConfig 转换得到。

信号处理与关闭顺序由 cmd/commandflow 负责：先停止后台插件与双工连接，
再调用 Manager.Shutdown，桥接与缓存最后释放。
*/
package server
