/*
包 ws 在 coder/websocket 之上实现双工命令通道（GET /ws）。

每个连接由两个协程服务：读协程解码消息并放入有界 FIFO 队列，单个 worker 依次
执行，因此同一连接上的结果按到达顺序返回；不同客户端之间不保证顺序。命令与 HTTP
共用限流器，按连接建立时提取的客户端键计数。

心跳：每个 HeartbeatInterval 扫描一次。上一轮探测后既未回应 pong 也没有发送任何
消息的连接被终止，其余连接标记为待确认并发送 WebSocket ping。

关闭：Shutdown 拒绝新的升级请求（503），向所有客户端发送 server_shutdown，在
ShutdownGrace 内等待排队任务完成，然后以 StatusGoingAway 关闭连接。Hub 不负责
释放 bridge 或 cache。
*/
package ws
