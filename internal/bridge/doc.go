/*
包 bridge 实现引擎与辅助运行时之间的请求/响应桥接。

# 线协议

v1 为换行分隔的 JSON 信封：

	请求 {"v":1,"id":"<uuid>","op":"parse","payload":{...},"timeout_ms":30000}
	响应 {"v":1,"id":"<uuid>","ok":true,"result":{...}}
	     {"v":1,"id":"<uuid>","ok":false,"error":{"code":"...","message":"..."}}

op "ping" 保留用于存活探测。未知或已退役 id 的响应被丢弃。

# 传输

bridge.command 非空时启动子进程并通过 stdin/stdout 通信，否则 TCP 连接
bridge.host:bridge.port。连接在首次调用时建立，断开后让该连接上的全部
等待调用以 BRIDGE_UNAVAILABLE 失败，重连由 x/time/rate 节流。

# 并发

max_concurrency 由 x/sync/semaphore 限制（FIFO 等待）。queue 策略下等待
时间计入调用超时；fail_fast 策略下超出上限立即失败。
*/
package bridge
