package api

import (
	"time"

	"github.com/BaSui01/commandflow/api/handlers"
)

// =============================================================================
// 🔌 双工消息类型
// =============================================================================

// MessageType 消息类型
type MessageType string

const (
	// 客户端 → 服务端
	MessageCommand MessageType = "command"
	MessagePing    MessageType = "ping"

	// 服务端 → 客户端
	MessageWelcome        MessageType = "welcome"
	MessageCommandResult  MessageType = "command_result"
	MessagePong           MessageType = "pong"
	MessageServerShutdown MessageType = "server_shutdown"
	MessageError          MessageType = "error"
)

// InboundMessage 客户端消息
type InboundMessage struct {
	Type       MessageType    `json:"type"`
	Command    string         `json:"command,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	// 客户端自定义 ID，原样回显在 command_result 中
	RequestID string `json:"requestId,omitempty"`
}

// WelcomeMessage 连接建立后发送
type WelcomeMessage struct {
	Type     MessageType `json:"type"`
	ClientID string      `json:"clientId"`
}

// CommandResultMessage 命令执行结果
type CommandResultMessage struct {
	Type      MessageType         `json:"type"`
	RequestID string              `json:"requestId"`
	Success   bool                `json:"success"`
	Data      any                 `json:"data,omitempty"`
	Error     *handlers.ErrorInfo `json:"error,omitempty"`
	Metadata  *handlers.Metadata  `json:"metadata,omitempty"`
}

// PongMessage ping 的应答，Timestamp 为 Unix 毫秒
type PongMessage struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// ServerShutdownMessage 服务端关闭通知
type ServerShutdownMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// ErrorMessage 无法处理的输入
type ErrorMessage struct {
	Type      MessageType         `json:"type"`
	RequestID string              `json:"requestId,omitempty"`
	Error     *handlers.ErrorInfo `json:"error"`
}

// NewPong 构造 pong
func NewPong(now time.Time) PongMessage {
	return PongMessage{Type: MessagePong, Timestamp: now.UnixMilli()}
}
