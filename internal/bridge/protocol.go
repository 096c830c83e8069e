package bridge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/BaSui01/commandflow/types"
)

// =============================================================================
// 📨 线协议 v1：换行分隔的 JSON 信封
// =============================================================================

// ProtocolVersion 当前线协议版本
const ProtocolVersion = 1

// OpPing 保留的存活探测操作
const OpPing = "ping"

// maxFrameSize 单帧上限
const maxFrameSize = 16 << 20

// Request 发往辅助运行时的请求信封
type Request struct {
	V         int             `json:"v"`
	ID        string          `json:"id"`
	Op        string          `json:"op"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TimeoutMS int64           `json:"timeout_ms"`
}

// Response 辅助运行时返回的响应信封
type Response struct {
	V      int             `json:"v"`
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
}

// RemoteError 辅助运行时报告的失败
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("bridge remote error [%s]: %s", e.Code, e.Message)
}

// asError 将已知错误码映射为结构化错误，其余保持为 RemoteError
func (e *RemoteError) asError() error {
	switch code := types.ErrorCode(e.Code); code {
	case types.ErrValidation, types.ErrInvalidRequest, types.ErrCommandNotFound,
		types.ErrBridgeUnavailable, types.ErrBridgeTimeout:
		return types.NewError(code, e.Message).WithCause(e)
	default:
		return e
	}
}

// CallStatus 一次桥接调用的终态
type CallStatus string

const (
	StatusPending   CallStatus = "pending"
	StatusFulfilled CallStatus = "fulfilled"
	StatusRejected  CallStatus = "rejected"
	StatusTimedOut  CallStatus = "timed_out"
)

// frameWriter 串行化写入，每个信封占一行
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (fw *frameWriter) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	data = append(data, '\n')

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// frameReader 逐行读取信封
type frameReader struct {
	scanner *bufio.Scanner
}

func newFrameReader(r io.Reader) *frameReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxFrameSize)
	return &frameReader{scanner: s}
}

// next 返回下一帧原始字节；空行被跳过
func (fr *frameReader) next() ([]byte, error) {
	for fr.scanner.Scan() {
		line := fr.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
	if err := fr.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
