package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/commandflow/config"
	"github.com/BaSui01/commandflow/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// =============================================================================
// 🌉 Bridge
// =============================================================================

// ErrBridgeClosed Shutdown 之后的调用
var ErrBridgeClosed = errors.New("bridge is shut down")

// QueuePolicy 超出并发上限时的行为
type QueuePolicy string

const (
	QueuePolicyQueue    QueuePolicy = "queue"
	QueuePolicyFailFast QueuePolicy = "fail_fast"
)

// MetricsRecorder 接收每次调用的观测数据
type MetricsRecorder interface {
	RecordBridgeCall(op, outcome string, duration time.Duration)
}

// Config Bridge 运行参数
type Config struct {
	Timeout           time.Duration
	MaxConcurrency    int
	QueuePolicy       QueuePolicy
	ReconnectInterval time.Duration
	ShutdownGrace     time.Duration
}

// ConfigFrom 从 bridge.* 配置构造
func ConfigFrom(c config.BridgeConfig) Config {
	return Config{
		Timeout:           c.Timeout(),
		MaxConcurrency:    c.MaxConcurrency,
		QueuePolicy:       QueuePolicy(c.QueuePolicy),
		ReconnectInterval: c.ReconnectInterval,
		ShutdownGrace:     c.ShutdownGrace,
	}
}

// DialerFrom 按 bridge.command 是否为空选择 process 或 tcp 传输
func DialerFrom(c config.BridgeConfig, logger *zap.Logger) Dialer {
	if c.Command != "" {
		return &ProcessDialer{Command: c.Command, Args: c.Args, Logger: logger}
	}
	return &TCPDialer{Addr: c.Address()}
}

// CallOption 单次调用选项
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithTimeout 覆盖默认调用超时
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = d
	}
}

// Option 配置 Bridge
type Option func(*Bridge)

// WithMetrics 设置指标记录器
func WithMetrics(m MetricsRecorder) Option {
	return func(b *Bridge) {
		b.metrics = m
	}
}

type pendingCall struct {
	ch   chan *Response
	conn *connection
}

type connection struct {
	rwc    io.ReadWriteCloser
	writer *frameWriter
	since  time.Time
}

// Bridge 关联请求与响应，限制并发，并在连接断开时按节流策略重连。
// 同一 correlation id 至多接受一个响应，迟到或重复的响应被丢弃。
type Bridge struct {
	cfg     Config
	dialer  Dialer
	sem     *semaphore.Weighted
	redial  *rate.Limiter
	metrics MetricsRecorder
	logger  *zap.Logger

	// lifetime 在强制关闭时取消，等待信号量或响应的调用随之结束
	lifetime context.Context
	kill     context.CancelFunc

	dialMu sync.Mutex

	mu      sync.Mutex
	conn    *connection
	pending map[string]*pendingCall
	closing bool
	closed  bool
	lastErr error

	inFlight atomic.Int64
	calls    sync.WaitGroup
}

// New 创建 Bridge；连接在首次调用时建立
func New(cfg Config, dialer Dialer, logger *zap.Logger, opts ...Option) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.QueuePolicy == "" {
		cfg.QueuePolicy = QueuePolicyQueue
	}

	lifetime, kill := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:      cfg,
		dialer:   dialer,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		redial:   rate.NewLimiter(rate.Every(cfg.ReconnectInterval), 1),
		logger:   logger.With(zap.String("component", "bridge")),
		lifetime: lifetime,
		kill:     kill,
		pending:  make(map[string]*pendingCall),
	}
	if cfg.ReconnectInterval <= 0 {
		b.redial = rate.NewLimiter(rate.Inf, 1)
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Transport 返回传输类型
func (b *Bridge) Transport() string {
	return b.dialer.Name()
}

// Call 发送一次请求并等待对应响应。
// 超时返回 BRIDGE_TIMEOUT；连接不可用、容量已满或已关闭返回 BRIDGE_UNAVAILABLE。
func (b *Bridge) Call(ctx context.Context, op string, payload any, opts ...CallOption) (json.RawMessage, error) {
	start := time.Now()
	result, outcome, err := b.call(ctx, op, payload, opts...)
	if b.metrics != nil {
		b.metrics.RecordBridgeCall(op, outcome, time.Since(start))
	}
	return result, err
}

func (b *Bridge) call(ctx context.Context, op string, payload any, opts ...CallOption) (json.RawMessage, string, error) {
	o := callOptions{timeout: b.cfg.Timeout}
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return nil, "invalid", types.NewValidationError("payload", err.Error())
	}

	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return nil, "unavailable", types.NewBridgeUnavailableError("bridge is shutting down", ErrBridgeClosed)
	}
	b.calls.Add(1)
	b.mu.Unlock()
	defer b.calls.Done()

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	stop := context.AfterFunc(b.lifetime, cancel)
	defer stop()

	// 等待并发槽位的时间计入调用超时
	if b.cfg.QueuePolicy == QueuePolicyFailFast {
		if !b.sem.TryAcquire(1) {
			return nil, "unavailable", types.NewBridgeUnavailableError("bridge at capacity", nil)
		}
	} else if err := b.sem.Acquire(callCtx, 1); err != nil {
		outcome, err := b.classifyDone(ctx, op, o.timeout)
		return nil, outcome, err
	}
	defer b.sem.Release(1)

	b.inFlight.Add(1)
	defer b.inFlight.Add(-1)

	conn, err := b.ensureConn(callCtx)
	if err != nil {
		return nil, "unavailable", err
	}

	id := uuid.NewString()
	ch := make(chan *Response, 1)

	b.mu.Lock()
	b.pending[id] = &pendingCall{ch: ch, conn: conn}
	b.mu.Unlock()
	defer b.retire(id)

	req := Request{
		V:         ProtocolVersion,
		ID:        id,
		Op:        op,
		Payload:   raw,
		TimeoutMS: remainingMS(callCtx),
	}
	// 对端不再读取时写入会一直阻塞；超时或关闭时断开连接以解除阻塞
	stopWrite := context.AfterFunc(callCtx, func() {
		b.markBroken(conn, fmt.Errorf("write to bridge stalled: %w", callCtx.Err()))
	})
	err = conn.writer.write(req)
	stopWrite()
	if err != nil {
		b.markBroken(conn, err)
		if callCtx.Err() != nil {
			outcome, err := b.classifyDone(ctx, op, o.timeout)
			return nil, outcome, err
		}
		return nil, "unavailable", types.NewBridgeUnavailableError("bridge write failed", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, "unavailable", types.NewBridgeUnavailableError("bridge connection lost", b.LastError())
		}
		if !resp.OK {
			remote := resp.Error
			if remote == nil {
				remote = &RemoteError{Code: "UNKNOWN", Message: "bridge reported failure without detail"}
			}
			return nil, string(StatusRejected), remote.asError()
		}
		return resp.Result, string(StatusFulfilled), nil
	case <-callCtx.Done():
		outcome, err := b.classifyDone(ctx, op, o.timeout)
		return nil, outcome, err
	}
}

// classifyDone 区分调用超时、调用方取消与 Bridge 关闭
func (b *Bridge) classifyDone(parent context.Context, op string, timeout time.Duration) (string, error) {
	switch {
	case b.lifetime.Err() != nil:
		return "unavailable", types.NewBridgeUnavailableError("bridge shut down before response", ErrBridgeClosed)
	case parent.Err() != nil:
		return "canceled", parent.Err()
	default:
		b.logger.Warn("bridge call timed out",
			zap.String("op", op),
			zap.Duration("timeout", timeout))
		return string(StatusTimedOut), types.NewBridgeTimeoutError(op, timeout.Milliseconds())
	}
}

// retire 移除 correlation id，此后到达的响应会被丢弃
func (b *Bridge) retire(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// ensureConn 惰性建立连接；重连受 reconnect_interval 节流
func (b *Bridge) ensureConn(ctx context.Context) (*connection, error) {
	b.mu.Lock()
	if c := b.conn; c != nil {
		b.mu.Unlock()
		return c, nil
	}
	b.mu.Unlock()

	b.dialMu.Lock()
	defer b.dialMu.Unlock()

	b.mu.Lock()
	if c := b.conn; c != nil {
		b.mu.Unlock()
		return c, nil
	}
	b.mu.Unlock()

	if !b.redial.Allow() {
		return nil, types.NewBridgeUnavailableError("bridge reconnect throttled", b.LastError())
	}

	rwc, err := b.dialer.Dial(ctx)
	if err != nil {
		b.setLastErr(err)
		b.logger.Warn("bridge dial failed", zap.String("transport", b.dialer.Name()), zap.Error(err))
		return nil, types.NewBridgeUnavailableError("bridge unreachable", err)
	}

	c := &connection{rwc: rwc, writer: &frameWriter{w: rwc}, since: time.Now()}

	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		_ = rwc.Close()
		return nil, types.NewBridgeUnavailableError("bridge is shutting down", ErrBridgeClosed)
	}
	b.conn = c
	b.lastErr = nil
	b.mu.Unlock()

	go b.readLoop(c)

	b.logger.Info("bridge connected", zap.String("transport", b.dialer.Name()))
	return c, nil
}

// readLoop 读取响应并按 id 投递
func (b *Bridge) readLoop(c *connection) {
	reader := newFrameReader(c.rwc)
	for {
		frame, err := reader.next()
		if err != nil {
			b.markBroken(c, err)
			return
		}

		var resp Response
		if err := json.Unmarshal(frame, &resp); err != nil {
			b.logger.Warn("dropping malformed bridge frame", zap.Error(err))
			continue
		}
		if resp.V != ProtocolVersion {
			b.logger.Warn("dropping bridge frame with unsupported version", zap.Int("v", resp.V))
			continue
		}
		b.deliver(c, &resp)
	}
}

func (b *Bridge) deliver(c *connection, resp *Response) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[resp.ID]
	if !ok || p.conn != c {
		b.logger.Debug("dropping response for unknown or retired id", zap.String("id", resp.ID))
		return
	}
	delete(b.pending, resp.ID)
	p.ch <- resp
}

// markBroken 丢弃连接，并让该连接上所有等待中的调用失败
func (b *Bridge) markBroken(c *connection, cause error) {
	b.mu.Lock()
	if b.conn == c {
		b.conn = nil
		if !errors.Is(cause, io.EOF) || b.lastErr == nil {
			b.lastErr = cause
		}
	}
	failed := 0
	for id, p := range b.pending {
		if p.conn == c {
			close(p.ch)
			delete(b.pending, id)
			failed++
		}
	}
	closing := b.closing
	b.mu.Unlock()

	_ = c.rwc.Close()
	if !closing {
		b.logger.Warn("bridge connection lost",
			zap.Error(cause),
			zap.Int("failed_calls", failed))
	}
}

func (b *Bridge) setLastErr(err error) {
	b.mu.Lock()
	b.lastErr = err
	b.mu.Unlock()
}

// LastError 返回最近一次连接错误
func (b *Bridge) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// =============================================================================
// 🏥 健康检查
// =============================================================================

// Health Bridge 状态快照
type Health struct {
	State     string     `json:"state"`
	Connected bool       `json:"connected"`
	Transport string     `json:"transport"`
	InFlight  int64      `json:"in_flight"`
	Since     *time.Time `json:"connected_since,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// HealthCheck 报告连接状态，不产生任何 I/O
func (b *Bridge) HealthCheck(_ context.Context) Health {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := Health{
		Transport: b.dialer.Name(),
		InFlight:  b.inFlight.Load(),
	}
	switch {
	case b.closed:
		h.State = "closed"
	case b.closing:
		h.State = "closing"
	case b.conn != nil:
		h.State = "connected"
		h.Connected = true
		since := b.conn.since
		h.Since = &since
	default:
		h.State = "disconnected"
	}
	if b.lastErr != nil {
		h.LastError = b.lastErr.Error()
	}
	return h
}

// ConnectionTest ping 往返结果
type ConnectionTest struct {
	OK        bool    `json:"ok"`
	LatencyMS float64 `json:"latency_ms"`
	Transport string  `json:"transport"`
	Error     string  `json:"error,omitempty"`
}

// TestConnection 执行一次 ping 往返；不记录调用指标
func (b *Bridge) TestConnection(ctx context.Context) ConnectionTest {
	start := time.Now()
	_, _, err := b.call(ctx, OpPing, nil)
	t := ConnectionTest{
		LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
		Transport: b.dialer.Name(),
	}
	if err != nil {
		t.Error = err.Error()
		return t
	}
	t.OK = true
	return t
}

// =============================================================================
// 🛑 关闭
// =============================================================================

// Shutdown 拒绝新调用，等待在途调用至多 ShutdownGrace，
// 之后让剩余调用失败并关闭连接（process 传输会终止子进程）
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return nil
	}
	b.closing = true
	b.mu.Unlock()

	b.logger.Info("bridge shutting down", zap.Int64("in_flight", b.inFlight.Load()))

	drained := make(chan struct{})
	go func() {
		b.calls.Wait()
		close(drained)
	}()

	var forced bool
	grace := time.NewTimer(b.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-drained:
	case <-grace.C:
		forced = true
	case <-ctx.Done():
		forced = true
	}

	b.kill()

	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	for id, p := range b.pending {
		close(p.ch)
		delete(b.pending, id)
	}
	b.lastErr = ErrBridgeClosed
	b.closed = true
	b.mu.Unlock()

	// 先关闭连接，阻塞在写入上的调用才能返回
	var closeErr error
	if conn != nil {
		closeErr = conn.rwc.Close()
	}

	<-drained

	if forced {
		b.logger.Warn("bridge shutdown grace expired, remaining calls failed")
	}
	b.logger.Info("bridge stopped")
	return closeErr
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return p, nil
	default:
		return json.Marshal(p)
	}
}

func remainingMS(ctx context.Context) int64 {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	ms := time.Until(deadline).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}
