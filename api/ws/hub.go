package ws

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/BaSui01/commandflow/api"
	"github.com/BaSui01/commandflow/api/handlers"
	"github.com/BaSui01/commandflow/internal/ratelimit"
	"github.com/BaSui01/commandflow/router"
	"github.com/BaSui01/commandflow/types"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// 🔌 双工连接 Hub
// =============================================================================

// ErrHubClosed is returned by Shutdown when called twice.
var ErrHubClosed = errors.New("duplex hub closed")

// Executor runs commands; *router.Router satisfies it.
type Executor interface {
	Execute(ctx context.Context, req router.Request) *router.Result
}

// MetricsRecorder observes duplex traffic.
type MetricsRecorder interface {
	DuplexConnected()
	DuplexDisconnected()
	RecordDuplexMessage(direction, msgType string)
}

// Config 双工通道配置
type Config struct {
	// HeartbeatInterval 心跳扫描间隔，<=0 时不扫描
	HeartbeatInterval time.Duration
	// ShutdownGrace 关闭时等待排队任务的最长时间
	ShutdownGrace time.Duration
	// QueueSize 每连接待处理消息上限
	QueueSize int
	// WriteTimeout 单条消息写超时
	WriteTimeout time.Duration
	// ReadLimit 单条消息字节上限
	ReadLimit int64
	// AllowedOrigins 允许的 Origin（完整 URL、主机名或 "*"）
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	return c
}

// Hub 管理所有双工连接
type Hub struct {
	executor Executor
	cfg      Config
	limiter  ratelimit.Limiter
	keys     *ratelimit.KeyExtractor
	metrics  MetricsRecorder
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[string]*client
	closing bool

	conns         sync.WaitGroup
	heartbeatDone chan struct{}
	now           func() time.Time
}

// Option configures a Hub.
type Option func(*Hub)

// WithRateLimiter 对双工命令应用与 HTTP 相同的限流器
func WithRateLimiter(l ratelimit.Limiter, keys *ratelimit.KeyExtractor) Option {
	return func(h *Hub) {
		h.limiter = l
		h.keys = keys
	}
}

// WithMetrics 设置指标记录器
func WithMetrics(m MetricsRecorder) Option {
	return func(h *Hub) { h.metrics = m }
}

// NewHub creates a Hub and starts its heartbeat sweep.
func NewHub(executor Executor, cfg Config, logger *zap.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		executor:      executor,
		cfg:           cfg.withDefaults(),
		keys:          ratelimit.NewKeyExtractor(""),
		logger:        logger.With(zap.String("component", "duplex")),
		ctx:           ctx,
		cancel:        cancel,
		clients:       make(map[string]*client),
		heartbeatDone: make(chan struct{}),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.keys == nil {
		h.keys = ratelimit.NewKeyExtractor("")
	}

	if h.cfg.HeartbeatInterval > 0 {
		go h.heartbeatLoop()
	} else {
		close(h.heartbeatDone)
	}
	return h
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closing := h.closing
	if !closing {
		h.conns.Add(1)
	}
	h.mu.Unlock()
	if closing {
		handlers.WriteError(w, types.NewServiceUnavailableError("server is shutting down"), h.logger)
		return
	}
	defer h.conns.Done()

	clientKey := h.keys.Key(r)
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(h.cfg.AllowedOrigins),
	})
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(h.cfg.ReadLimit)

	c := newClient(h, conn, clientKey)
	if !h.register(c) {
		c.cancel()
		_ = conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	defer h.unregister(c)

	c.logger.Info("duplex client connected", zap.String("remote_addr", r.RemoteAddr))
	c.send(api.WelcomeMessage{Type: api.MessageWelcome, ClientID: c.id})

	go c.work()
	c.read()

	// 读循环结束：停止接收，等待 worker 退出
	c.closeQueue()
	c.cancel()
	<-c.drained
	_ = conn.CloseNow()
	c.logger.Info("duplex client disconnected")
}

// register 在 Shutdown 开始后返回 false
func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return false
	}
	h.clients[c.id] = c
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.DuplexConnected()
	}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.DuplexDisconnected()
	}
}

func (h *Hub) snapshot() []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) recordMessage(direction string, t api.MessageType) {
	if h.metrics != nil {
		h.metrics.RecordDuplexMessage(direction, string(t))
	}
}

// =============================================================================
// 💓 心跳
// =============================================================================

func (h *Hub) heartbeatLoop() {
	defer close(h.heartbeatDone)
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep 终止上一轮探测后无任何响应的连接，其余连接标记为待确认并再次探测
func (h *Hub) sweep() {
	for _, c := range h.snapshot() {
		if c.pending.Load() {
			c.logger.Info("duplex client missed heartbeat, terminating")
			_ = c.conn.CloseNow()
			continue
		}
		c.pending.Store(true)
		go c.probe(h.cfg.HeartbeatInterval)
	}
}

// =============================================================================
// 🛑 关闭
// =============================================================================

// Shutdown refuses new connections, notifies every client, waits for queued
// work up to the grace period and closes the remaining connections.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return ErrHubClosed
	}
	h.closing = true
	h.mu.Unlock()

	clients := h.snapshot()
	h.logger.Info("shutting down duplex hub", zap.Int("clients", len(clients)))

	for _, c := range clients {
		c.send(api.ServerShutdownMessage{Type: api.MessageServerShutdown, Message: "server is shutting down"})
		c.closeQueue()
	}

	graceCtx, cancel := context.WithTimeout(ctx, h.cfg.ShutdownGrace)
	defer cancel()

	var errs []error
	for _, c := range clients {
		select {
		case <-c.drained:
		case <-graceCtx.Done():
			c.logger.Warn("queued work did not finish within grace period")
			c.cancel()
		}
	}
	var closing sync.WaitGroup
	for _, c := range clients {
		closing.Add(1)
		go func() {
			defer closing.Done()
			_ = c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}()
	}
	closing.Wait()

	h.cancel()
	<-h.heartbeatDone

	done := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		for _, c := range h.snapshot() {
			_ = c.conn.CloseNow()
		}
		errs = append(errs, ctx.Err())
	}

	h.logger.Info("duplex hub stopped")
	return errors.Join(errs...)
}

// originPatterns 将配置中的 Origin 转为 websocket 库使用的主机模式
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}

func newClientID() string {
	return uuid.NewString()
}
