package ws

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/commandflow/api"
	"github.com/BaSui01/commandflow/api/handlers"
	"github.com/BaSui01/commandflow/router"
	"github.com/BaSui01/commandflow/types"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	errQueueFull = errors.New("too many pending messages")
	errDraining  = errors.New("connection is draining")
)

// client 单个双工连接：read 在 ServeHTTP 协程中运行，work 串行处理队列
type client struct {
	hub       *Hub
	id        string
	clientKey string
	conn      *websocket.Conn
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// 串行化写入
	writeMu sync.Mutex

	queueMu sync.Mutex
	queue   chan api.InboundMessage
	closed  bool
	drained chan struct{}

	// pending 心跳探测已发出且之后没有任何入站流量
	pending atomic.Bool
}

func newClient(h *Hub, conn *websocket.Conn, clientKey string) *client {
	ctx, cancel := context.WithCancel(h.ctx)
	id := newClientID()
	return &client{
		hub:       h,
		id:        id,
		clientKey: clientKey,
		conn:      conn,
		logger:    h.logger.With(zap.String("client_id", id)),
		ctx:       ctx,
		cancel:    cancel,
		queue:     make(chan api.InboundMessage, h.cfg.QueueSize),
		drained:   make(chan struct{}),
	}
}

// read 解码入站消息并入队，连接关闭时返回
func (c *client) read() {
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
				c.logger.Debug("duplex read failed", zap.Error(err))
			}
			return
		}
		c.pending.Store(false)

		if typ != websocket.MessageText {
			c.sendError("", types.NewError(types.ErrInvalidRequest, "binary messages are not supported"))
			continue
		}
		var msg api.InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("", types.NewError(types.ErrInvalidRequest, "malformed message: "+err.Error()))
			continue
		}
		switch msg.Type {
		case api.MessageCommand, api.MessagePing:
			c.hub.recordMessage("in", msg.Type)
		default:
			c.hub.recordMessage("in", "unknown")
			c.sendError(msg.RequestID, types.NewError(types.ErrInvalidRequest, "unknown message type").
				WithDetail("type", string(msg.Type)))
			continue
		}

		if err := c.enqueue(msg); err != nil {
			c.sendError(msg.RequestID, types.NewError(types.ErrInvalidRequest, err.Error()))
		}
	}
}

func (c *client) enqueue(msg api.InboundMessage) error {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if c.closed {
		return errDraining
	}
	select {
	case c.queue <- msg:
		return nil
	default:
		return errQueueFull
	}
}

func (c *client) closeQueue() {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
}

// work 按到达顺序处理消息，保证同一连接上结果有序
func (c *client) work() {
	defer close(c.drained)
	for msg := range c.queue {
		if c.ctx.Err() != nil {
			continue
		}
		switch msg.Type {
		case api.MessagePing:
			c.send(api.NewPong(c.hub.now()))
		case api.MessageCommand:
			c.send(c.execute(msg))
		}
	}
}

func (c *client) execute(msg api.InboundMessage) api.CommandResultMessage {
	ctx := types.WithClientKey(c.ctx, c.clientKey)
	ctx = types.WithOrigin(ctx, types.OriginDuplex)

	if c.hub.limiter != nil {
		start := time.Now()
		decision, err := c.hub.limiter.Allow(ctx, c.clientKey)
		switch {
		case err != nil:
			// 限流后端故障时放行
			c.logger.Warn("rate limiter unavailable", zap.Error(err))
		case !decision.Allowed:
			apiErr, _ := types.AsError(decision.Err())
			return api.CommandResultMessage{
				Type:      api.MessageCommandResult,
				RequestID: msg.RequestID,
				Error:     handlers.NewErrorInfo(apiErr),
				Metadata: &handlers.Metadata{
					ProcessingTime: float64(time.Since(start).Microseconds()) / 1000,
					RequestID:      uuid.NewString(),
				},
			}
		}
	}

	caller := make(map[string]any, len(msg.Context)+1)
	maps.Copy(caller, msg.Context)
	caller["clientId"] = c.id

	res := c.hub.executor.Execute(ctx, router.Request{
		Command:    msg.Command,
		Parameters: msg.Parameters,
		Context:    caller,
		Origin:     types.OriginDuplex,
	})

	out := api.CommandResultMessage{
		Type:      api.MessageCommandResult,
		RequestID: msg.RequestID,
		Success:   res.Success(),
		Metadata:  &handlers.Metadata{ProcessingTime: res.ProcessingTimeMS(), RequestID: res.RequestID},
	}
	if res.Success() {
		out.Data = res.Data
	} else {
		out.Error = handlers.NewErrorInfo(res.Err)
	}
	return out
}

// probe 发送 WebSocket ping；收到 pong 视为活跃
func (c *client) probe(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()
	if err := c.conn.Ping(ctx); err == nil {
		c.pending.Store(false)
	}
}

func (c *client) sendError(requestID string, err *types.Error) {
	c.send(api.ErrorMessage{Type: api.MessageError, RequestID: requestID, Error: handlers.NewErrorInfo(err)})
}

func (c *client) send(msg any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.hub.cfg.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c.conn, msg); err != nil {
		c.logger.Debug("duplex write failed", zap.Error(err))
		return
	}
	c.hub.recordMessage("out", messageType(msg))
}

func messageType(msg any) api.MessageType {
	switch m := msg.(type) {
	case api.WelcomeMessage:
		return m.Type
	case api.CommandResultMessage:
		return m.Type
	case api.PongMessage:
		return m.Type
	case api.ServerShutdownMessage:
		return m.Type
	case api.ErrorMessage:
		return m.Type
	}
	return "unknown"
}
