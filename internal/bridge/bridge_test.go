package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/commandflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

type replyFunc func(Response)

// startRuntime 启动一个 TCP 假运行时，每个请求在独立 goroutine 中交给 handler
func startRuntime(t *testing.T, handler func(req Request, reply replyFunc)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, handler)
		}
	}()
	return ln.Addr().String()
}

func serveConn(conn net.Conn, handler func(req Request, reply replyFunc)) {
	defer conn.Close()
	w := &frameWriter{w: conn}
	r := newFrameReader(conn)
	for {
		frame, err := r.next()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(frame, &req); err != nil {
			return
		}
		go handler(req, func(resp Response) { _ = w.write(resp) })
	}
}

func echo(req Request, reply replyFunc) {
	reply(Response{V: ProtocolVersion, ID: req.ID, OK: true, Result: req.Payload})
}

func newTestBridge(t *testing.T, addr string, mutate func(*Config), opts ...Option) *Bridge {
	t.Helper()
	cfg := Config{
		Timeout:           time.Second,
		MaxConcurrency:    4,
		QueuePolicy:       QueuePolicyQueue,
		ReconnectInterval: 50 * time.Millisecond,
		ShutdownGrace:     200 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	b := New(cfg, &TCPDialer{Addr: addr}, zaptest.NewLogger(t), opts...)
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })
	return b
}

type recordingMetrics struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingMetrics) RecordBridgeCall(op, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, op+":"+outcome)
}

func (r *recordingMetrics) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// =============================================================================
// 🎯 调用语义
// =============================================================================

func TestBridge_CallRoundTrip(t *testing.T) {
	addr := startRuntime(t, echo)
	rec := &recordingMetrics{}
	b := newTestBridge(t, addr, nil, WithMetrics(rec))

	result, err := b.Call(context.Background(), "parse", map[string]string{"content": "# hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":"# hi"}`, string(result))
	assert.Equal(t, []string{"parse:fulfilled"}, rec.snapshot())
	assert.Equal(t, "tcp", b.Transport())
}

func TestBridge_RequestEnvelope(t *testing.T) {
	got := make(chan Request, 1)
	addr := startRuntime(t, func(req Request, reply replyFunc) {
		got <- req
		echo(req, reply)
	})
	b := newTestBridge(t, addr, nil)

	_, err := b.Call(context.Background(), "update", nil, WithTimeout(500*time.Millisecond))
	require.NoError(t, err)

	req := <-got
	assert.Equal(t, ProtocolVersion, req.V)
	assert.Equal(t, "update", req.Op)
	assert.NotEmpty(t, req.ID)
	assert.Positive(t, req.TimeoutMS)
	assert.LessOrEqual(t, req.TimeoutMS, int64(500))
}

func TestBridge_RemoteErrors(t *testing.T) {
	addr := startRuntime(t, func(req Request, reply replyFunc) {
		var code string
		_ = json.Unmarshal(req.Payload, &code)
		reply(Response{V: ProtocolVersion, ID: req.ID, OK: false, Error: &RemoteError{Code: code, Message: "nope"}})
	})
	b := newTestBridge(t, addr, nil)
	ctx := context.Background()

	_, err := b.Call(ctx, "parse", "VALIDATION_ERROR")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrValidation))

	_, err = b.Call(ctx, "parse", "FETCH_FAILED")
	require.Error(t, err)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "FETCH_FAILED", remote.Code)
}

func TestBridge_InvalidPayload(t *testing.T) {
	b := New(Config{}, DialerFunc(func(context.Context) (io.ReadWriteCloser, error) {
		return nil, errors.New("should not dial")
	}), nil)
	_, err := b.Call(context.Background(), "parse", []byte("{broken"))
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestBridge_TimeoutWithinBound(t *testing.T) {
	addr := startRuntime(t, func(Request, replyFunc) {})
	rec := &recordingMetrics{}
	b := newTestBridge(t, addr, nil, WithMetrics(rec))

	const timeout = 100 * time.Millisecond
	start := time.Now()
	_, err := b.Call(context.Background(), "parse", nil, WithTimeout(timeout))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrBridgeTimeout))
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+250*time.Millisecond)
	assert.Equal(t, []string{"parse:timed_out"}, rec.snapshot())

	b.mu.Lock()
	assert.Empty(t, b.pending, "timed out id must be retired")
	b.mu.Unlock()
}

func TestBridge_LateResponseDropped(t *testing.T) {
	addr := startRuntime(t, func(req Request, reply replyFunc) {
		if req.Op == "slow" {
			time.Sleep(150 * time.Millisecond)
		}
		echo(req, reply)
	})
	b := newTestBridge(t, addr, nil)
	ctx := context.Background()

	_, err := b.Call(ctx, "slow", nil, WithTimeout(50*time.Millisecond))
	require.True(t, types.IsCode(err, types.ErrBridgeTimeout))

	time.Sleep(150 * time.Millisecond)

	result, err := b.Call(ctx, "fast", "ok")
	require.NoError(t, err)
	assert.JSONEq(t, `"ok"`, string(result))
}

func TestBridge_DuplicateResponseDropped(t *testing.T) {
	addr := startRuntime(t, func(req Request, reply replyFunc) {
		reply(Response{V: ProtocolVersion, ID: req.ID, OK: true, Result: json.RawMessage(`"first"`)})
		reply(Response{V: ProtocolVersion, ID: req.ID, OK: true, Result: json.RawMessage(`"second"`)})
	})
	b := newTestBridge(t, addr, nil)

	for i := 0; i < 3; i++ {
		result, err := b.Call(context.Background(), "parse", nil)
		require.NoError(t, err)
		assert.JSONEq(t, `"first"`, string(result))
	}
}

func TestBridge_UnknownVersionDropped(t *testing.T) {
	addr := startRuntime(t, func(req Request, reply replyFunc) {
		reply(Response{V: 2, ID: req.ID, OK: true})
	})
	b := newTestBridge(t, addr, nil)

	_, err := b.Call(context.Background(), "parse", nil, WithTimeout(80*time.Millisecond))
	assert.True(t, types.IsCode(err, types.ErrBridgeTimeout))
}

func TestBridge_CorrelationIDsUnique(t *testing.T) {
	var (
		mu  sync.Mutex
		ids = map[string]int{}
	)
	addr := startRuntime(t, func(req Request, reply replyFunc) {
		mu.Lock()
		ids[req.ID]++
		mu.Unlock()
		echo(req, reply)
	})
	b := newTestBridge(t, addr, func(c *Config) { c.MaxConcurrency = 8 })

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := b.Call(context.Background(), "parse", i)
			assert.NoError(t, err)
			assert.JSONEq(t, fmt.Sprint(i), string(result))
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, ids, 64)
	for id, n := range ids {
		assert.Equal(t, 1, n, id)
	}
}

// =============================================================================
// 🚦 并发控制
// =============================================================================

func TestBridge_FailFastAtCapacity(t *testing.T) {
	release := make(chan struct{})
	addr := startRuntime(t, func(req Request, reply replyFunc) {
		<-release
		echo(req, reply)
	})
	b := newTestBridge(t, addr, func(c *Config) {
		c.MaxConcurrency = 1
		c.QueuePolicy = QueuePolicyFailFast
	})

	done := make(chan error, 1)
	go func() {
		_, err := b.Call(context.Background(), "parse", nil)
		done <- err
	}()
	require.Eventually(t, func() bool {
		return b.HealthCheck(context.Background()).InFlight == 1
	}, time.Second, 5*time.Millisecond)

	_, err := b.Call(context.Background(), "parse", nil)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrBridgeUnavailable))
	assert.Contains(t, err.Error(), "bridge at capacity")

	close(release)
	assert.NoError(t, <-done)
}

func TestBridge_QueueWaitsForSlot(t *testing.T) {
	var concurrent, peak atomic.Int32
	addr := startRuntime(t, func(req Request, reply replyFunc) {
		n := concurrent.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		concurrent.Add(-1)
		echo(req, reply)
	})
	b := newTestBridge(t, addr, func(c *Config) { c.MaxConcurrency = 2 })

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Call(context.Background(), "parse", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestBridge_QueueWaitCountsAgainstTimeout(t *testing.T) {
	addr := startRuntime(t, func(req Request, reply replyFunc) {
		time.Sleep(300 * time.Millisecond)
		echo(req, reply)
	})
	b := newTestBridge(t, addr, func(c *Config) { c.MaxConcurrency = 1 })

	go func() { _, _ = b.Call(context.Background(), "hold", nil) }()
	require.Eventually(t, func() bool {
		return b.HealthCheck(context.Background()).InFlight == 1
	}, time.Second, 5*time.Millisecond)

	start := time.Now()
	_, err := b.Call(context.Background(), "queued", nil, WithTimeout(100*time.Millisecond))
	assert.True(t, types.IsCode(err, types.ErrBridgeTimeout))
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestBridge_CallerCancellation(t *testing.T) {
	addr := startRuntime(t, func(Request, replyFunc) {})
	b := newTestBridge(t, addr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := b.Call(ctx, "parse", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// 🔌 连接管理
// =============================================================================

// pipeDialer 每次 Dial 返回 net.Pipe 的一端，另一端交给测试
type pipeDialer struct {
	mu    sync.Mutex
	dials int
	peers chan net.Conn
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{peers: make(chan net.Conn, 4)}
}

func (d *pipeDialer) Name() string { return "pipe" }

func (d *pipeDialer) Dial(context.Context) (io.ReadWriteCloser, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	client, server := net.Pipe()
	d.peers <- server
	return client, nil
}

func (d *pipeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func TestBridge_LazyDialAndHealthWithoutIO(t *testing.T) {
	d := newPipeDialer()
	b := New(Config{Timeout: time.Second}, d, nil)
	defer b.Shutdown(context.Background())

	h := b.HealthCheck(context.Background())
	assert.Equal(t, "disconnected", h.State)
	assert.False(t, h.Connected)
	assert.Equal(t, "pipe", h.Transport)
	assert.Equal(t, 0, d.count(), "health check must not dial")
}

func TestBridge_ConnectionLossFailsPending(t *testing.T) {
	d := newPipeDialer()
	b := New(Config{Timeout: 2 * time.Second, MaxConcurrency: 4, ReconnectInterval: time.Hour}, d, zaptest.NewLogger(t))
	defer b.Shutdown(context.Background())

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := b.Call(context.Background(), "parse", nil)
			errs <- err
		}()
	}

	peer := <-d.peers
	reader := bufio.NewReader(peer)
	for i := 0; i < 2; i++ {
		_, err := reader.ReadBytes('\n')
		require.NoError(t, err)
	}
	require.NoError(t, peer.Close())

	for i := 0; i < 2; i++ {
		err := <-errs
		require.Error(t, err)
		assert.True(t, types.IsCode(err, types.ErrBridgeUnavailable))
	}

	h := b.HealthCheck(context.Background())
	assert.Equal(t, "disconnected", h.State)
	assert.NotEmpty(t, h.LastError)
}

func TestBridge_RedialThrottled(t *testing.T) {
	d := newPipeDialer()
	b := New(Config{Timeout: 200 * time.Millisecond, MaxConcurrency: 1, ReconnectInterval: 100 * time.Millisecond}, d, nil)
	defer b.Shutdown(context.Background())

	go func() {
		peer := <-d.peers
		_ = peer.Close()
	}()
	_, err := b.Call(context.Background(), "parse", nil)
	require.True(t, types.IsCode(err, types.ErrBridgeUnavailable))
	require.Equal(t, 1, d.count())

	_, err = b.Call(context.Background(), "parse", nil)
	require.True(t, types.IsCode(err, types.ErrBridgeUnavailable))
	assert.Contains(t, err.Error(), "throttled")
	assert.Equal(t, 1, d.count())

	time.Sleep(120 * time.Millisecond)
	go func() {
		peer := <-d.peers
		serveConn(peer, echo)
	}()
	_, err = b.Call(context.Background(), "parse", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, d.count())
}

func TestBridge_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	b := newTestBridge(t, addr, nil)
	_, err = b.Call(context.Background(), "parse", nil)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrBridgeUnavailable))
	assert.True(t, types.IsRetryable(err))
}

func TestBridge_TestConnection(t *testing.T) {
	addr := startRuntime(t, func(req Request, reply replyFunc) {
		if req.Op == OpPing {
			reply(Response{V: ProtocolVersion, ID: req.ID, OK: true, Result: json.RawMessage(`"pong"`)})
		}
	})
	rec := &recordingMetrics{}
	b := newTestBridge(t, addr, nil, WithMetrics(rec))

	res := b.TestConnection(context.Background())
	assert.True(t, res.OK)
	assert.GreaterOrEqual(t, res.LatencyMS, 0.0)
	assert.Empty(t, rec.snapshot(), "connection test must not touch call metrics")
	assert.True(t, b.HealthCheck(context.Background()).Connected)
}

// =============================================================================
// 🛑 关闭
// =============================================================================

func TestBridge_ShutdownWaitsForInFlight(t *testing.T) {
	addr := startRuntime(t, func(req Request, reply replyFunc) {
		time.Sleep(40 * time.Millisecond)
		echo(req, reply)
	})
	b := newTestBridge(t, addr, func(c *Config) { c.ShutdownGrace = time.Second })

	done := make(chan error, 1)
	go func() {
		_, err := b.Call(context.Background(), "parse", nil)
		done <- err
	}()
	require.Eventually(t, func() bool {
		return b.HealthCheck(context.Background()).InFlight == 1
	}, time.Second, 2*time.Millisecond)

	require.NoError(t, b.Shutdown(context.Background()))
	assert.NoError(t, <-done)
	assert.Equal(t, "closed", b.HealthCheck(context.Background()).State)
}

func TestBridge_ShutdownFailsRemaining(t *testing.T) {
	addr := startRuntime(t, func(Request, replyFunc) {})
	b := newTestBridge(t, addr, func(c *Config) {
		c.Timeout = 5 * time.Second
		c.ShutdownGrace = 50 * time.Millisecond
	})

	done := make(chan error, 1)
	go func() {
		_, err := b.Call(context.Background(), "parse", nil)
		done <- err
	}()
	require.Eventually(t, func() bool {
		return b.HealthCheck(context.Background()).InFlight == 1
	}, time.Second, 2*time.Millisecond)

	start := time.Now()
	_ = b.Shutdown(context.Background())
	assert.Less(t, time.Since(start), time.Second)

	err := <-done
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrBridgeUnavailable))

	_, err = b.Call(context.Background(), "parse", nil)
	assert.ErrorIs(t, err, ErrBridgeClosed)
}

func TestBridge_StalledWriteTimesOut(t *testing.T) {
	d := newPipeDialer()
	b := New(Config{Timeout: time.Second}, d, zaptest.NewLogger(t))
	defer b.Shutdown(context.Background())

	// 对端从不读取，net.Pipe 的写入会一直阻塞
	const timeout = 100 * time.Millisecond
	start := time.Now()
	_, err := b.Call(context.Background(), "parse", nil, WithTimeout(timeout))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrBridgeTimeout))
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+250*time.Millisecond)
	assert.Equal(t, "disconnected", b.HealthCheck(context.Background()).State)
}

func TestBridge_ShutdownWithStalledWrite(t *testing.T) {
	d := newPipeDialer()
	b := New(Config{Timeout: 10 * time.Second, ShutdownGrace: 100 * time.Millisecond}, d, zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() {
		_, err := b.Call(context.Background(), "parse", nil)
		done <- err
	}()
	require.Eventually(t, func() bool {
		return b.HealthCheck(context.Background()).InFlight == 1
	}, time.Second, 2*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	start := time.Now()
	_ = b.Shutdown(ctx)
	assert.Less(t, time.Since(start), time.Second)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, types.IsCode(err, types.ErrBridgeUnavailable))
	case <-time.After(time.Second):
		t.Fatal("call still blocked after shutdown")
	}
}

// =============================================================================
// 🧩 process 传输
// =============================================================================

// TestHelperProcess 作为子进程运行时扮演 stdio 运行时
func TestHelperProcess(t *testing.T) {
	if os.Getenv("COMMANDFLOW_BRIDGE_HELPER") != "1" {
		return
	}
	w := &frameWriter{w: os.Stdout}
	r := newFrameReader(os.Stdin)
	for {
		frame, err := r.next()
		if err != nil {
			os.Exit(0)
		}
		var req Request
		if err := json.Unmarshal(frame, &req); err != nil {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "handling", req.Op)
		_ = w.write(Response{V: ProtocolVersion, ID: req.ID, OK: true, Result: req.Payload})
	}
}

func TestBridge_ProcessTransport(t *testing.T) {
	t.Setenv("COMMANDFLOW_BRIDGE_HELPER", "1")

	d := &ProcessDialer{
		Command:   os.Args[0],
		Args:      []string{"-test.run=^TestHelperProcess$"},
		KillGrace: time.Second,
	}
	b := New(Config{Timeout: 5 * time.Second, MaxConcurrency: 2}, d, zaptest.NewLogger(t))

	result, err := b.Call(context.Background(), "parse", map[string]int{"n": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(result))
	assert.Equal(t, "process", b.HealthCheck(context.Background()).Transport)

	require.NoError(t, b.Shutdown(context.Background()))
}
