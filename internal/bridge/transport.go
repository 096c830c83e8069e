package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🔌 传输层
// =============================================================================

// Dialer 建立到辅助运行时的双向字节流
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
	// Name 返回传输类型: tcp, process
	Name() string
}

// DialerFunc 将函数适配为 Dialer
type DialerFunc func(ctx context.Context) (io.ReadWriteCloser, error)

func (f DialerFunc) Dial(ctx context.Context) (io.ReadWriteCloser, error) { return f(ctx) }
func (f DialerFunc) Name() string                                         { return "custom" }

// TCPDialer 通过 TCP 连接辅助运行时
type TCPDialer struct {
	Addr string
}

func (d *TCPDialer) Name() string { return "tcp" }

func (d *TCPDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.Addr, err)
	}
	return conn, nil
}

// ProcessDialer 启动子进程并通过 stdin/stdout 通信
type ProcessDialer struct {
	Command string
	Args    []string
	// KillGrace SIGTERM 之后等待退出的时间
	KillGrace time.Duration
	Logger    *zap.Logger
}

func (d *ProcessDialer) Name() string { return "process" }

func (d *ProcessDialer) Dial(_ context.Context) (io.ReadWriteCloser, error) {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// 子进程生命周期与连接一致，不绑定到单次调用的 ctx
	cmd := exec.Command(d.Command, d.Args...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	// 非 *os.File 的 Writer 由 exec 内部 goroutine 拷贝，Wait 会等拷贝结束，
	// 进程退出前写出的最后一帧不会丢失
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutW.Close()
		stderrW.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	grace := d.KillGrace
	if grace <= 0 {
		grace = 3 * time.Second
	}
	pc := &processConn{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdoutR,
		outPipe: stdoutW,
		errPipe: stderrW,
		grace:   grace,
		done:    make(chan struct{}),
		logger:  logger,
	}

	go pc.drainStderr(stderrR)
	go pc.monitor()

	logger.Info("bridge process started",
		zap.String("command", d.Command),
		zap.Int("pid", cmd.Process.Pid))
	return pc, nil
}

// processConn 把子进程的 stdio 暴露为 ReadWriteCloser
type processConn struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *io.PipeReader
	outPipe *io.PipeWriter
	errPipe *io.PipeWriter
	grace   time.Duration
	logger  *zap.Logger

	done      chan struct{}
	waitErr   error
	closeOnce sync.Once
}

func (p *processConn) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *processConn) Write(b []byte) (int, error) { return p.stdin.Write(b) }

// Close 关闭 stdin，发送 SIGTERM，超过 grace 仍未退出则 kill
func (p *processConn) Close() error {
	var err error
	p.closeOnce.Do(func() {
		_ = p.stdin.Close()
		// 无人读取时 exec 的拷贝 goroutine 会阻塞，关闭读端让 Wait 能返回
		_ = p.stdout.Close()

		select {
		case <-p.done:
			return
		default:
		}

		if sigErr := p.cmd.Process.Signal(syscall.SIGTERM); sigErr != nil && !errors.Is(sigErr, os.ErrProcessDone) {
			p.logger.Debug("SIGTERM failed, killing bridge process", zap.Error(sigErr))
			err = p.cmd.Process.Kill()
		}

		select {
		case <-p.done:
		case <-time.After(p.grace):
			p.logger.Warn("bridge process did not exit after SIGTERM, killing",
				zap.Int("pid", p.cmd.Process.Pid))
			err = p.cmd.Process.Kill()
			<-p.done
		}
	})
	return err
}

func (p *processConn) monitor() {
	p.waitErr = p.cmd.Wait()
	_ = p.outPipe.Close()
	_ = p.errPipe.Close()
	p.logger.Info("bridge process exited",
		zap.Int("exit_code", p.cmd.ProcessState.ExitCode()),
		zap.Error(p.waitErr))
	close(p.done)
}

func (p *processConn) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.logger.Debug("bridge stderr", zap.String("line", scanner.Text()))
	}
}
