package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/commandflow/plugins"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// =============================================================================
// ⏰ 后台插件调度
// =============================================================================

// ErrSchedulerStarted is returned by Start when called twice.
var ErrSchedulerStarted = errors.New("scheduler already started")

// JobInfo describes a scheduled background plugin.
type JobInfo struct {
	Plugin   string    `json:"plugin"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev,omitempty"`
}

// Scheduler runs Active background plugins on their cron schedules. Each run
// recovers panics and logs errors per plugin.
type Scheduler struct {
	registry *plugins.Registry
	env      plugins.Env
	cron     *cron.Cron
	logger   *zap.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a Scheduler; env is handed to every run.
func NewScheduler(registry *plugins.Registry, env plugins.Env, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "scheduler"))
	cl := cronLogger{logger: logger}
	return &Scheduler{
		registry: registry,
		env:      env,
		cron:     cron.New(cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl))),
		logger:   logger,
		entries:  make(map[string]cron.EntryID),
	}
}

// Start schedules every Active background plugin and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrSchedulerStarted
	}

	// 调度循环与请求上下文解耦，只在 Stop 时取消
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	var errs []error
	for _, p := range s.registry.Snapshot().Backgrounds() {
		bg := p.(plugins.Background)
		name := p.Metadata().Name
		id, err := s.cron.AddFunc(bg.Schedule(), func() { s.runJob(name, bg) })
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", name, err))
			continue
		}
		s.entries[name] = id
		s.logger.Info("background plugin scheduled",
			zap.String("plugin", name),
			zap.String("schedule", bg.Schedule()))
	}

	s.cron.Start()
	s.started = true
	return errors.Join(errs...)
}

// RunNow runs a background plugin immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	for _, p := range s.registry.Snapshot().Backgrounds() {
		if p.Metadata().Name == name {
			return s.run(ctx, name, p.(plugins.Background))
		}
	}
	return fmt.Errorf("%w: background %s", plugins.ErrPluginNotFound, name)
}

func (s *Scheduler) runJob(name string, bg plugins.Background) {
	// 已禁用或卸载的插件跳过
	if state, ok := s.registry.Snapshot().State(name); !ok || state != plugins.StateActive {
		s.logger.Debug("background plugin not active, skipping", zap.String("plugin", name))
		return
	}
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	_ = s.run(ctx, name, bg)
}

func (s *Scheduler) run(ctx context.Context, name string, bg plugins.Background) (err error) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("background plugin %s panicked: %v", name, rec)
			s.logger.Error("background plugin panicked",
				zap.String("plugin", name),
				zap.Any("panic", rec),
				zap.Stack("stack"))
		}
	}()

	env := s.env
	if env.Logger != nil {
		env.Logger = env.Logger.With(zap.String("plugin", name))
	}
	if err := bg.Run(ctx, env); err != nil {
		s.logger.Warn("background plugin failed",
			zap.String("plugin", name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return err
	}
	s.logger.Debug("background plugin ran",
		zap.String("plugin", name),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Jobs lists the scheduled plugins.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.entries))
	for _, p := range s.registry.Snapshot().Backgrounds() {
		name := p.Metadata().Name
		id, ok := s.entries[name]
		if !ok {
			continue
		}
		e := s.cron.Entry(id)
		out = append(out, JobInfo{
			Plugin:   name,
			Schedule: p.(plugins.Background).Schedule(),
			Next:     e.Next,
			Prev:     e.Prev,
		})
	}
	return out
}

// Stop stops scheduling, cancels the context of running jobs, waits for them
// (bounded by ctx) and unloads the background plugins, which runs their Cleanup.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	names := make([]string, 0, len(s.entries))
	for name, id := range s.entries {
		names = append(names, name)
		s.cron.Remove(id)
	}
	s.entries = make(map[string]cron.EntryID)
	s.mu.Unlock()

	// 先取消运行上下文，阻塞在 ctx 上的任务才能退出
	s.cancel()
	stopped := s.cron.Stop()
	var errs []error
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for background jobs: %w", ctx.Err()))
	}

	for _, name := range names {
		if err := s.registry.Unload(ctx, name); err != nil && !errors.Is(err, plugins.ErrPluginNotFound) {
			errs = append(errs, err)
		}
	}
	s.logger.Info("scheduler stopped", zap.Int("jobs", len(names)))
	return errors.Join(errs...)
}

// cronLogger 将 cron 日志转接到 zap
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}
