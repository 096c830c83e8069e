// 配置文件变更监听器实现。
//
// 基于 fsnotify 监听配置文件所在目录，防抖后触发回调。
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// --- 文件监听器类型定义 ---

// FileEvent represents a file change event
type FileEvent struct {
	// Path是改变的文件路径
	Path string `json:"path"`

	// op 是操作类型
	Op FileOp `json:"op"`

	// 时间戳是事件发生的时间
	Timestamp time.Time `json:"timestamp"`
}

// FileOp represents file operation types
type FileOp int

const (
	// FileOpCreate 表示文件已创建
	FileOpCreate FileOp = iota
	// FileOpWrite 指示文件已被修改
	FileOpWrite
	// FileOpRemove 表示文件已被删除
	FileOpRemove
	// FileOpRename 表示文件已重命名
	FileOpRename
)

// String returns the string representation of FileOp
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	case FileOpRename:
		return "RENAME"
	default:
		return "UNKNOWN"
	}
}

func toFileOp(op fsnotify.Op) (FileOp, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return FileOpCreate, true
	case op.Has(fsnotify.Write):
		return FileOpWrite, true
	case op.Has(fsnotify.Remove):
		return FileOpRemove, true
	case op.Has(fsnotify.Rename):
		return FileOpRename, true
	default:
		return 0, false
	}
}

// --- 文件监听器选项 ---

// WatcherOption configures the FileWatcher
type WatcherOption func(*FileWatcher)

// WithDebounceDelay sets the debounce delay for file events
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		w.debounceDelay = d
	}
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// --- 文件监听器实现 ---

// FileWatcher watches one configuration file for changes.
// 监听目录而非文件本身，编辑器的原子替换（rename）同样会被捕获。
type FileWatcher struct {
	mu sync.Mutex

	path          string
	debounceDelay time.Duration

	running   bool
	watcher   *fsnotify.Watcher
	done      chan struct{}
	timer     *time.Timer
	pending   FileEvent
	callbacks []func(FileEvent)

	logger *zap.Logger
}

// NewFileWatcher creates a new file watcher
func NewFileWatcher(path string, opts ...WatcherOption) (*FileWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	w := &FileWatcher{
		path:          absPath,
		debounceDelay: 200 * time.Millisecond,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"))
	return w, nil
}

// OnChange registers a callback for file change events
func (w *FileWatcher) OnChange(callback func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching for file changes
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	w.watcher = fw
	w.done = make(chan struct{})
	w.running = true

	go w.loop(ctx, fw, w.done)

	w.logger.Info("File watcher started",
		zap.String("path", w.path),
		zap.Duration("debounce_delay", w.debounceDelay))
	return nil
}

// Stop stops the file watcher
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false
	close(w.done)
	if w.timer != nil {
		w.timer.Stop()
	}

	w.logger.Info("File watcher stopped")
	return w.watcher.Close()
}

// IsRunning returns whether the watcher is running
func (w *FileWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *FileWatcher) loop(ctx context.Context, fw *fsnotify.Watcher, done chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return
		case <-done:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			op, known := toFileOp(ev.Op)
			if !known {
				continue
			}
			w.schedule(FileEvent{Path: w.path, Op: op, Timestamp: time.Now()})
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fsnotify error", zap.Error(err))
		}
	}
}

// schedule 合并防抖窗口内的事件，仅派发最后一个
func (w *FileWatcher) schedule(ev FileEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	w.pending = ev
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounceDelay, w.dispatch)
}

func (w *FileWatcher) dispatch() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	ev := w.pending
	callbacks := make([]func(FileEvent), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Debug("Dispatching file event",
		zap.String("path", ev.Path),
		zap.String("op", ev.Op.String()))
	for _, cb := range callbacks {
		cb(ev)
	}
}

// Watch 启动文件监听，写入或创建事件触发 Reload；ctx 结束时停止
func (m *Manager) Watch(ctx context.Context, opts ...WatcherOption) (*FileWatcher, error) {
	if m.path == "" {
		return nil, fmt.Errorf("no config path set")
	}
	opts = append([]WatcherOption{WithWatcherLogger(m.logger)}, opts...)
	w, err := NewFileWatcher(m.path, opts...)
	if err != nil {
		return nil, err
	}
	w.OnChange(func(ev FileEvent) {
		if ev.Op != FileOpWrite && ev.Op != FileOpCreate {
			return
		}
		_ = m.Reload()
	})
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}
