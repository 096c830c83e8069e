// 配置快照管理器实现。
//
// 持有不可变配置快照，重新加载成功后原子替换并通知订阅者。
package config

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ReloadCallback 在新快照生效后调用
type ReloadCallback func(oldConfig, newConfig *Config)

// Manager 管理当前生效的配置快照
type Manager struct {
	current atomic.Pointer[Config]
	version atomic.Int64

	loader *Loader
	path   string

	// 串行化 Reload 与回调注册
	mu        sync.Mutex
	callbacks []ReloadCallback

	logger *zap.Logger
}

// NewManager 以 loader 完成首次加载；失败时返回 CONFIG_ERROR
func NewManager(loader *Loader, logger *zap.Logger) (*Manager, error) {
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	return newManager(cfg, loader, logger), nil
}

// NewStaticManager 包装一个已加载的配置，Reload 将重新读取 path（可为空）
func NewStaticManager(cfg *Config, path string, logger *zap.Logger) *Manager {
	return newManager(cfg, NewLoader().WithConfigPath(path), logger)
}

func newManager(cfg *Config, loader *Loader, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		loader: loader,
		path:   loader.configPath,
		logger: logger.With(zap.String("component", "config")),
	}
	m.current.Store(cfg)
	m.version.Store(1)
	return m
}

// Snapshot 返回当前配置快照；调用方不得修改
func (m *Manager) Snapshot() *Config {
	return m.current.Load()
}

// Version 返回快照版本号，每次成功 Reload 加一
func (m *Manager) Version() int64 {
	return m.version.Load()
}

// Path 返回配置文件路径
func (m *Manager) Path() string {
	return m.path
}

// OnReload 注册快照替换回调
func (m *Manager) OnReload(callback ReloadCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// Reload 重新执行加载流程；校验失败时保留旧快照
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	newConfig, err := m.loader.Load()
	if err != nil {
		m.logger.Error("invalid config, keeping current snapshot",
			zap.Error(err), zap.String("path", m.path))
		return err
	}

	oldConfig := m.current.Swap(newConfig)
	version := m.version.Add(1)

	if err := notifyCallbacksSafe(m.callbacks, oldConfig, newConfig); err != nil {
		m.logger.Error("reload callback failed", zap.Error(err))
	}

	m.logger.Info("Configuration reloaded",
		zap.String("path", m.path),
		zap.Int64("version", version))
	return nil
}

// notifyCallbacksSafe 安全地通知回调（捕获 panic）
func notifyCallbacksSafe(callbacks []ReloadCallback, oldConfig, newConfig *Config) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	for _, cb := range callbacks {
		cb(oldConfig, newConfig)
	}
	return nil
}
