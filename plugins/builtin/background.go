package builtin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/commandflow/plugins"
	"go.uber.org/zap"
)

// =============================================================================
// ⏱️ 后台插件：bridge-monitor 与 history-pruner
// =============================================================================

const (
	defaultMonitorSchedule = "@every 30s"
	defaultPruneSchedule   = "@hourly"
	defaultRetention       = 7 * 24 * time.Hour
)

// bridgeMonitor 定期测试桥接连通性，仅在状态变化时记录 Warn/Info
type bridgeMonitor struct {
	schedule string

	mu     sync.Mutex
	lastOK *bool
}

// NewBridgeMonitor builds the bridge-monitor plugin. The schedule comes from
// plugins.bridge-monitor.schedule.
func NewBridgeMonitor(env plugins.Env) (plugins.Plugin, error) {
	if env.Bridge == nil {
		return nil, plugins.ErrSkip
	}
	return &bridgeMonitor{
		schedule: configString(env.PluginConfig("bridge-monitor"), "schedule", defaultMonitorSchedule),
	}, nil
}

func (m *bridgeMonitor) Metadata() plugins.Metadata {
	return plugins.Metadata{
		Name:        "bridge-monitor",
		Version:     Version,
		Category:    "system",
		Kind:        plugins.KindBackground,
		Description: "Periodic bridge connectivity test",
	}
}

func (m *bridgeMonitor) Commands() []plugins.Command { return nil }
func (m *bridgeMonitor) Schedule() string            { return m.schedule }

func (m *bridgeMonitor) Run(ctx context.Context, env plugins.Env) error {
	if env.Bridge == nil {
		return nil
	}
	res := env.Bridge.TestConnection(ctx)

	m.mu.Lock()
	changed := m.lastOK == nil || *m.lastOK != res.OK
	m.lastOK = &res.OK
	m.mu.Unlock()

	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fields := []zap.Field{
		zap.Bool("ok", res.OK),
		zap.Float64("latency_ms", res.LatencyMS),
		zap.String("transport", res.Transport),
	}
	switch {
	case !res.OK && changed:
		logger.Warn("bridge connection lost", append(fields, zap.String("error", res.Error))...)
	case res.OK && changed:
		logger.Info("bridge connection ok", fields...)
	default:
		logger.Debug("bridge connection tested", fields...)
	}
	if !res.OK {
		return fmt.Errorf("bridge connection test failed: %s", res.Error)
	}
	return nil
}

type historyPruner struct {
	store     plugins.HistoryStore
	schedule  string
	retention time.Duration
}

// NewHistoryPruner builds the pruner from history.retention and history.prune_schedule.
func NewHistoryPruner(env plugins.Env) (plugins.Plugin, error) {
	if env.History == nil {
		return nil, plugins.ErrSkip
	}
	p := &historyPruner{store: env.History, schedule: defaultPruneSchedule, retention: defaultRetention}
	if env.Config != nil {
		hc := env.Config.Snapshot().History
		if hc.PruneSchedule != "" {
			p.schedule = hc.PruneSchedule
		}
		if hc.Retention > 0 {
			p.retention = hc.Retention
		}
	}
	return p, nil
}

func (p *historyPruner) Metadata() plugins.Metadata {
	return plugins.Metadata{
		Name:         "history-pruner",
		Version:      Version,
		Category:     "system",
		Kind:         plugins.KindBackground,
		Dependencies: []string{"history"},
		Description:  "Deletes expired execution records",
	}
}

func (p *historyPruner) Commands() []plugins.Command { return nil }
func (p *historyPruner) Schedule() string            { return p.schedule }

func (p *historyPruner) Run(ctx context.Context, env plugins.Env) error {
	cutoff := time.Now().Add(-p.retention)
	n, err := p.store.Prune(ctx, cutoff)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("prune history: %w", err)
	}
	if env.Logger != nil && n > 0 {
		env.Logger.Info("history pruned", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	}
	return nil
}
