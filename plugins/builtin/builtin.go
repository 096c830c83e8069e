package builtin

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/commandflow/plugins"
)

// Version 是内置插件的版本号
const Version = "1.0.0"

func init() {
	Register(plugins.DefaultCatalog())
}

// Register adds every built-in factory to c, in dependency-friendly order.
func Register(c *plugins.Catalog) {
	c.Register("system", NewSystem)
	c.Register("cache", NewCache)
	c.Register("content", NewContent)
	c.Register("audit", NewAudit)
	c.Register("history", NewHistory)
	c.Register("bridge-monitor", NewBridgeMonitor)
	c.Register("history-pruner", NewHistoryPruner)
}

// --- plugin config helpers ---

func configString(cfg map[string]any, key, def string) string {
	if s, ok := cfg[key].(string); ok && s != "" {
		return s
	}
	return def
}

func configStrings(cfg map[string]any, key string) []string {
	switch v := cfg[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return strings.Split(v, ",")
	}
	return nil
}

// configDuration 接受 "30s" 形式的字符串或毫秒数
func configDuration(cfg map[string]any, key string, def time.Duration) time.Duration {
	switch v := cfg[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Millisecond
		}
	case int64:
		if v > 0 {
			return time.Duration(v) * time.Millisecond
		}
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Millisecond))
		}
	}
	return def
}
