package builtin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/BaSui01/commandflow/internal/bridge"
	"github.com/BaSui01/commandflow/plugins"
	"github.com/BaSui01/commandflow/types"
	"go.uber.org/zap"
)

// =============================================================================
// 📝 content 插件（解析与更新由二级运行时完成）
// =============================================================================

const (
	defaultParseTTL      = time.Hour
	defaultUpdateTimeout = 2 * time.Minute
)

// ParseResult is returned by the parse command.
type ParseResult struct {
	Hash   string          `json:"hash"`
	Cached bool            `json:"cached"`
	Result json.RawMessage `json:"result"`
}

type contentPlugin struct{}

// NewContent builds the content plugin.
func NewContent(env plugins.Env) (plugins.Plugin, error) {
	return contentPlugin{}, nil
}

func (contentPlugin) Metadata() plugins.Metadata {
	return plugins.Metadata{
		Name:         "content",
		Version:      Version,
		Category:     "content",
		Kind:         plugins.KindCommand,
		Dependencies: []string{"system"},
		Description:  "Content parsing and updates through the bridge",
	}
}

func (contentPlugin) Commands() []plugins.Command {
	return []plugins.Command{
		{
			Name:        "parse",
			Description: "Parse content in the secondary runtime",
			Params: plugins.Schema{
				{Name: "content", Type: plugins.TypeString, Required: true},
				{Name: "format", Type: plugins.TypeString, Default: "markdown"},
			},
			Handler: parse,
		},
		{
			Name:        "update",
			Aliases:     []string{"fetch"},
			Description: "Fetch and refresh content sources",
			Params: plugins.Schema{
				{Name: "source", Type: plugins.TypeString},
				{Name: "force", Type: plugins.TypeBoolean, Default: false},
			},
			Handler: update,
		},
	}
}

// ContentHash 返回解析缓存使用的内容摘要
func ContentHash(format, content string) string {
	sum := sha256.Sum256([]byte(format + "\x00" + content))
	return hex.EncodeToString(sum[:])
}

func parse(ctx context.Context, ec *plugins.ExecutionContext) (any, error) {
	content, _ := ec.Params["content"].(string)
	format, _ := ec.Params["format"].(string)
	hash := ContentHash(format, content)
	key := "content:parse:" + hash

	if ec.Cache != nil {
		if v, ok, err := ec.Cache.Get(ctx, key); err == nil && ok {
			return ParseResult{Hash: hash, Cached: true, Result: json.RawMessage(v)}, nil
		}
	}
	if ec.Bridge == nil {
		return nil, types.NewBridgeUnavailableError("bridge is not configured", nil)
	}

	res, err := ec.Bridge.Call(ctx, "parse", map[string]any{"content": content, "format": format})
	if err != nil {
		return nil, err
	}
	if ec.Cache != nil {
		ttl := configDuration(ec.Config, "cache_ttl", defaultParseTTL)
		if err := ec.Cache.Set(ctx, key, string(res), ttl); err != nil {
			ec.Logger.Debug("cache set failed", zap.String("key", key), zap.Error(err))
		}
	}
	return ParseResult{Hash: hash, Result: res}, nil
}

func update(ctx context.Context, ec *plugins.ExecutionContext) (any, error) {
	if ec.Bridge == nil {
		return nil, types.NewBridgeUnavailableError("bridge is not configured", nil)
	}
	timeout := configDuration(ec.Config, "update_timeout", defaultUpdateTimeout)
	payload := map[string]any{"force": ec.Params["force"]}
	if src, ok := ec.Params["source"].(string); ok && src != "" {
		payload["source"] = src
	}
	ec.Logger.Info("content update requested", zap.Any("payload", payload))
	return ec.Bridge.Call(ctx, "update", payload, bridge.WithTimeout(timeout))
}
