package builtin

import (
	"context"
	"fmt"

	"github.com/BaSui01/commandflow/plugins"
	"github.com/BaSui01/commandflow/types"
)

// =============================================================================
// 💾 cache 插件
// =============================================================================

type cachePlugin struct{}

// NewCache builds the cache maintenance plugin. It is skipped without a cache.
func NewCache(env plugins.Env) (plugins.Plugin, error) {
	if env.Cache == nil {
		return nil, plugins.ErrSkip
	}
	return cachePlugin{}, nil
}

func (cachePlugin) Metadata() plugins.Metadata {
	return plugins.Metadata{
		Name:        "cache",
		Version:     Version,
		Category:    "system",
		Kind:        plugins.KindCommand,
		Description: "Inspect and maintain the result cache",
	}
}

func (cachePlugin) Commands() []plugins.Command {
	return []plugins.Command{{
		Name:        "cache",
		Description: "Cache stats, clear, get or delete",
		Params: plugins.Schema{
			{Name: "action", Type: plugins.TypeString, Default: "stats", Enum: []any{"stats", "clear", "get", "delete"}},
			{Name: "key", Type: plugins.TypeString, Description: "entry key for get/delete"},
		},
		Handler: handleCache,
	}}
}

func handleCache(ctx context.Context, ec *plugins.ExecutionContext) (any, error) {
	if ec.Cache == nil {
		return nil, types.NewError(types.ErrInternalExecution, "cache is not configured")
	}
	action, _ := ec.Params["action"].(string)
	key, _ := ec.Params["key"].(string)

	switch action {
	case "stats":
		return ec.Cache.Stats(ctx)
	case "clear":
		if err := ec.Cache.Clear(ctx); err != nil {
			return nil, fmt.Errorf("clear cache: %w", err)
		}
		ec.Logger.Info("cache cleared")
		return map[string]any{"cleared": true}, nil
	case "get":
		if key == "" {
			return nil, types.NewValidationError("key", "key is required for get")
		}
		v, ok, err := ec.Cache.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		return map[string]any{"key": key, "found": ok, "value": v}, nil
	case "delete":
		if key == "" {
			return nil, types.NewValidationError("key", "key is required for delete")
		}
		if err := ec.Cache.Delete(ctx, key); err != nil {
			return nil, fmt.Errorf("delete %s: %w", key, err)
		}
		return map[string]any{"key": key, "deleted": true}, nil
	}
	return nil, types.NewValidationError("action", fmt.Sprintf("unknown action %q", action))
}
