package builtin

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/commandflow/internal/history"
	"github.com/BaSui01/commandflow/plugins"
	"github.com/BaSui01/commandflow/types"
)

// =============================================================================
// 📜 history 插件：通过钩子记录每次执行
// =============================================================================

type historyPlugin struct {
	store plugins.HistoryStore
}

// NewHistory builds the history middleware. It is skipped when history is disabled.
func NewHistory(env plugins.Env) (plugins.Plugin, error) {
	if env.History == nil {
		return nil, plugins.ErrSkip
	}
	return &historyPlugin{store: env.History}, nil
}

func (p *historyPlugin) Metadata() plugins.Metadata {
	return plugins.Metadata{
		Name:        "history",
		Version:     Version,
		Category:    "system",
		Kind:        plugins.KindMiddleware,
		Description: "Execution history",
	}
}

func (p *historyPlugin) Commands() []plugins.Command {
	return []plugins.Command{{
		Name:        "history",
		Description: "Show recent executions",
		Params: plugins.Schema{
			{Name: "limit", Type: plugins.TypeInteger, Default: 20},
		},
		Handler: p.recent,
	}}
}

func (p *historyPlugin) Handle(ctx context.Context, ec *plugins.ExecutionContext) (plugins.Outcome, error) {
	return plugins.Continue, nil
}

func (p *historyPlugin) AfterExecution(ctx context.Context, ec *plugins.ExecutionContext, result any) error {
	return p.store.Record(ctx, newRecord(ec, nil))
}

func (p *historyPlugin) OnError(ctx context.Context, ec *plugins.ExecutionContext, err error) error {
	return p.store.Record(ctx, newRecord(ec, err))
}

func (p *historyPlugin) recent(ctx context.Context, ec *plugins.ExecutionContext) (any, error) {
	limit, _ := ec.Params["limit"].(int64)
	if limit < 1 {
		return nil, types.NewValidationError("limit", "limit must be positive")
	}
	return p.store.Recent(ctx, int(limit))
}

func newRecord(ec *plugins.ExecutionContext, err error) *history.ExecutionRecord {
	rec := &history.ExecutionRecord{
		RequestID:  ec.RequestID,
		Command:    ec.Command,
		Origin:     string(ec.Origin),
		Success:    err == nil,
		DurationMS: float64(ec.Elapsed().Microseconds()) / 1000,
		CreatedAt:  time.Now(),
	}
	if err != nil {
		var te *types.Error
		if errors.As(err, &te) {
			rec.ErrorCode = string(te.Code)
		} else {
			rec.ErrorCode = string(types.ErrInternalExecution)
		}
	}
	return rec
}
