package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/commandflow/plugins"
	"github.com/BaSui01/commandflow/router"
	"github.com/BaSui01/commandflow/types"
	"go.uber.org/zap"
)

// =============================================================================
// 🎯 命令 Handler
// =============================================================================

// Executor runs commands; *router.Router satisfies it.
type Executor interface {
	Execute(ctx context.Context, req router.Request) *router.Result
	Suggest(query string, limit int) []types.Suggestion
	Registry() *plugins.Registry
}

// CommandHandler 命令执行、建议与列表
type CommandHandler struct {
	executor Executor
	logger   *zap.Logger
}

// NewCommandHandler 创建命令处理器
func NewCommandHandler(executor Executor, logger *zap.Logger) *CommandHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandHandler{
		executor: executor,
		logger:   logger.With(zap.String("handler", "command")),
	}
}

// CommandRequest POST /api/command 请求体
type CommandRequest struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// SuggestResponse 建议结果
type SuggestResponse struct {
	Query       string             `json:"query"`
	Suggestions []types.Suggestion `json:"suggestions"`
}

// CommandList 命令列表
type CommandList struct {
	Commands []plugins.CommandInfo `json:"commands"`
	Total    int                   `json:"total"`
}

// HandleExecute 处理 POST /api/command
func (h *CommandHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	res := h.executor.Execute(types.WithOrigin(r.Context(), types.OriginHTTP), router.Request{
		Command:    req.Command,
		Parameters: req.Parameters,
		Context:    req.Context,
		Origin:     types.OriginHTTP,
	})
	WriteResult(w, res, h.logger)
}

// WriteResult 将执行结果写为统一响应
func WriteResult(w http.ResponseWriter, res *router.Result, logger *zap.Logger) {
	meta := &Metadata{ProcessingTime: res.ProcessingTimeMS(), RequestID: res.RequestID}
	if !res.Success() {
		writeError(w, res.Err, meta, logger)
		return
	}
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      res.Data,
		Metadata:  meta,
		Timestamp: time.Now(),
	})
}

// HandleSuggest 处理 GET /api/commands/suggest?query=&limit=
func (h *CommandHandler) HandleSuggest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			WriteError(w, types.NewValidationError("limit", "limit must be a positive integer"), h.logger)
			return
		}
		limit = n
	}

	query := q.Get("query")
	WriteSuccess(w, SuggestResponse{
		Query:       query,
		Suggestions: h.executor.Suggest(query, limit),
	})
}

// HandleList 处理 GET /api/commands，可按 category 过滤
func (h *CommandHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	all := h.executor.Registry().Snapshot().Commands()

	out := make([]plugins.CommandInfo, 0, len(all))
	for _, c := range all {
		if category != "" && !strings.EqualFold(c.Category, category) {
			continue
		}
		out = append(out, c)
	}
	WriteSuccess(w, CommandList{Commands: out, Total: len(out)})
}
