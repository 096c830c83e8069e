package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/commandflow/config"
	"github.com/BaSui01/commandflow/router"
	"github.com/BaSui01/commandflow/testutil"
	"github.com/BaSui01/commandflow/types"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParameters(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		pairs   []string
		want    map[string]any
		wantErr bool
	}{
		{name: "empty", want: map[string]any{}},
		{name: "json", raw: `{"limit": 5, "verbose": true}`, want: map[string]any{"limit": float64(5), "verbose": true}},
		{name: "pairs", pairs: []string{"limit=5", "q=a=b"}, want: map[string]any{"limit": "5", "q": "a=b"}},
		{name: "pair overrides json", raw: `{"limit": 5}`, pairs: []string{"limit=9"}, want: map[string]any{"limit": "9"}},
		{name: "bad json", raw: `{"limit":`, wantErr: true},
		{name: "json array", raw: `[1,2]`, wantErr: true},
		{name: "missing equals", pairs: []string{"limit"}, wantErr: true},
		{name: "empty key", pairs: []string{"=5"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseParameters(tt.raw, tt.pairs)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, types.IsCode(err, types.ErrValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLine(t *testing.T) {
	req, err := parseLine(`  history limit=5  `)
	require.NoError(t, err)
	assert.Equal(t, "history", req.Command)
	assert.Equal(t, map[string]any{"limit": "5"}, req.Parameters)
	assert.Equal(t, types.OriginCLI, req.Origin)

	req, err = parseLine(`parse {"content": "# a b", "format": "markdown"}`)
	require.NoError(t, err)
	assert.Equal(t, "parse", req.Command)
	assert.Equal(t, "# a b", req.Parameters["content"])

	req, err = parseLine("status")
	require.NoError(t, err)
	assert.Equal(t, "status", req.Command)
	assert.Empty(t, req.Parameters)

	_, err = parseLine("parse {broken")
	assert.Error(t, err)
}

func TestPrintResult(t *testing.T) {
	t.Run("string data", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, printResult(&out, &router.Result{RequestID: "r-1", Data: "hello"}, false))
		assert.Equal(t, "hello\n", out.String())
	})

	t.Run("structured data verbose", func(t *testing.T) {
		var out bytes.Buffer
		res := &router.Result{RequestID: "r-2", Data: map[string]any{"pong": true}, Duration: 1500 * time.Microsecond}
		require.NoError(t, printResult(&out, res, true))
		assert.Contains(t, out.String(), `"pong": true`)
		assert.Contains(t, out.String(), "processingTime: 1.50ms")
		assert.Contains(t, out.String(), "requestId: r-2")
	})

	t.Run("error", func(t *testing.T) {
		var out bytes.Buffer
		res := &router.Result{RequestID: "r-3", Err: types.NewValidationError("msg", "required")}
		err := printResult(&out, res, false)
		require.Error(t, err)
		assert.True(t, types.IsCode(err, types.ErrValidation))
		assert.Empty(t, out.String())
	})
}

func TestRenderError(t *testing.T) {
	notFound := types.NewNotFoundError("stat", []types.Suggestion{
		{Command: "status", Matched: "status", Score: 0.8},
		{Command: "stats", Matched: "stats", Score: 0.7},
	})
	out := renderError(notFound)
	assert.Contains(t, out, "COMMAND_NOT_FOUND")
	assert.Contains(t, out, "did you mean: status, stats")

	assert.Contains(t, renderError(errors.New("plain failure")), "plain failure")
	assert.NotContains(t, renderError(types.NewValidationError("x", "bad")), "did you mean")
}

func keyRunes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestReplModel(t *testing.T) {
	var executed []router.Request
	execute := func(_ context.Context, req router.Request) *router.Result {
		executed = append(executed, req)
		if req.Command == "fail" {
			return &router.Result{RequestID: "r-fail", Err: types.NewInternalExecutionError(nil)}
		}
		return &router.Result{RequestID: "r-ok", Data: "done " + req.Command}
	}
	suggest := func(q string, limit int) []types.Suggestion {
		if strings.HasPrefix("status", q) {
			return []types.Suggestion{{Command: "status"}}
		}
		return nil
	}

	var m tea.Model = newReplModel(context.Background(), execute, suggest, false)

	// Tab 补全
	m, _ = m.Update(keyRunes("sta"))
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, "status ", string(m.(replModel).input))

	// 回车执行
	m, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.True(t, m.(replModel).busy)
	assert.Contains(t, m.View(), "running...")

	m, _ = m.Update(cmd())
	assert.False(t, m.(replModel).busy)
	require.Len(t, executed, 1)
	assert.Equal(t, "status", executed[0].Command)
	assert.Contains(t, m.View(), "done status")

	// 失败结果以错误渲染
	m, _ = m.Update(keyRunes("fail"))
	m, cmd = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m, _ = m.Update(cmd())
	assert.Contains(t, m.View(), "INTERNAL_EXECUTION_ERROR")

	// 历史
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyUp})
	assert.Equal(t, "fail", string(m.(replModel).input))
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyUp})
	assert.Equal(t, "status", string(m.(replModel).input))
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	assert.Empty(t, m.(replModel).input)

	// 退格与空格
	m, _ = m.Update(keyRunes("ab"))
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyBackspace})
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeySpace})
	assert.Equal(t, "a ", string(m.(replModel).input))

	// 解析失败不执行
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyBackspace})
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyBackspace})
	m, _ = m.Update(keyRunes("x y"))
	m, cmd = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, cmd)
	assert.Len(t, executed, 2)
	assert.Contains(t, m.View(), "expected key=value")

	// 退出
	m, _ = m.Update(keyRunes("quit"))
	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestReplModel_TrimsOutput(t *testing.T) {
	m := newReplModel(context.Background(), nil, nil, false)
	for range maxReplLines + 10 {
		m.appendOutput("line")
	}
	assert.Len(t, m.lines, maxReplLines)
}

func TestRunHealthCheck(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	require.NoError(t, runHealthCheck(context.Background(), srv.URL))

	status = http.StatusServiceUnavailable
	err := runHealthCheck(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")

	assert.Error(t, runHealthCheck(context.Background(), "http://127.0.0.1:1"))
}

// runCLI 执行根命令并返回标准输出
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// writeTestConfig 写入一份日志静默的配置文件
func writeTestConfig(t *testing.T) string {
	t.Helper()
	cfg := testutil.QuietConfig()
	cfg.Server.Port = 3000
	return testutil.WriteConfig(t, cfg)
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "CommandFlow "+Version)
	assert.Contains(t, out, "Git Commit: "+GitCommit)
}

func TestConfigCommand(t *testing.T) {
	path := writeTestConfig(t)

	out, err := runCLI(t, "--config", path, "config", "--show")
	require.NoError(t, err)
	assert.Contains(t, out, "port: 3000")
	assert.NotContains(t, out, "jwt_secret")

	cfg := config.DefaultConfig()
	cfg.Server.Port = 4100
	require.NoError(t, config.Save(path, cfg))
	out, err = runCLI(t, "--config", path, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "port: 4100")

	out, err = runCLI(t, "--config", path, "config", "--reset")
	require.NoError(t, err)
	assert.Contains(t, out, "config reset")
	loaded, err := config.NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, loaded.Server.Port)

	_, err = runCLI(t, "--config", path, "config", "--show", "--reset")
	assert.Error(t, err)
}

func TestEditConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commandflow.yaml")

	// "true" 作为编辑器：不修改文件，只验证创建与校验流程
	require.NoError(t, editConfig(testutil.TestContext(t), path, "true"))
	_, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 70000\n"), 0o644))
	err = editConfig(context.Background(), path, "true")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConfig))

	assert.Error(t, editConfig(context.Background(), path, "false"))
}

func TestExecCommand(t *testing.T) {
	path := writeTestConfig(t)

	out, err := runCLI(t, "--config", path, "exec", "ping", "--verbose")
	require.NoError(t, err)
	assert.Contains(t, out, `"pong": true`)
	assert.Contains(t, out, "requestId: ")

	_, err = runCLI(t, "--config", path, "exec", "pnig")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCommandNotFound))
	assert.Contains(t, renderError(err), "ping")

	_, err = runCLI(t, "--config", path, "exec", "ping", "--parameters", "{oops")
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestStatusAndCacheCommands(t *testing.T) {
	path := writeTestConfig(t)

	out, err := runCLI(t, "--config", path, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "CommandFlow "+Version)
	assert.Contains(t, out, `"version"`)

	out, err = runCLI(t, "--config", path, "cache", "--clear", "--stats")
	require.NoError(t, err)
	assert.Contains(t, out, "cache cleared")
	assert.Contains(t, out, `"backend": "memory"`)
}
