package main

import (
	"context"
	"strings"

	"github.com/BaSui01/commandflow/router"
	"github.com/BaSui01/commandflow/types"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

// =============================================================================
// 💬 交互模式
// =============================================================================

// maxReplLines 输出区保留的行数
const maxReplLines = 200

func newInteractiveCommand(flags *rootFlags) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:     "interactive",
		Aliases: []string{"repl"},
		Short:   "Run commands in an interactive session",
		Long: `Start an interactive session against an in-process engine.

Type a command followed by key=value pairs or a JSON object:
  status
  history limit=5
  parse {"content": "# title"}

Keys: [Enter] run  [Tab] complete  [↑↓] history  [Esc] quit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), flags, func(ctx context.Context, a *app) error {
				model := newReplModel(ctx, a.router.Execute, a.router.Suggest, verbose)
				_, err := tea.NewProgram(model).Run()
				return err
			})
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print processingTime and requestId after each command")
	return cmd
}

type (
	executeFunc func(ctx context.Context, req router.Request) *router.Result
	suggestFunc func(query string, limit int) []types.Suggestion
)

// replModel holds the state of the interactive session.
type replModel struct {
	ctx     context.Context
	execute executeFunc
	suggest suggestFunc
	verbose bool

	input   []rune
	lines   []string
	history []string
	// histIdx == len(history) 表示正在编辑新输入
	histIdx int
	busy    bool
}

// resultMsg carries a finished execution back into Update.
type resultMsg struct {
	res *router.Result
}

func newReplModel(ctx context.Context, execute executeFunc, suggest suggestFunc, verbose bool) replModel {
	return replModel{
		ctx:     ctx,
		execute: execute,
		suggest: suggest,
		verbose: verbose,
	}
}

// Init implements tea.Model.
func (m replModel) Init() tea.Cmd { return nil }

// Update implements tea.Model.
func (m replModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			return m.submit()
		case tea.KeyBackspace:
			if len(m.input) > 0 {
				m.input = m.input[:len(m.input)-1]
			}
		case tea.KeyUp:
			if m.histIdx > 0 {
				m.histIdx--
				m.input = []rune(m.history[m.histIdx])
			}
		case tea.KeyDown:
			if m.histIdx < len(m.history)-1 {
				m.histIdx++
				m.input = []rune(m.history[m.histIdx])
			} else {
				m.histIdx = len(m.history)
				m.input = nil
			}
		case tea.KeyTab:
			m.complete()
		case tea.KeySpace:
			m.input = append(m.input, ' ')
		case tea.KeyRunes:
			m.input = append(m.input, msg.Runes...)
		}
		return m, nil

	case resultMsg:
		m.busy = false
		m.appendOutput(renderResult(msg.res, m.verbose))
		return m, nil
	}
	return m, nil
}

func (m replModel) submit() (tea.Model, tea.Cmd) {
	line := strings.TrimSpace(string(m.input))
	if m.busy || line == "" {
		return m, nil
	}
	m.input = nil
	m.history = append(m.history, line)
	m.histIdx = len(m.history)

	switch line {
	case "exit", "quit":
		return m, tea.Quit
	}

	m.appendOutput(promptStyle.Render("› ") + line)
	req, err := parseLine(line)
	if err != nil {
		m.appendOutput(renderError(err))
		return m, nil
	}
	m.busy = true
	ctx, execute := m.ctx, m.execute
	return m, func() tea.Msg {
		return resultMsg{res: execute(ctx, req)}
	}
}

// complete 用最佳建议补全命令名
func (m *replModel) complete() {
	if m.suggest == nil {
		return
	}
	word, rest, hasRest := strings.Cut(string(m.input), " ")
	if word == "" || hasRest {
		return
	}
	if s := m.suggest(word, 1); len(s) > 0 {
		m.input = []rune(s[0].Command + " " + rest)
	}
}

func (m *replModel) appendOutput(text string) {
	m.lines = append(m.lines, strings.Split(text, "\n")...)
	if over := len(m.lines) - maxReplLines; over > 0 {
		m.lines = m.lines[over:]
	}
}

var promptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))

// View implements tea.Model.
func (m replModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("🚀 CommandFlow interactive"))
	b.WriteString("\n\n")
	for _, line := range m.lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}

	prompt := promptStyle.Render("› ") + string(m.input) + "█"
	if m.busy {
		prompt = dimStyle.Render("running...")
	}
	b.WriteString(prompt)
	b.WriteString("\n\n")
	b.WriteString(dimStyle.Render("[Enter] run  [Tab] complete  [↑↓] history  [Esc] quit"))
	b.WriteByte('\n')
	return b.String()
}

// parseLine 解析 "command {json}" 或 "command key=value ..." 形式的输入
func parseLine(line string) (router.Request, error) {
	command, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)

	var (
		params map[string]any
		err    error
	)
	if strings.HasPrefix(rest, "{") {
		params, err = parseParameters(rest, nil)
	} else {
		params, err = parseParameters("", strings.Fields(rest))
	}
	if err != nil {
		return router.Request{}, err
	}
	return router.Request{Command: command, Parameters: params, Origin: types.OriginCLI}, nil
}

// renderResult 渲染一次执行的结果或错误
func renderResult(res *router.Result, verbose bool) string {
	var b strings.Builder
	if err := printResult(&b, res, verbose); err != nil {
		b.WriteString(renderError(err))
	}
	return strings.TrimRight(b.String(), "\n")
}
