package main

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mgomes/scriptload/script"
)

var (
	accentColor    = lipgloss.Color("#3B82F6")
	successColor   = lipgloss.Color("#10B981")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	highlightColor = lipgloss.Color("#F59E0B")

	promptStyle = lipgloss.NewStyle().
			Foreground(accentColor).
			Bold(true)

	resultStyle = lipgloss.NewStyle().
			Foreground(successColor)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	headerStyle = lipgloss.NewStyle().
			Foreground(accentColor).
			Bold(true).
			Padding(0, 1)

	helpKeyStyle = lipgloss.NewStyle().
			Foreground(highlightColor)

	helpDescStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accentColor).
			Padding(0, 1)
)

type historyEntry struct {
	input  string
	output string
	isErr  bool
}

type replModel struct {
	textInput    textinput.Model
	config       script.Config
	engine       *script.Engine
	console      *bytes.Buffer
	history      []historyEntry
	cmdHistory   []string
	historyIdx   int
	width        int
	height       int
	showHelp     bool
	showFeatures bool
	quitting     bool
	initialized  bool
	running      bool
	cancel       context.CancelFunc
}

// evalResultMsg carries the outcome of an evaluation started by evalCmd.
type evalResultMsg struct {
	input  string
	output string
	isErr  bool
}

type keyMap struct {
	Up    key.Binding
	Down  key.Binding
	Enter key.Binding
	CtrlC key.Binding
	CtrlD key.Binding
	CtrlL key.Binding
	Tab   key.Binding
	CtrlF key.Binding
	CtrlH key.Binding
}

var keys = keyMap{
	Up: key.NewBinding(
		key.WithKeys("up"),
		key.WithHelp("↑", "previous command"),
	),
	Down: key.NewBinding(
		key.WithKeys("down"),
		key.WithHelp("↓", "next command"),
	),
	Enter: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "execute"),
	),
	CtrlC: key.NewBinding(
		key.WithKeys("ctrl+c"),
		key.WithHelp("ctrl+c", "quit"),
	),
	CtrlD: key.NewBinding(
		key.WithKeys("ctrl+d"),
		key.WithHelp("ctrl+d", "quit"),
	),
	CtrlL: key.NewBinding(
		key.WithKeys("ctrl+l"),
		key.WithHelp("ctrl+l", "clear"),
	),
	Tab: key.NewBinding(
		key.WithKeys("tab"),
		key.WithHelp("tab", "autocomplete"),
	),
	CtrlF: key.NewBinding(
		key.WithKeys("ctrl+f"),
		key.WithHelp("ctrl+f", "toggle features"),
	),
	CtrlH: key.NewBinding(
		key.WithKeys("ctrl+k"),
		key.WithHelp("ctrl+k", "toggle help"),
	),
}

func newREPLModel(cfg script.Config) (replModel, error) {
	ti := textinput.New()
	ti.Placeholder = "type an expression..."
	ti.Focus()
	ti.CharLimit = 500
	ti.Width = 60
	ti.PromptStyle = promptStyle
	ti.Prompt = "js> "

	console := &bytes.Buffer{}
	cfg.Stdout = console
	cfg.Stderr = console
	engine, err := script.NewEngine(cfg)
	if err != nil {
		return replModel{}, err
	}

	return replModel{
		textInput:  ti,
		config:     cfg,
		engine:     engine,
		console:    console,
		history:    make([]historyEntry, 0),
		cmdHistory: make([]string, 0),
		historyIdx: -1,
	}, nil
}

func (m replModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, tea.EnterAltScreen)
}

func (m replModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.textInput.Width = msg.Width - 10
		m.initialized = true
		return m, nil

	case evalResultMsg:
		if m.cancel != nil {
			m.cancel()
			m.cancel = nil
		}
		m.running = false
		m.history = append(m.history, historyEntry{
			input:  msg.input,
			output: msg.output,
			isErr:  msg.isErr,
		})
		return m, nil

	case tea.KeyMsg:
		if m.running {
			// the engine belongs to the evaluation until it reports back
			if key.Matches(msg, keys.CtrlC) || key.Matches(msg, keys.CtrlD) {
				m.cancel()
			}
			return m, nil
		}

		switch {
		case key.Matches(msg, keys.CtrlC), key.Matches(msg, keys.CtrlD):
			m.quitting = true
			return m, tea.Quit

		case key.Matches(msg, keys.CtrlL):
			m.history = make([]historyEntry, 0)
			return m, nil

		case key.Matches(msg, keys.CtrlF):
			m.showFeatures = !m.showFeatures
			return m, nil

		case key.Matches(msg, keys.CtrlH):
			m.showHelp = !m.showHelp
			return m, nil

		case key.Matches(msg, keys.Up):
			if len(m.cmdHistory) > 0 {
				if m.historyIdx == -1 {
					m.historyIdx = len(m.cmdHistory) - 1
				} else if m.historyIdx > 0 {
					m.historyIdx--
				}
				m.textInput.SetValue(m.cmdHistory[m.historyIdx])
				m.textInput.CursorEnd()
			}
			return m, nil

		case key.Matches(msg, keys.Down):
			if m.historyIdx != -1 {
				if m.historyIdx < len(m.cmdHistory)-1 {
					m.historyIdx++
					m.textInput.SetValue(m.cmdHistory[m.historyIdx])
				} else {
					m.historyIdx = -1
					m.textInput.SetValue("")
				}
				m.textInput.CursorEnd()
			}
			return m, nil

		case key.Matches(msg, keys.Tab):
			m = m.handleAutocomplete()
			return m, nil

		case key.Matches(msg, keys.Enter):
			input := strings.TrimSpace(m.textInput.Value())
			if input == "" {
				return m, nil
			}

			if strings.HasPrefix(input, ":") {
				var cmd tea.Cmd
				m, cmd = m.handleCommand(input)
				m.textInput.SetValue("")
				m.historyIdx = -1
				return m, cmd
			}

			ctx, cancel := context.WithCancel(context.Background())
			m.running = true
			m.cancel = cancel
			m.cmdHistory = append(m.cmdHistory, input)
			m.textInput.SetValue("")
			m.historyIdx = -1
			return m, m.evalCmd(ctx, input)
		}
	}

	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m replModel) handleCommand(input string) (replModel, tea.Cmd) {
	parts := strings.Fields(input)
	cmd := parts[0]

	switch cmd {
	case ":help", ":h":
		m.showHelp = !m.showHelp
	case ":clear", ":c":
		m.history = make([]historyEntry, 0)
	case ":features", ":f":
		m.showFeatures = !m.showFeatures
	case ":loadpath", ":l":
		output := "(empty)"
		if dirs := m.engine.LoadPath(); len(dirs) > 0 {
			output = strings.Join(dirs, "\n    ")
		}
		m.history = append(m.history, historyEntry{input: input, output: output})
	case ":reset", ":r":
		engine, err := script.NewEngine(m.config)
		if err != nil {
			m.history = append(m.history, historyEntry{input: input, output: err.Error(), isErr: true})
			return m, nil
		}
		_ = m.engine.Close()
		m.engine = engine
		m.history = append(m.history, historyEntry{
			input:  input,
			output: "Engine reset",
			isErr:  false,
		})
	case ":quit", ":q":
		m.quitting = true
		return m, tea.Quit
	default:
		m.history = append(m.history, historyEntry{
			input:  input,
			output: fmt.Sprintf("Unknown command: %s", cmd),
			isErr:  true,
		})
	}
	return m, nil
}

var replBuiltins = []string{"require", "load", "console", "ARGV", "LoadError", "$LOADED_FEATURES", "$LOAD_PATH"}

var replKeywords = []string{"function", "const", "let", "var", "if", "else", "for", "of", "in", "return", "true", "false", "null", "undefined", "class", "new", "this"}

func (m replModel) handleAutocomplete() replModel {
	input := m.textInput.Value()
	if input == "" {
		return m
	}

	words := strings.Fields(input)
	if len(words) == 0 {
		return m
	}
	lastWord := words[len(words)-1]

	candidates := append(append(append([]string(nil), replBuiltins...), replKeywords...), m.engine.Runtime().GlobalObject().Keys()...)
	var completions []string
	for _, c := range candidates {
		if strings.HasPrefix(c, lastWord) && !slices.Contains(completions, c) {
			completions = append(completions, c)
		}
	}

	if len(completions) == 1 {
		prefix := strings.TrimSuffix(input, lastWord)
		m.textInput.SetValue(prefix + completions[0])
		m.textInput.CursorEnd()
	} else if len(completions) > 1 {
		m.history = append(m.history, historyEntry{
			input:  "",
			output: "Completions: " + strings.Join(completions, ", "),
			isErr:  false,
		})
	}

	return m
}

// evalCmd evaluates input off the update loop so ctrl+c can interrupt it.
func (m replModel) evalCmd(ctx context.Context, input string) tea.Cmd {
	return func() tea.Msg {
		output, isErr := m.evaluate(ctx, input)
		return evalResultMsg{input: input, output: output, isErr: isErr}
	}
}

func (m replModel) evaluate(ctx context.Context, input string) (string, bool) {
	m.console.Reset()
	result, err := m.engine.RunString(ctx, "repl", input)
	printed := m.console.String()
	if err != nil {
		return printed + err.Error(), true
	}
	if err := m.engine.Runtime().Set("_", result); err != nil {
		return err.Error(), true
	}
	return printed + m.engine.Format(result), false
}

func (m replModel) View() string {
	if !m.initialized {
		return "Loading..."
	}

	if m.quitting {
		return mutedStyle.Render("Goodbye!\n")
	}

	var b strings.Builder

	header := headerStyle.Render("scriptload REPL")
	version := mutedStyle.Render("v0.1.0")
	b.WriteString(header + " " + version + "\n")
	b.WriteString(mutedStyle.Render(strings.Repeat("─", min(m.width-2, 60))) + "\n\n")

	features := m.engine.LoadedFeatures()
	reservedLines := 8
	if m.showHelp {
		reservedLines += 10
	}
	if m.showFeatures {
		reservedLines += len(features) + 3
	}
	availableHeight := m.height - reservedLines

	historyStart := 0
	if len(m.history) > availableHeight {
		historyStart = len(m.history) - availableHeight
	}

	for i := historyStart; i < len(m.history); i++ {
		entry := m.history[i]
		if entry.input != "" {
			b.WriteString(mutedStyle.Render("  › ") + entry.input + "\n")
		}
		if entry.isErr {
			b.WriteString("  " + errorStyle.Render("✗ "+entry.output) + "\n")
		} else {
			b.WriteString("  " + resultStyle.Render("→ "+entry.output) + "\n")
		}
		b.WriteString("\n")
	}

	if m.showFeatures {
		b.WriteString(renderFeaturesPanel(features))
		b.WriteString("\n")
	}

	if m.showHelp {
		b.WriteString(renderHelpPanel())
		b.WriteString("\n")
	}

	if m.running {
		b.WriteString(mutedStyle.Render("  running... ctrl+c interrupts") + "\n\n")
	} else {
		b.WriteString(m.textInput.View() + "\n\n")
	}

	footer := helpKeyStyle.Render("ctrl+k") + helpDescStyle.Render(" help  ") +
		helpKeyStyle.Render("ctrl+f") + helpDescStyle.Render(" features  ") +
		helpKeyStyle.Render("ctrl+l") + helpDescStyle.Render(" clear  ") +
		helpKeyStyle.Render("ctrl+c") + helpDescStyle.Render(" quit")
	b.WriteString(footer)

	return b.String()
}

func renderFeaturesPanel(features []string) string {
	if len(features) == 0 {
		return borderStyle.Render(mutedStyle.Render("Nothing required yet"))
	}

	var lines []string
	lines = append(lines, lipgloss.NewStyle().Bold(true).Foreground(accentColor).Render("Loaded features"))
	for i, feature := range features {
		lines = append(lines, fmt.Sprintf("  %s %s", helpKeyStyle.Render(fmt.Sprintf("%2d", i+1)), feature))
	}
	return borderStyle.Render(strings.Join(lines, "\n"))
}

func renderHelpPanel() string {
	help := []struct {
		key  string
		desc string
	}{
		{"↑/↓", "Navigate command history"},
		{"Tab", "Autocomplete"},
		{"Enter", "Execute expression"},
		{":help", "Toggle this help"},
		{":features", "Toggle loaded features panel"},
		{":loadpath", "Show the load path"},
		{":clear", "Clear history"},
		{":reset", "Start a fresh engine"},
		{":quit", "Exit REPL"},
	}

	var lines []string
	lines = append(lines, lipgloss.NewStyle().Bold(true).Foreground(accentColor).Render("Help"))
	for _, h := range help {
		line := fmt.Sprintf("  %s  %s",
			helpKeyStyle.Render(fmt.Sprintf("%-10s", h.key)),
			helpDescStyle.Render(h.desc))
		lines = append(lines, line)
	}

	return borderStyle.Render(strings.Join(lines, "\n"))
}

func runREPL(cfg script.Config) error {
	model, err := newREPLModel(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = model.engine.Close() }()

	p := tea.NewProgram(model, tea.WithAltScreen())
	final, err := p.Run()
	if fm, ok := final.(replModel); ok && fm.engine != model.engine {
		_ = fm.engine.Close()
	}
	return err
}
