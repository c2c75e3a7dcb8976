package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"pyprobe/internal/frames"
	"pyprobe/internal/probeerr"
	"pyprobe/internal/session"
	"pyprobe/internal/value"
)

const requestTimeout = 30 * time.Second

// Session defines the subset of session.Session behaviour the TUI needs.
type Session interface {
	Execute(ctx context.Context, text string) (value.Value, error)
	WalkFrames(ctx context.Context, opts frames.Options) ([]frames.Record, error)
	Info() session.Info
}

var (
	okStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

// Model represents the Bubble Tea state.
type Model struct {
	sess Session
	info session.Info

	input  textinput.Model
	output viewport.Model
	lines  []string

	// history holds submitted inputs, oldest first. recall indexes into it
	// while the user walks back with the arrow keys.
	history []string
	recall  int

	busy bool
	// fatal is set once the session stops being usable.
	fatal error

	width  int
	height int
}

// New constructs a REPL model for an attached session.
func New(sess Session) *Model {
	in := textinput.New()
	in.Prompt = ">>> "
	in.Placeholder = "expression"
	in.Focus()

	return &Model{
		sess:   sess,
		info:   sess.Info(),
		input:  in,
		output: viewport.New(80, 20),
	}
}

// Run spins up the Bubble Tea program with sensible defaults.
func Run(sess Session) error {
	prog := tea.NewProgram(New(sess), tea.WithAltScreen())
	_, err := prog.Run()
	return err
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return textinput.Blink
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.output.Width = msg.Width
		if msg.Height > 4 {
			m.output.Height = msg.Height - 4
		}
		m.input.Width = msg.Width - len(m.input.Prompt) - 1
		m.refresh()
		return m, nil

	case evalMsg:
		m.busy = false
		m.appendResult(msg)
		return m, nil

	case backtraceMsg:
		m.busy = false
		if msg.err != nil {
			m.fail(msg.err)
			return m, nil
		}
		if len(msg.frames) == 0 {
			m.appendLines(helpStyle.Render("(no Python frames)"))
		}
		for _, rec := range msg.frames {
			m.appendLines(rec.String())
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			return m, m.submit()
		case "ctrl+b":
			if m.busy || m.fatal != nil {
				return m, nil
			}
			m.busy = true
			return m, backtraceCmd(m.sess)
		case "up":
			m.walkHistory(-1)
			return m, nil
		case "down":
			m.walkHistory(1)
			return m, nil
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.output, cmd = m.output.Update(msg)
			return m, cmd
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m *Model) View() string {
	var b strings.Builder

	status := fmt.Sprintf("pid %d  %s %s  %s", m.info.PID, m.info.Runtime, m.info.Version, m.info.Descriptor)
	if m.fatal != nil {
		b.WriteString(errStyle.Bold(true).Render(status + "  [session failed]"))
	} else {
		b.WriteString(okStyle.Render(status))
	}
	b.WriteByte('\n')

	b.WriteString(m.output.View())
	b.WriteByte('\n')

	if m.busy {
		b.WriteString(helpStyle.Render("waiting for target…"))
	} else {
		b.WriteString(m.input.View())
	}
	b.WriteByte('\n')

	b.WriteString(helpStyle.Render("Commands: enter evaluate • ctrl+b backtrace • up/down history • pgup/pgdown scroll • esc quit"))
	return b.String()
}

func (m *Model) submit() tea.Cmd {
	text := m.input.Value()
	if m.busy || m.fatal != nil || strings.TrimSpace(text) == "" {
		return nil
	}
	m.history = append(m.history, text)
	m.recall = len(m.history)
	m.input.Reset()
	m.appendLines(m.input.Prompt + text)
	m.busy = true
	return evalCmd(m.sess, text)
}

func (m *Model) walkHistory(step int) {
	next := m.recall + step
	if next < 0 || next > len(m.history) {
		return
	}
	m.recall = next
	if next == len(m.history) {
		m.input.SetValue("")
		return
	}
	m.input.SetValue(m.history[next])
	m.input.CursorEnd()
}

func (m *Model) appendResult(msg evalMsg) {
	var ee *probeerr.EvaluationError
	switch {
	case errors.As(msg.err, &ee):
		if ee.Traceback != "" {
			m.appendLines(errStyle.Render(strings.TrimRight(ee.Traceback, "\n")))
		}
		m.appendLines(errStyle.Render(ee.Error()))
	case msg.err != nil:
		m.fail(msg.err)
	case msg.value.Kind == value.KindNone:
	default:
		m.appendLines(msg.value.String())
	}
}

// fail reports err and disables input once the session can no longer be used.
func (m *Model) fail(err error) {
	m.appendLines(errStyle.Render("error: " + err.Error()))
	if probeerr.PhaseOf(err) == probeerr.PhaseRuntime || errors.Is(err, probeerr.ErrInvalidHandle) {
		m.fatal = err
		m.input.Blur()
	}
}

func (m *Model) appendLines(s ...string) {
	m.lines = append(m.lines, s...)
	m.refresh()
}

func (m *Model) refresh() {
	m.output.SetContent(strings.Join(m.lines, "\n"))
	m.output.GotoBottom()
}

type evalMsg struct {
	value value.Value
	err   error
}

type backtraceMsg struct {
	frames []frames.Record
	err    error
}

func evalCmd(sess Session, text string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		v, err := sess.Execute(ctx, text)
		return evalMsg{value: v, err: err}
	}
}

func backtraceCmd(sess Session) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		recs, err := sess.WalkFrames(ctx, frames.Options{})
		return backtraceMsg{frames: recs, err: err}
	}
}
