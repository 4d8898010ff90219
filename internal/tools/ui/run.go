package ui

import (
	"context"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

type frameMsg struct{}

type doneMsg struct {
	details []string
	err     error
}

type runModel struct {
	title   string
	frame   int
	fn      func(context.Context) ([]string, error)
	ctx     context.Context
	cancel  context.CancelFunc
	done    bool
	details []string
	err     error
}

func frame() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(time.Time) tea.Msg { return frameMsg{} })
}

func (m runModel) Init() tea.Cmd {
	return tea.Batch(frame(), func() tea.Msg {
		details, err := m.fn(m.ctx)
		return doneMsg{details: details, err: err}
	})
}

func (m runModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.cancel()
		}
	case frameMsg:
		if m.done {
			return m, nil
		}
		m.frame++
		return m, frame()
	case doneMsg:
		m.done, m.details, m.err = true, msg.details, msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m runModel) View() string {
	var b strings.Builder
	if !m.done {
		b.WriteString(spinnerRunes[m.frame%len(spinnerRunes)] + " " + titleStyle.Render(m.title) + "\n")
		return b.String()
	}
	if m.err != nil {
		b.WriteString(errStyle.Render("✗ "+m.title) + "\n")
	} else {
		b.WriteString(okStyle.Render("✓ "+m.title) + "\n")
	}
	for _, d := range m.details {
		b.WriteString(mutedStyle.Render("  "+d) + "\n")
	}
	if m.err != nil {
		b.WriteString(errStyle.Render("  "+m.err.Error()) + "\n")
	}
	return b.String()
}

// Run executes fn behind a spinner and returns its result once it finishes.
// Pressing q or ctrl+c cancels fn's context.
func Run(title string, fn func(context.Context) ([]string, error)) ([]string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	final, err := tea.NewProgram(runModel{title: title, fn: fn, ctx: ctx, cancel: cancel}).Run()
	if err != nil {
		return nil, err
	}
	m := final.(runModel)
	return m.details, m.err
}
