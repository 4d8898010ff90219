package ui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

type EventKind string

const (
	EventRefreshed EventKind = "refreshed"
	EventLoggedOut EventKind = "logged_out"
	EventError     EventKind = "error"
)

// SessionEvent is pushed by the caller whenever the session changes.
type SessionEvent struct {
	Kind      EventKind
	ExpiresAt time.Time
	Err       error
	At        time.Time
}

type clockMsg time.Time

type eventMsg SessionEvent

type closedMsg struct{}

// WatchModel renders a live view of a refreshing session.
type WatchModel struct {
	Subject   string
	ExpiresAt time.Time
	Refreshes int
	Now       time.Time
	Log       []string
	Ended     bool

	events <-chan SessionEvent
}

func NewWatchModel(subject string, expiresAt time.Time, events <-chan SessionEvent) WatchModel {
	return WatchModel{Subject: subject, ExpiresAt: expiresAt, Now: time.Now(), events: events}
}

func (m WatchModel) waitEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

func clock() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return clockMsg(t) })
}

func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(clock(), m.waitEvent())
}

func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
	case clockMsg:
		m.Now = time.Time(msg)
		return m, clock()
	case eventMsg:
		m = m.apply(SessionEvent(msg))
		if m.Ended {
			return m, tea.Quit
		}
		return m, m.waitEvent()
	case closedMsg:
		return m, tea.Quit
	}
	return m, nil
}

func (m WatchModel) apply(ev SessionEvent) WatchModel {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	stamp := at.Format("15:04:05")
	switch ev.Kind {
	case EventRefreshed:
		m.Refreshes++
		m.ExpiresAt = ev.ExpiresAt
		m.Log = append(m.Log, fmt.Sprintf("%s refreshed, expires %s", stamp, ev.ExpiresAt.Format("15:04:05")))
	case EventLoggedOut:
		m.Ended = true
		m.Log = append(m.Log, fmt.Sprintf("%s session ended: %v", stamp, ev.Err))
	case EventError:
		m.Log = append(m.Log, fmt.Sprintf("%s refresh failed: %v", stamp, ev.Err))
	}
	if len(m.Log) > 8 {
		m.Log = m.Log[len(m.Log)-8:]
	}
	return m
}

func (m WatchModel) View() string {
	var b strings.Builder
	b.WriteString(labelStyle.Render("subject") + m.Subject + "\n")
	remaining := m.ExpiresAt.Sub(m.Now).Truncate(time.Second)
	status := okStyle.Render(remaining.String())
	if remaining <= 0 {
		status = errStyle.Render("expired")
	}
	if m.Ended {
		status = errStyle.Render("logged out")
	}
	b.WriteString(labelStyle.Render("access token") + status + "\n")
	b.WriteString(labelStyle.Render("refreshes") + fmt.Sprint(m.Refreshes) + "\n")
	for _, line := range m.Log {
		b.WriteString(mutedStyle.Render(line) + "\n")
	}
	return titleStyle.Render("session watch") + "\n" + panelStyle.Render(strings.TrimRight(b.String(), "\n")) + "\n" + mutedStyle.Render("q to quit") + "\n"
}

// Watch blocks until the user quits or the session ends.
func Watch(m WatchModel) (WatchModel, error) {
	final, err := tea.NewProgram(m).Run()
	if err != nil {
		return m, err
	}
	return final.(WatchModel), nil
}
