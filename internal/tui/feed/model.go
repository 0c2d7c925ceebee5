// Package feed is the live activity view: a bubbletea TUI tailing the
// shared events log.
package feed

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/overstory-ai/overstory/internal/events"
)

const maxEventHistory = 1000

// KeyMap defines the feed key bindings.
type KeyMap struct {
	Quit       key.Binding
	Help       key.Binding
	ErrorsOnly key.Binding
	Follow     key.Binding
}

// DefaultKeyMap returns the standard bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Quit:       key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
		Help:       key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
		ErrorsOnly: key.NewBinding(key.WithKeys("e"), key.WithHelp("e", "errors only")),
		Follow:     key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "follow tail")),
	}
}

// ShortHelp implements help.KeyMap.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Help, k.ErrorsOnly, k.Follow, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Help, k.ErrorsOnly, k.Follow, k.Quit}}
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	agentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle   = lipgloss.NewStyle().Faint(true)
)

// eventMsg carries one tailed event into the update loop.
type eventMsg events.Event

// streamClosedMsg ends the program when the tailer shuts down.
type streamClosedMsg struct{}

// Model is the bubbletea model for the feed view.
type Model struct {
	tailer     *Tailer
	viewport   viewport.Model
	events     []events.Event
	keys       KeyMap
	help       help.Model
	showHelp   bool
	errorsOnly bool
	follow     bool
	width      int
	height     int
	ready      bool
}

// NewModel builds the feed over a running tailer.
func NewModel(tailer *Tailer) Model {
	return Model{
		tailer: tailer,
		keys:   DefaultKeyMap(),
		help:   help.New(),
		follow: true,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return m.waitForEvent()
}

func (m Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.tailer.Events()
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(ev)
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		headerHeight := 2
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight
		}
		m.refresh()
		return m, nil

	case eventMsg:
		m.events = append(m.events, events.Event(msg))
		if len(m.events) > maxEventHistory {
			m.events = m.events[len(m.events)-maxEventHistory:]
		}
		m.refresh()
		return m, m.waitForEvent()

	case streamClosedMsg:
		return m, tea.Quit

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Help):
			m.showHelp = !m.showHelp
			return m, nil
		case key.Matches(msg, m.keys.ErrorsOnly):
			m.errorsOnly = !m.errorsOnly
			m.refresh()
			return m, nil
		case key.Matches(msg, m.keys.Follow):
			m.follow = !m.follow
			if m.follow {
				m.viewport.GotoBottom()
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// refresh re-renders the viewport content from the event history.
func (m *Model) refresh() {
	if !m.ready {
		return
	}
	var b strings.Builder
	for _, ev := range m.events {
		if m.errorsOnly && ev.Level != events.LevelError && ev.Level != events.LevelWarn {
			continue
		}
		b.WriteString(formatEvent(ev))
		b.WriteString("\n")
	}
	m.viewport.SetContent(b.String())
	if m.follow {
		m.viewport.GotoBottom()
	}
}

// formatEvent renders one event line for the feed.
func formatEvent(ev events.Event) string {
	ts := dimStyle.Render(ev.Timestamp.Format("15:04:05"))
	agent := agentStyle.Render(ev.AgentName)

	label := ev.EventType
	switch ev.Level {
	case events.LevelError:
		label = errStyle.Render(label)
	case events.LevelWarn:
		label = warnStyle.Render(label)
	}

	detail := ev.Data
	if ev.ToolName != "" {
		detail = strings.TrimSpace(ev.ToolName + " " + detail)
	}
	if detail == "" {
		return fmt.Sprintf("%s %s %s", ts, agent, label)
	}
	return fmt.Sprintf("%s %s %s %s", ts, agent, label, dimStyle.Render(detail))
}

// View implements tea.Model.
func (m Model) View() string {
	if !m.ready {
		return "loading feed..."
	}

	title := titleStyle.Render("overstory feed")
	mode := ""
	if m.errorsOnly {
		mode = warnStyle.Render(" [errors]")
	}
	if !m.follow {
		mode += dimStyle.Render(" [paused]")
	}
	header := title + mode

	if m.showHelp {
		return header + "\n" + m.viewport.View() + "\n" + m.help.View(m.keys)
	}
	return header + "\n" + m.viewport.View()
}
