// Package style provides consistent terminal styling using Lipgloss.
package style

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Base styles shared across commands.
var (
	Bold    = lipgloss.NewStyle().Bold(true)
	Dim     = lipgloss.NewStyle().Faint(true)
	Header  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	Success = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	Warning = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	Danger  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// stateStyles colors session lifecycle states in listings.
var stateStyles = map[string]lipgloss.Style{
	"booting":   Dim,
	"working":   Success,
	"completed": lipgloss.NewStyle().Foreground(lipgloss.Color("75")),
	"stalled":   Warning,
	"zombie":    Danger,
}

// State renders a session state with its lifecycle color.
func State(state string) string {
	if s, ok := stateStyles[state]; ok {
		return s.Render(state)
	}
	return state
}

// Priority renders a mail priority, highlighting the ones that nudge.
func Priority(p string) string {
	switch p {
	case "high":
		return Warning.Render(p)
	case "urgent":
		return Danger.Render(p)
	default:
		return p
	}
}

// IsTerminal reports whether stdout is a real terminal. Piped output
// gets plain text.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// TerminalWidth returns the stdout width, defaulting to 80 when stdout
// is not a terminal.
func TerminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return 80
}
