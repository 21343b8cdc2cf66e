package tui

import (
	"github.com/charmbracelet/lipgloss"
)

// Task statuses as displayed. The CLI summary uses the same palette.
const (
	StatusPending    = "pending"
	StatusRunning    = "running"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped" // Failed because a dependency failed
	StatusSuperseded = "superseded"
)

var statusStyles = map[string]lipgloss.Style{
	StatusPending:    lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	StatusRunning:    lipgloss.NewStyle().Foreground(lipgloss.Color("yellow")).Bold(true),
	StatusSucceeded:  lipgloss.NewStyle().Foreground(lipgloss.Color("green")).Bold(true),
	StatusFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("red")).Bold(true),
	StatusSkipped:    lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
	StatusSuperseded: lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true),
}

var statusIcons = map[string]string{
	StatusPending:    "○",
	StatusRunning:    "●",
	StatusSucceeded:  "✓",
	StatusFailed:     "✗",
	StatusSkipped:    "⊘",
	StatusSuperseded: "↷",
}

// StatusStyle returns the style of a status; unknown statuses render as pending.
func StatusStyle(status string) lipgloss.Style {
	if style, ok := statusStyles[status]; ok {
		return style
	}
	return statusStyles[StatusPending]
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	icon, ok := statusIcons[status]
	if !ok {
		icon = statusIcons[StatusPending]
	}
	return StatusStyle(status).Render(icon)
}

var (
	stylePane = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240"))

	stylePaneFocused = stylePane.
				BorderForeground(lipgloss.Color("62"))

	styleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	styleHelp = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	styleSelected = lipgloss.NewStyle().
			Background(lipgloss.Color("62")).
			Foreground(lipgloss.Color("0"))
)
