package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/devflow/internal/events"
)

// GraphPaneModel shows node counts of the task graph and a progress bar.
type GraphPaneModel struct {
	total      int
	succeeded  int
	processing int
	failed     int
	pending    int
	superseded int

	done     bool
	duration time.Duration

	bar     progress.Model
	width   int
	height  int
	focused bool
}

// NewGraphPaneModel creates a new graph pane model.
func NewGraphPaneModel() GraphPaneModel {
	return GraphPaneModel{
		bar: progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
	}
}

// Update handles messages for the graph pane.
func (m GraphPaneModel) Update(msg tea.Msg) (GraphPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.GraphProgressEvent:
		m.total = msg.Total
		m.succeeded = msg.Succeeded
		m.processing = msg.Processing
		m.failed = msg.Failed
		m.pending = msg.Pending
		m.superseded = msg.Superseded
		m.done = false

	case events.GraphDoneEvent:
		m.done = true
		m.duration = msg.Duration
	}

	return m, nil
}

// Percent is the share of non-superseded nodes that have settled.
func (m GraphPaneModel) Percent() float64 {
	active := m.total - m.superseded
	if active <= 0 {
		return 0
	}
	return float64(m.succeeded+m.failed) / float64(active)
}

// View renders the graph pane.
func (m GraphPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := styleTitle.Render("Graph")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Total:      %d\n", m.total)
	fmt.Fprintf(&b, "Succeeded:  %s\n", StatusStyle(StatusSucceeded).Render(fmt.Sprint(m.succeeded)))
	fmt.Fprintf(&b, "Processing: %s\n", StatusStyle(StatusRunning).Render(fmt.Sprint(m.processing)))
	fmt.Fprintf(&b, "Failed:     %s\n", StatusStyle(StatusFailed).Render(fmt.Sprint(m.failed)))
	fmt.Fprintf(&b, "Pending:    %s\n", StatusStyle(StatusPending).Render(fmt.Sprint(m.pending)))
	fmt.Fprintf(&b, "Superseded: %s\n", StatusStyle(StatusSuperseded).Render(fmt.Sprint(m.superseded)))
	b.WriteString("\n")

	if m.total > 0 {
		bar := m.bar
		bar.Width = max(min(m.width-6, 40), 10)
		b.WriteString(bar.ViewAs(m.Percent()))
		fmt.Fprintf(&b, "  %d/%d\n", m.succeeded+m.failed, m.total-m.superseded)
	}
	if m.done {
		b.WriteString("\n")
		b.WriteString(StatusStyle(StatusSucceeded).Render(fmt.Sprintf("Done in %v", m.duration.Round(time.Millisecond))))
	}

	style := stylePane
	if m.focused {
		style = stylePaneFocused
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *GraphPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *GraphPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
