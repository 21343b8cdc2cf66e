// Package tui renders live progress of a command from the event bus.
package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/devflow/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneGraph
	paneCount
)

// CommandDoneMsg tells the model the command has finished.
type CommandDoneMsg struct {
	Err error
}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	title       string
	taskPane    TaskPaneModel
	graphPane   GraphPaneModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	width       int
	height      int
	quitting    bool
	finished    bool
	err         error
}

// New creates a new TUI model subscribed to every event on the bus.
func New(eventBus *events.EventBus, title string) Model {
	return Model{
		title:       title,
		taskPane:    NewTaskPaneModel(),
		graphPane:   NewGraphPaneModel(),
		focusedPane: PaneTasks,
		eventSub:    eventBus.SubscribeAll(256),
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case keyQuit, keyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case keyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case keyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case keyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case keyPane2:
			m.focusedPane = PaneGraph
			m.updateFocusStates()

		default:
			if m.focusedPane == PaneTasks {
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case tickMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)

	case events.TaskStartedEvent, events.TaskOutputEvent, events.TaskCompletedEvent,
		events.TaskFailedEvent, events.TaskSupersededEvent:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.GraphProgressEvent, events.GraphDoneEvent:
		var cmd tea.Cmd
		m.graphPane, cmd = m.graphPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case CommandDoneMsg:
		m.finished = true
		m.err = msg.Err
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	panes := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), m.graphPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, m.statusLine(), panes, HelpView())
}

func (m Model) statusLine() string {
	switch {
	case m.finished && m.err != nil:
		return StatusStyle(StatusFailed).Render(fmt.Sprintf("%s failed: %v (q to exit)", m.title, m.err))
	case m.finished:
		return StatusStyle(StatusSucceeded).Render(fmt.Sprintf("%s finished (q to exit)", m.title))
	default:
		return styleTitle.Render(m.title)
	}
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 65) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 2 // status line and help bar

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.graphPane.SetSize(rightWidth, availableHeight)
	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.graphPane.SetFocused(m.focusedPane == PaneGraph)
}
