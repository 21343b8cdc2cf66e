package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/devflow/internal/events"
)

const listWidth = 32

// TaskState is what the pane knows about one task.
type TaskState struct {
	Key         string
	BaseKey     string
	Type        string
	Description string
	Status      string
	Output      []string
	StartTime   time.Time
	Duration    time.Duration
}

// TaskPaneModel lists tasks and shows the output of the selected one.
type TaskPaneModel struct {
	tasks       map[string]*TaskState // key -> state
	order       []string              // insertion order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewTaskPaneModel creates a new task pane model.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case keyJ, keyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case keyK, keyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskStartedEvent:
		task := m.track(msg.Key, msg.BaseKey)
		task.Type = msg.Type
		task.Description = msg.Description
		task.Status = StatusRunning
		task.StartTime = msg.Timestamp
		m.refreshIfSelected(msg.Key)

	case events.TaskOutputEvent:
		task, ok := m.tasks[msg.Key]
		if !ok {
			break
		}
		task.Output = append(task.Output, msg.Line)
		if m.selectedKey() == msg.Key {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case events.TaskCompletedEvent:
		task := m.track(msg.Key, msg.BaseKey)
		task.Status = StatusSucceeded
		task.Duration = msg.Duration
		task.Output = append(task.Output, fmt.Sprintf("\n[Completed in %v]", msg.Duration.Round(time.Millisecond)))
		m.refreshIfSelected(msg.Key)

	case events.TaskFailedEvent:
		task := m.track(msg.Key, msg.BaseKey)
		task.Status = StatusFailed
		if msg.Propagated {
			task.Status = StatusSkipped
		}
		task.Duration = msg.Duration
		task.Output = append(task.Output, fmt.Sprintf("\n[Failed: %v]", msg.Err))
		m.refreshIfSelected(msg.Key)

	case events.TaskSupersededEvent:
		task, ok := m.tasks[msg.Key]
		if !ok {
			break
		}
		task.Status = StatusSuperseded
		task.Output = append(task.Output, fmt.Sprintf("\n[Superseded by %s]", msg.SupersededBy))
		m.refreshIfSelected(msg.Key)

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// track returns the state of key, adding it on first sight. Tasks failed by a
// dependency are first seen through their failure event.
func (m *TaskPaneModel) track(key, baseKey string) *TaskState {
	if task, ok := m.tasks[key]; ok {
		return task
	}
	task := &TaskState{Key: key, BaseKey: baseKey}
	m.tasks[key] = task
	m.order = append(m.order, key)
	if len(m.order) == 1 {
		m.selectedIdx = 0
		m.updateViewportContent()
	}
	return task
}

func (m *TaskPaneModel) refreshIfSelected(key string) {
	if m.selectedKey() == key {
		m.updateViewportContent()
	}
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	viewportWidth := m.width - listWidth - 4
	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := stylePane
	if m.focused {
		style = stylePaneFocused
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList() string {
	var b strings.Builder

	title := styleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(listWidth, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StatusStyle(StatusPending).Render("Waiting..."))
	}
	for i, key := range m.order {
		task := m.tasks[key]
		name := task.BaseKey
		if len(name) > listWidth-6 {
			name = name[:listWidth-9] + "..."
		}

		line := fmt.Sprintf("%s %s", StatusIcon(task.Status), name)
		if i == m.selectedIdx {
			line = styleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(listWidth).
		Height(m.height - 2).
		Render(b.String())
}

func (m TaskPaneModel) selectedKey() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

// Selected returns the state of the selected task, if any.
func (m TaskPaneModel) Selected() (*TaskState, bool) {
	task, ok := m.tasks[m.selectedKey()]
	return task, ok
}

func (m *TaskPaneModel) updateViewportContent() {
	task, ok := m.tasks[m.selectedKey()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	header := styleTitle.Render(task.Description)
	m.viewport.SetContent(header + "\n" + strings.Join(task.Output, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-listWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
