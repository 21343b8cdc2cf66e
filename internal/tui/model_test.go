package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/devflow/internal/events"
)

func update(t *testing.T, m Model, msgs ...tea.Msg) Model {
	t.Helper()
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(Model)
	}
	return m
}

func TestTaskLifecycle(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	now := time.Now()

	m := update(t, New(bus, "build"),
		tea.WindowSizeMsg{Width: 120, Height: 40},
		events.TaskStartedEvent{Key: "build.api@v1", BaseKey: "build.api", Type: "build", Description: "building api", Timestamp: now},
		events.TaskOutputEvent{Key: "build.api@v1", Line: "compiling"},
		events.TaskCompletedEvent{Key: "build.api@v1", BaseKey: "build.api", Duration: time.Second},
		events.TaskFailedEvent{Key: "deploy.api", BaseKey: "deploy.api", Err: errors.New("dependency build.api failed"), Propagated: true},
	)

	task, ok := m.taskPane.Selected()
	if !ok || task.Key != "build.api@v1" {
		t.Fatalf("first task should be selected, got %+v", task)
	}
	if task.Status != StatusSucceeded {
		t.Errorf("status = %q, want completed", task.Status)
	}
	if len(task.Output) != 2 || task.Output[0] != "compiling" {
		t.Errorf("unexpected output %q", task.Output)
	}

	skipped := m.taskPane.tasks["deploy.api"]
	if skipped == nil || skipped.Status != StatusSkipped {
		t.Errorf("propagated failure should show as skipped, got %+v", skipped)
	}

	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	if task, _ := m.taskPane.Selected(); task.Key != "deploy.api" {
		t.Errorf("j should select the next task, got %s", task.Key)
	}
}

func TestSupersededTask(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	m := update(t, New(bus, "deploy"),
		events.TaskStartedEvent{Key: "deploy.web@1", BaseKey: "deploy.web"},
		events.TaskSupersededEvent{Key: "deploy.web@1", BaseKey: "deploy.web", SupersededBy: "deploy.web@2"},
	)
	if got := m.taskPane.tasks["deploy.web@1"].Status; got != StatusSuperseded {
		t.Errorf("status = %q, want superseded", got)
	}
}

func TestGraphProgress(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	m := update(t, New(bus, "test"),
		tea.WindowSizeMsg{Width: 120, Height: 40},
		events.GraphProgressEvent{Total: 5, Succeeded: 2, Failed: 1, Processing: 1, Superseded: 1},
	)
	if got := m.graphPane.Percent(); got != 0.75 {
		t.Errorf("Percent = %v, want 0.75", got)
	}

	m = update(t, m, events.GraphDoneEvent{Results: 4, Failed: 1, Duration: 2 * time.Second})
	if !strings.Contains(m.graphPane.View(), "Done in 2s") {
		t.Error("graph pane should report completion")
	}
}

func TestFocusCycling(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	m := update(t, New(bus, "build"), tea.WindowSizeMsg{Width: 100, Height: 30})
	m = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focusedPane != PaneGraph {
		t.Errorf("tab should focus the graph pane, got %d", m.focusedPane)
	}
	m = update(t, m, tea.KeyMsg{Type: tea.KeyShiftTab})
	if m.focusedPane != PaneTasks {
		t.Errorf("shift+tab should focus the task pane, got %d", m.focusedPane)
	}
}

func TestCommandDone(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	m := update(t, New(bus, "build"),
		tea.WindowSizeMsg{Width: 100, Height: 30},
		CommandDoneMsg{Err: errors.New("2 tasks failed")},
	)
	if !strings.Contains(m.View(), "build failed: 2 tasks failed") {
		t.Error("status line should report the command error")
	}

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if !next.(Model).quitting || cmd == nil {
		t.Error("q should quit")
	}
}
