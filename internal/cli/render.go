package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/aristath/devflow/internal/persistence"
	"github.com/aristath/devflow/internal/provider"
	"github.com/aristath/devflow/internal/taskgraph"
	"github.com/aristath/devflow/internal/tui"
)

var (
	styleOK     = tui.StatusStyle(tui.StatusSucceeded)
	styleFailed = tui.StatusStyle(tui.StatusFailed)
	styleDim    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	styleHeader = lipgloss.NewStyle().Bold(true)
	styleDetail = lipgloss.NewStyle().PaddingLeft(4)
)

// Encode writes v as indented JSON or as YAML.
func Encode(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

// RenderSummary prints one line per result followed by the details of every
// failure. Failures inherited from a dependency name the task that actually
// failed.
func RenderSummary(w io.Writer, results taskgraph.Results) {
	if len(results) == 0 {
		fmt.Fprintln(w, styleDim.Render("Nothing to do."))
		return
	}

	for _, key := range results.Keys() {
		r := results[key]
		line := fmt.Sprintf("%s %s", resultIcon(r.Error), key)
		if r.Description != "" {
			line += " " + styleDim.Render(r.Description)
		}
		if d := duration(r.StartedAt, r.CompletedAt); d != "" {
			line += " " + styleDim.Render("("+d+")")
		}
		fmt.Fprintln(w, line)

		if r.Error == nil {
			continue
		}
		if taskgraph.IsPropagated(r.Error) {
			root, err := rootCause(r.Error)
			fmt.Fprintln(w, styleDetail.Render(fmt.Sprintf("skipped: %s failed: %v", root, err)))
			continue
		}
		fmt.Fprintln(w, styleDetail.Render(indent(r.Error.Error())))
		for _, depKey := range r.DependencyResults.Keys() {
			dep := r.DependencyResults[depKey]
			fmt.Fprintln(w, styleDetail.Render(fmt.Sprintf("%s %s %s", styleDim.Render("after"), resultIcon(dep.Error), dep.Key)))
		}
	}

	failed := results.Failed()
	summary := fmt.Sprintf("%d succeeded, %d failed", len(results)-failed, failed)
	if failed > 0 {
		fmt.Fprintln(w, styleFailed.Render(summary))
	} else {
		fmt.Fprintln(w, styleOK.Render(summary))
	}
}

// rootCause follows a chain of propagated failures to the dependency that
// failed on its own.
func rootCause(err error) (string, error) {
	var depErr *taskgraph.DependencyError
	key := ""
	for errors.As(err, &depErr) {
		key = depErr.Dependency
		err = depErr.Err
	}
	return key, err
}

func resultIcon(err error) string {
	switch {
	case err == nil:
		return tui.StatusIcon(tui.StatusSucceeded)
	case taskgraph.IsPropagated(err):
		return tui.StatusIcon(tui.StatusSkipped)
	default:
		return tui.StatusIcon(tui.StatusFailed)
	}
}

func duration(start, end time.Time) string {
	if start.IsZero() || end.IsZero() {
		return ""
	}
	return end.Sub(start).Round(time.Millisecond).String()
}

func indent(s string) string {
	return strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n  ")
}

// RenderStatuses prints a table of services and their state.
func RenderStatuses(w io.Writer, statuses []provider.ServiceStatus) {
	if len(statuses) == 0 {
		fmt.Fprintln(w, styleDim.Render("No services defined."))
		return
	}
	fmt.Fprintln(w, styleHeader.Render(fmt.Sprintf("%-20s  %-12s  %-10s  %-8s  %-18s  %s", "SERVICE", "MODULE", "PROVIDER", "STATE", "VERSION", "INSTANCE")))
	for _, s := range statuses {
		fmt.Fprintf(w, "%-20s  %-12s  %-10s  %s  %-18s  %s\n",
			s.Service,
			s.Module,
			s.Provider,
			stateStyle(s.State).Render(fmt.Sprintf("%-8s", s.State)),
			s.Version,
			instance(s),
		)
	}
}

func stateStyle(state string) lipgloss.Style {
	switch state {
	case provider.StateRunning:
		return styleOK
	case provider.StateStopped:
		return styleDim
	default:
		return lipgloss.NewStyle()
	}
}

func instance(s provider.ServiceStatus) string {
	switch {
	case s.PID != 0:
		return fmt.Sprintf("pid %d", s.PID)
	case s.ID != "":
		return shortID(s.ID)
	default:
		return ""
	}
}

// RenderRuns prints a table of recorded runs, most recent first.
func RenderRuns(w io.Writer, runs []*persistence.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, styleDim.Render("No runs recorded."))
		return
	}
	fmt.Fprintln(w, styleHeader.Render(fmt.Sprintf("%-8s  %-19s  %-10s  %-8s  %s", "ID", "STARTED", "DURATION", "STATUS", "COMMAND")))
	for _, run := range runs {
		fmt.Fprintf(w, "%-8s  %-19s  %-10s  %-8s  %s\n",
			shortID(run.ID),
			run.StartedAt.Local().Format(time.DateTime),
			duration(run.StartedAt, run.CompletedAt),
			runStatus(run),
			strings.TrimSpace(run.Command+" "+strings.Join(run.Args, " ")),
		)
	}
}

// RenderRun prints one run and its entries.
func RenderRun(w io.Writer, run *persistence.Run) {
	fmt.Fprintln(w, styleHeader.Render(fmt.Sprintf("Run %s", run.ID)))
	fmt.Fprintf(w, "command:     %s\n", strings.TrimSpace(run.Command+" "+strings.Join(run.Args, " ")))
	fmt.Fprintf(w, "environment: %s\n", run.Environment)
	fmt.Fprintf(w, "started:     %s\n", run.StartedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "duration:    %s\n", duration(run.StartedAt, run.CompletedAt))
	if run.Error != "" {
		fmt.Fprintf(w, "error:       %s\n", styleFailed.Render(run.Error))
	}
	fmt.Fprintln(w)

	for _, e := range run.Entries {
		var err error
		if e.Error != "" {
			err = errors.New(e.Error)
		}
		icon := resultIcon(err)
		if err != nil && strings.HasPrefix(e.Error, "dependency ") {
			icon = tui.StatusIcon(tui.StatusSkipped)
		}
		fmt.Fprintf(w, "%s %s %s\n", icon, e.Key, styleDim.Render(e.Description))
		if err != nil {
			fmt.Fprintln(w, styleDetail.Render(indent(e.Error)))
		}
	}
}

func runStatus(run *persistence.Run) string {
	switch {
	case run.Error != "":
		return styleFailed.Render("aborted")
	case run.Failed > 0:
		return styleFailed.Render(fmt.Sprintf("%d failed", run.Failed))
	default:
		return styleOK.Render("ok")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
