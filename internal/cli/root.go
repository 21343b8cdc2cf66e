// Package cli defines the devflow command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/devflow/internal/events"
	"github.com/aristath/devflow/internal/orchestrator"
	"github.com/aristath/devflow/internal/provider"
	"github.com/aristath/devflow/internal/taskgraph"
	"github.com/aristath/devflow/internal/tui"
)

// ErrTasksFailed is returned when a command finished with failed tasks.
var ErrTasksFailed = errors.New("tasks failed")

// Options are the global flags.
type Options struct {
	Root        string
	Env         string
	LogLevel    string
	LogFormat   string
	Output      string // "", "json" or "yaml"
	Silent      bool
	TUI         bool
	Concurrency int
	Force       bool
}

type app struct {
	opts   Options
	pm     *provider.ProcessManager
	stdout io.Writer
	stderr io.Writer
}

// NewRootCommand builds the devflow command tree. Subprocesses started by
// providers are tracked by pm.
func NewRootCommand(pm *provider.ProcessManager, stdout, stderr io.Writer) *cobra.Command {
	a := &app{pm: pm, stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "devflow",
		Short:         "Build, deploy, test and run the modules of a project",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch a.opts.Output {
			case "", "json", "yaml":
				return nil
			default:
				return fmt.Errorf("unsupported output format %q (use json or yaml)", a.opts.Output)
			}
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&a.opts.Root, "root", ".", "project root directory")
	flags.StringVar(&a.opts.Env, "env", "", "environment to use (default from config)")
	flags.StringVar(&a.opts.LogLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.StringVar(&a.opts.LogFormat, "log-format", "text", "log format: text or json")
	flags.StringVarP(&a.opts.Output, "output", "o", "", "print results as json or yaml")
	flags.BoolVar(&a.opts.Silent, "silent", false, "suppress logs and the summary")
	flags.BoolVar(&a.opts.TUI, "tui", false, "show live progress in a terminal UI")
	flags.IntVar(&a.opts.Concurrency, "concurrency", 0, "maximum tasks running at once (default from config)")
	flags.BoolVar(&a.opts.Force, "force", false, "rebuild and rerun regardless of previous results")

	root.AddCommand(
		a.buildCommand(),
		a.deployCommand(),
		a.testCommand(),
		a.runCommand(),
		a.statusCommand(),
		a.logsCommand(),
		a.historyCommand(),
		a.initCommand(),
	)
	return root
}

// splitNames accepts names as separate arguments or comma separated.
func splitNames(args []string) []string {
	var names []string
	for _, arg := range args {
		for _, name := range strings.Split(arg, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}

// open creates the orchestration context for one command.
func (a *app) open(ctx context.Context, bus *events.EventBus) (*orchestrator.Context, error) {
	logOut := a.stderr
	if a.opts.Silent || a.opts.TUI {
		logOut = io.Discard
	}
	return orchestrator.New(ctx, orchestrator.Config{
		Root:           a.opts.Root,
		Environment:    a.opts.Env,
		Concurrency:    a.opts.Concurrency,
		Force:          a.opts.Force,
		Logger:         newLogger(a.opts.LogLevel, a.opts.LogFormat, logOut),
		Bus:            bus,
		ProcessManager: a.pm,
	})
}

// execute runs one graph command, renders its results and turns failed
// tasks into ErrTasksFailed.
func (a *app) execute(cmd *cobra.Command, title string, fn func(context.Context, *orchestrator.Context) (taskgraph.Results, error)) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var bus *events.EventBus
	if a.opts.TUI {
		bus = events.NewEventBus()
		defer bus.Close()
	}

	oc, err := a.open(ctx, bus)
	if err != nil {
		return err
	}
	defer oc.Close()

	var program *tea.Program
	tuiDone := make(chan error, 1)
	if a.opts.TUI {
		program = tea.NewProgram(tui.New(bus, title), tea.WithAltScreen(), tea.WithContext(ctx))
		go func() {
			_, err := program.Run()
			tuiDone <- err
		}()
	}

	results, err := fn(ctx, oc)

	if program != nil {
		program.Send(tui.CommandDoneMsg{Err: commandError(results, err)})
		if terr := <-tuiDone; terr != nil && !errors.Is(terr, tea.ErrProgramKilled) {
			fmt.Fprintf(a.stderr, "TUI error: %v\n", terr)
		}
	}
	if err != nil {
		return err
	}

	if err := a.render(results); err != nil {
		return err
	}
	return commandError(results, nil)
}

func commandError(results taskgraph.Results, err error) error {
	if err != nil {
		return err
	}
	if failed := results.Failed(); failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrTasksFailed, failed, len(results))
	}
	return nil
}

func (a *app) render(results taskgraph.Results) error {
	if a.opts.Output != "" {
		return Encode(a.stdout, a.opts.Output, results)
	}
	if !a.opts.Silent {
		RenderSummary(a.stdout, results)
	}
	return nil
}
