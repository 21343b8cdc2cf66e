package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/aristath/devflow/internal/orchestrator"
	"github.com/aristath/devflow/internal/taskgraph"
)

func (a *app) buildCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "build [modules...]",
		Short: "Build modules and their build dependencies (all modules by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := splitNames(args)
			return a.execute(cmd, "build", func(ctx context.Context, oc *orchestrator.Context) (taskgraph.Results, error) {
				return oc.Build(ctx, names...)
			})
		},
	}
}

func (a *app) deployCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy [services...]",
		Short: "Build and deploy services and their dependencies (all services by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := splitNames(args)
			return a.execute(cmd, "deploy", func(ctx context.Context, oc *orchestrator.Context) (taskgraph.Results, error) {
				return oc.Deploy(ctx, names...)
			})
		},
	}
}

func (a *app) testCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "test [modules...]",
		Short: "Run the tests of modules (all modules by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := splitNames(args)
			return a.execute(cmd, "test", func(ctx context.Context, oc *orchestrator.Context) (taskgraph.Results, error) {
				return oc.Test(ctx, names...)
			})
		},
	}
}

func (a *app) runCommand() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Run a single service or test ad hoc",
	}

	run.AddCommand(&cobra.Command{
		Use:   "service <name>",
		Short: "Run a service in the foreground after deploying its dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.execute(cmd, "run service "+args[0], func(ctx context.Context, oc *orchestrator.Context) (taskgraph.Results, error) {
				return oc.RunService(ctx, args[0])
			})
		},
	})

	run.AddCommand(&cobra.Command{
		Use:   "test <module> <test>",
		Short: "Run one test, ignoring previous results",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.execute(cmd, "run test "+args[0]+"."+args[1], func(ctx context.Context, oc *orchestrator.Context) (taskgraph.Results, error) {
				return oc.RunTest(ctx, args[0], args[1])
			})
		},
	})
	return run
}

func (a *app) historyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded runs, or show one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			oc, err := a.open(ctx, nil)
			if err != nil {
				return err
			}
			defer oc.Close()

			if len(args) == 1 {
				run, err := oc.Run(ctx, args[0])
				if err != nil {
					return err
				}
				if a.opts.Output != "" {
					return Encode(a.stdout, a.opts.Output, run)
				}
				RenderRun(a.stdout, run)
				return nil
			}

			runs, err := oc.History(ctx, limit)
			if err != nil {
				return err
			}
			if a.opts.Output != "" {
				return Encode(a.stdout, a.opts.Output, runs)
			}
			RenderRuns(a.stdout, runs)
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to list (0 for all)")
	return cmd
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [services...]",
		Short: "Show whether services are running and at which version (all services by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			oc, err := a.open(ctx, nil)
			if err != nil {
				return err
			}
			defer oc.Close()

			statuses, err := oc.Status(ctx, splitNames(args)...)
			if err != nil {
				return err
			}
			if a.opts.Output != "" {
				return Encode(a.stdout, a.opts.Output, statuses)
			}
			RenderStatuses(a.stdout, statuses)
			return nil
		},
	}
}

func (a *app) logsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <service>",
		Short: "Print the output of a deployed service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lines, err := cmd.Flags().GetInt("tail")
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			oc, err := a.open(ctx, nil)
			if err != nil {
				return err
			}
			defer oc.Close()

			logs, err := oc.Logs(ctx, args[0], lines)
			if err != nil {
				return err
			}
			_, err = io.WriteString(a.stdout, logs)
			return err
		},
	}
	cmd.Flags().Int("tail", 100, "number of lines to show (0 for all)")
	return cmd
}
