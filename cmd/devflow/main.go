package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/devflow/internal/cli"
	"github.com/aristath/devflow/internal/provider"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pm := provider.NewProcessManager()
	os.Exit(run(ctx, stop, pm, os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and returns the process exit code. When ctx
// is cancelled by a signal every tracked subprocess is killed and the command
// gets shutdownTimeout to wind down.
func run(ctx context.Context, stop context.CancelFunc, pm *provider.ProcessManager, args []string, stdout, stderr io.Writer) int {
	root := cli.NewRootCommand(pm, stdout, stderr)
	root.SetArgs(args)

	errChan := make(chan error, 1)
	go func() {
		errChan <- root.ExecuteContext(ctx)
	}()

	var err error
	select {
	case err = <-errChan:
	case <-ctx.Done():
		// Restore default signal handling so a second Ctrl+C exits at once
		stop()
		fmt.Fprintln(stderr, "Shutdown signal received, cleaning up...")

		if kerr := pm.KillAll(); kerr != nil {
			fmt.Fprintf(stderr, "Error killing subprocesses: %v\n", kerr)
		}

		select {
		case err = <-errChan:
		case <-time.After(shutdownTimeout):
			fmt.Fprintln(stderr, "Shutdown timeout exceeded, forcing exit")
			return 1
		}
	}

	if err == nil {
		return 0
	}
	// The summary already lists failed tasks
	if !errors.Is(err, cli.ErrTasksFailed) {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return 1
}
