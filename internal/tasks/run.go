package tasks

import (
	"context"
	"fmt"
	"strings"

	"github.com/aristath/devflow/internal/module"
	"github.com/aristath/devflow/internal/provider"
	"github.com/aristath/devflow/internal/taskgraph"
)

// ExitError reports an ad-hoc command that exited non-zero.
type ExitError struct {
	Result provider.RunResult
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s.%s exited with code %d:\n%s", e.Result.Module, e.Result.Name, e.Result.ExitCode, tailLines(e.Result.Output, 20))
}

// RunTask executes an ad-hoc command in a module's build. Its output is a
// provider.RunResult.
type RunTask struct {
	factory  *Factory
	module   *module.Module
	name     string
	command  []string
	env      map[string]string
	build    *BuildTask
	services []*DeployTask
	key      string
}

func (t *RunTask) Type() string    { return TypeRun }
func (t *RunTask) Name() string    { return t.module.Name + "." + t.name }
func (t *RunTask) BaseKey() string { return runBaseKey(t.module.Name, t.name) }
func (t *RunTask) Key() string     { return t.key }

func (t *RunTask) Description() string {
	return fmt.Sprintf("running %s in module %s", t.name, t.module.Name)
}

func (t *RunTask) Dependencies() []taskgraph.Task {
	return dependencies(t.build, t.services)
}

func (t *RunTask) Run(ctx context.Context, deps taskgraph.Results) (any, error) {
	f := t.factory
	build, runtime, err := runtimeInputs(deps, t.build, t.services)
	if err != nil {
		return nil, err
	}
	p, err := f.cfg.Providers.ProviderFor(t.module)
	if err != nil {
		return nil, err
	}

	locks := serviceLockKeys(t.services)
	f.cfg.Locks.LockAll(locks)
	defer f.cfg.Locks.UnlockAll(locks)

	result, err := p.Run(f.withOutput(ctx, t.key), provider.RunRequest{
		Module:  t.module,
		Name:    t.name,
		Command: t.command,
		Env:     t.env,
		Build:   build,
		Runtime: runtime,
	})
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, &ExitError{Result: result}
	}
	return result, nil
}

// tailLines keeps the last n lines of s.
func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
