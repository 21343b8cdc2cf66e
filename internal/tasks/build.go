package tasks

import (
	"context"
	"fmt"

	"github.com/aristath/devflow/internal/ctxlog"
	"github.com/aristath/devflow/internal/module"
	"github.com/aristath/devflow/internal/provider"
	"github.com/aristath/devflow/internal/taskgraph"
)

// BuildTask stages a module's sources and builds them with its provider.
// Its output is a provider.BuildResult.
type BuildTask struct {
	factory *Factory
	module  *module.Module
	version string
	key     string
	deps    []*BuildTask
}

func (t *BuildTask) Type() string    { return TypeBuild }
func (t *BuildTask) Name() string    { return t.module.Name }
func (t *BuildTask) BaseKey() string { return buildBaseKey(t.module.Name) }
func (t *BuildTask) Key() string     { return t.key }

// Version is the module version being built.
func (t *BuildTask) Version() string { return t.version }

func (t *BuildTask) Description() string {
	return fmt.Sprintf("building %s@%s", t.module.Name, t.version)
}

func (t *BuildTask) Dependencies() []taskgraph.Task {
	deps := make([]taskgraph.Task, len(t.deps))
	for i, d := range t.deps {
		deps[i] = d
	}
	return deps
}

func (t *BuildTask) Run(ctx context.Context, deps taskgraph.Results) (any, error) {
	f := t.factory
	logger := ctxlog.FromContext(ctx)

	p, err := f.cfg.Providers.ProviderFor(t.module)
	if err != nil {
		return nil, err
	}

	// Superseded and superseding builds of a module share one stage directory
	lockKey := "build/" + t.module.Name
	f.cfg.Locks.Lock(lockKey)
	defer f.cfg.Locks.Unlock(lockKey)

	if f.cfg.Force {
		if err := f.cfg.Stager.Remove(t.module.Name); err != nil {
			return nil, err
		}
	}
	stage, err := f.cfg.Stager.Stage(t.module, t.version)
	if err != nil {
		return nil, err
	}
	logger.Debug("sources staged", "dir", stage.Path, "files", stage.Files, "reused", stage.Reused)

	result, err := p.Build(f.withOutput(ctx, t.key), provider.BuildRequest{
		Module:  t.module,
		Version: t.version,
		Dir:     stage.Path,
	})
	if err != nil {
		return nil, err
	}
	if result.Built {
		logger.Info("module built", "module", t.module.Name, "version", t.version, "provider", p.Name())
	}
	return result, nil
}
