package tasks

import (
	"context"
	"fmt"

	"github.com/aristath/devflow/internal/ctxlog"
	"github.com/aristath/devflow/internal/module"
	"github.com/aristath/devflow/internal/provider"
	"github.com/aristath/devflow/internal/taskgraph"
)

// DeployTask starts a service once its module is built and the services it
// depends on are deployed. Its output is a provider.ServiceStatus.
type DeployTask struct {
	factory  *Factory
	service  *module.Service
	build    *BuildTask
	services []*DeployTask
	key      string
}

func (t *DeployTask) Type() string    { return TypeDeploy }
func (t *DeployTask) Name() string    { return t.service.Name }
func (t *DeployTask) BaseKey() string { return deployBaseKey(t.service.Name) }
func (t *DeployTask) Key() string     { return t.key }

func (t *DeployTask) Description() string {
	return fmt.Sprintf("deploying service %s (from module %s)", t.service.Name, t.service.Module.Name)
}

func (t *DeployTask) Dependencies() []taskgraph.Task {
	return dependencies(t.build, t.services)
}

func (t *DeployTask) Run(ctx context.Context, deps taskgraph.Results) (any, error) {
	f := t.factory
	build, runtime, err := runtimeInputs(deps, t.build, t.services)
	if err != nil {
		return nil, err
	}
	p, err := f.cfg.Providers.ProviderFor(t.service.Module)
	if err != nil {
		return nil, err
	}

	lockKey := serviceLockKey(t.service.Name)
	f.cfg.Locks.Lock(lockKey)
	defer f.cfg.Locks.Unlock(lockKey)

	if status, ok := t.reusable(ctx, p, build, runtime); ok {
		return status, nil
	}

	return p.Deploy(f.withOutput(ctx, t.key), provider.DeployRequest{
		Service: t.service,
		Build:   build,
		Runtime: runtime,
	})
}

// reusable reports the running instance of the service when it already runs
// the built version and none of the services it depends on was redeployed.
// A service with nothing to run is always reusable.
func (t *DeployTask) reusable(ctx context.Context, p provider.Provider, build provider.BuildResult, runtime provider.RuntimeContext) (provider.ServiceStatus, bool) {
	if t.factory.cfg.Force || build.Version == "" {
		return provider.ServiceStatus{}, false
	}
	for _, dep := range runtime.Dependencies {
		if !dep.Reused {
			return provider.ServiceStatus{}, false
		}
	}

	logger := ctxlog.FromContext(ctx)
	status, err := p.Status(ctx, t.service)
	if err != nil {
		logger.Warn("failed to read service status", "service", t.service.Name, "error", err)
		return provider.ServiceStatus{}, false
	}
	switch {
	case status.State == provider.StateReady:
		// Nothing to start
	case status.State != provider.StateRunning || status.Version != build.Version:
		return provider.ServiceStatus{}, false
	}

	logger.Info("service already running at this version, skipping deploy", "service", t.service.Name, "version", build.Version)
	status.Reused = true
	return status, true
}

func serviceLockKey(name string) string { return "service/" + name }

// serviceLockKeys names the locks of the deployed services a task runs
// against, so none of them is redeployed underneath it.
func serviceLockKeys(services []*DeployTask) []string {
	keys := make([]string, 0, len(services))
	for _, s := range services {
		keys = append(keys, serviceLockKey(s.service.Name))
	}
	return keys
}

// dependencies lists a build followed by service deploys.
func dependencies(build *BuildTask, services []*DeployTask) []taskgraph.Task {
	deps := make([]taskgraph.Task, 0, len(services)+1)
	deps = append(deps, build)
	for _, s := range services {
		deps = append(deps, s)
	}
	return deps
}

// runtimeInputs extracts the build result and the runtime context of the
// deployed services from the results handed to a task.
func runtimeInputs(deps taskgraph.Results, build *BuildTask, services []*DeployTask) (provider.BuildResult, provider.RuntimeContext, error) {
	var buildResult provider.BuildResult
	if err := output(deps, build.BaseKey(), &buildResult); err != nil {
		return buildResult, provider.RuntimeContext{}, err
	}

	statuses := make([]provider.ServiceStatus, 0, len(services))
	for _, s := range services {
		var status provider.ServiceStatus
		if err := output(deps, s.BaseKey(), &status); err != nil {
			return buildResult, provider.RuntimeContext{}, err
		}
		statuses = append(statuses, status)
	}
	return buildResult, provider.NewRuntimeContext(statuses...), nil
}

// output stores the output of the dependency under baseKey in dst.
func output[T any](deps taskgraph.Results, baseKey string, dst *T) error {
	r, ok := deps[baseKey]
	if !ok {
		return fmt.Errorf("missing result of dependency %s", baseKey)
	}
	v, ok := r.Output.(T)
	if !ok {
		return fmt.Errorf("dependency %s produced %T, expected %T", baseKey, r.Output, *dst)
	}
	*dst = v
	return nil
}
