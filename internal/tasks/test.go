package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/devflow/internal/ctxlog"
	"github.com/aristath/devflow/internal/module"
	"github.com/aristath/devflow/internal/persistence"
	"github.com/aristath/devflow/internal/provider"
	"github.com/aristath/devflow/internal/taskgraph"
)

// TestOutput is the output of a TestTask.
type TestOutput struct {
	provider.TestResult `yaml:",inline"`
	Cached              bool `json:"cached" yaml:"cached"` // Reused from an earlier run at the same version
}

// TestFailedError reports a test suite that ran and failed.
type TestFailedError struct {
	Result provider.TestResult
}

func (e *TestFailedError) Error() string {
	return fmt.Sprintf("test %s.%s failed:\n%s", e.Result.Module, e.Result.Test, tailLines(e.Result.Output, 20))
}

// TestTask runs one test suite of a module against its deployed test
// dependencies. A passing result stored for the same module version is
// reused unless the factory is forced.
type TestTask struct {
	factory  *Factory
	module   *module.Module
	test     *module.TestConfig
	build    *BuildTask
	services []*DeployTask
	key      string
	uncached bool
}

func (t *TestTask) Type() string    { return TypeTest }
func (t *TestTask) Name() string    { return t.module.Name + "." + t.test.Name }
func (t *TestTask) BaseKey() string { return testBaseKey(t.module.Name, t.test.Name) }
func (t *TestTask) Key() string     { return t.key }

func (t *TestTask) Description() string {
	return fmt.Sprintf("running %s tests in module %s", t.test.Name, t.module.Name)
}

func (t *TestTask) Dependencies() []taskgraph.Task {
	return dependencies(t.build, t.services)
}

func (t *TestTask) Run(ctx context.Context, deps taskgraph.Results) (any, error) {
	f := t.factory
	logger := ctxlog.FromContext(ctx)

	if cached, ok := t.cached(ctx); ok {
		logger.Info("test passed earlier at this version, skipping", "test", t.Name(), "version", t.build.version)
		return cached, nil
	}

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

	result, err := p.Test(f.withOutput(ctx, t.key), provider.TestRequest{
		Module:  t.module,
		Test:    t.test,
		Build:   build,
		Runtime: runtime,
	})
	if err != nil {
		return nil, err
	}
	result.Version = t.build.version

	if f.cfg.Store != nil {
		if err := f.cfg.Store.SaveTestResult(ctx, &persistence.TestRecord{
			Module:      result.Module,
			Version:     result.Version,
			Test:        result.Test,
			Success:     result.Success,
			Output:      result.Output,
			StartedAt:   result.StartedAt,
			CompletedAt: result.CompletedAt,
		}); err != nil {
			logger.Warn("failed to store test result", "test", t.Name(), "error", err)
		}
	}

	if !result.Success {
		return nil, &TestFailedError{Result: result}
	}
	return TestOutput{TestResult: result}, nil
}

func (t *TestTask) cached(ctx context.Context) (TestOutput, bool) {
	f := t.factory
	if f.cfg.Force || t.uncached || f.cfg.Store == nil {
		return TestOutput{}, false
	}

	rec, err := f.cfg.Store.GetTestResult(ctx, t.module.Name, t.build.version, t.test.Name)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			ctxlog.FromContext(ctx).Warn("failed to read stored test result", "test", t.Name(), "error", err)
		}
		return TestOutput{}, false
	}
	if !rec.Success {
		return TestOutput{}, false
	}

	return TestOutput{
		TestResult: provider.TestResult{
			Module:      rec.Module,
			Test:        rec.Test,
			Version:     rec.Version,
			Success:     rec.Success,
			Output:      rec.Output,
			StartedAt:   rec.StartedAt,
			CompletedAt: rec.CompletedAt,
		},
		Cached: true,
	}, true
}
