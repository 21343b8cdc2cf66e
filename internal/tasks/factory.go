// Package tasks implements the build, deploy, test and run tasks scheduled
// on the task graph.
package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/devflow/internal/buildstage"
	"github.com/aristath/devflow/internal/events"
	"github.com/aristath/devflow/internal/module"
	"github.com/aristath/devflow/internal/persistence"
	"github.com/aristath/devflow/internal/provider"
	"github.com/aristath/devflow/internal/taskgraph"
)

// Task types
const (
	TypeBuild  = "build"
	TypeDeploy = "deploy"
	TypeTest   = "test"
	TypeRun    = "run"
)

// ProviderSource resolves the provider that handles a module.
type ProviderSource interface {
	ProviderFor(m *module.Module) (provider.Provider, error)
}

// FactoryConfig holds the collaborators shared by every task of one command.
type FactoryConfig struct {
	Modules   *module.Set
	Providers ProviderSource
	Stager    *buildstage.Manager
	Store     persistence.Store    // Optional; disables the test result cache when nil
	Locks     *ResourceLockManager // Optional; a private manager is created when nil
	Bus       *events.EventBus     // Optional; receives task output lines
	Force     bool                 // Rebuild and rerun everything this factory creates
}

// Factory turns module, service and test names into task trees.
//
// Tasks are memoized per base key, so every dependent in one command shares
// the same build of a module. A forced factory gives its tasks unique keys so
// they supersede anything already registered for the same base key.
type Factory struct {
	cfg FactoryConfig

	mu      sync.Mutex
	builds  map[string]*BuildTask
	deploys map[string]*DeployTask
}

// NewFactory creates a task factory.
func NewFactory(cfg FactoryConfig) *Factory {
	if cfg.Locks == nil {
		cfg.Locks = NewResourceLockManager()
	}
	return &Factory{
		cfg:     cfg,
		builds:  make(map[string]*BuildTask),
		deploys: make(map[string]*DeployTask),
	}
}

// Build returns the build task of the named module.
func (f *Factory) Build(name string) (*BuildTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.build(name)
}

// Builds returns the build tasks of the named modules, or of every module
// when no names are given.
func (f *Factory) Builds(names ...string) ([]taskgraph.Task, error) {
	modules, err := f.cfg.Modules.Modules(names...)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]taskgraph.Task, 0, len(modules))
	for _, m := range modules {
		t, err := f.build(m.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *Factory) build(name string) (*BuildTask, error) {
	if t, ok := f.builds[name]; ok {
		return t, nil
	}
	m, err := f.cfg.Modules.Module(name)
	if err != nil {
		return nil, err
	}
	version, err := f.cfg.Modules.Version(name)
	if err != nil {
		return nil, err
	}

	t := &BuildTask{factory: f, module: m, version: version, key: f.key(buildBaseKey(name) + "@" + version)}
	// Build dependencies are acyclic; the module set rejects cycles on load
	for _, dep := range m.BuildDependencies() {
		d, err := f.build(dep)
		if err != nil {
			return nil, fmt.Errorf("build %s: %w", name, err)
		}
		t.deps = append(t.deps, d)
	}
	f.builds[name] = t
	return t, nil
}

// Deploy returns the deploy task of the named service.
func (f *Factory) Deploy(name string) (*DeployTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deploy(name)
}

// Deploys returns the deploy tasks of the named services, or of every service
// when no names are given.
func (f *Factory) Deploys(names ...string) ([]taskgraph.Task, error) {
	services, err := f.cfg.Modules.Services(names...)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]taskgraph.Task, 0, len(services))
	for _, svc := range services {
		t, err := f.deploy(svc.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// deploy memoizes the task before resolving its dependencies, so a service
// dependency cycle yields a cyclic task tree that the graph rejects instead
// of recursing forever.
func (f *Factory) deploy(name string) (*DeployTask, error) {
	if t, ok := f.deploys[name]; ok {
		return t, nil
	}
	svc, err := f.cfg.Modules.Service(name)
	if err != nil {
		return nil, err
	}
	build, err := f.build(svc.Module.Name)
	if err != nil {
		return nil, err
	}

	t := &DeployTask{factory: f, service: svc, build: build, key: f.key(deployBaseKey(name) + "@" + build.version)}
	f.deploys[name] = t

	t.services, err = f.deployAll(svc.Dependencies)
	if err != nil {
		delete(f.deploys, name)
		return nil, fmt.Errorf("deploy %s: %w", name, err)
	}
	return t, nil
}

func (f *Factory) deployAll(names []string) ([]*DeployTask, error) {
	out := make([]*DeployTask, 0, len(names))
	for _, name := range names {
		t, err := f.deploy(name)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Test returns the task running one test of a module.
func (f *Factory) Test(moduleName, testName string) (*TestTask, error) {
	m, err := f.cfg.Modules.Module(moduleName)
	if err != nil {
		return nil, err
	}
	test, err := m.Test(testName)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.test(m, test)
}

// Tests returns the tasks running every test of the named modules, or of
// every module when no names are given.
func (f *Factory) Tests(moduleNames ...string) ([]taskgraph.Task, error) {
	modules, err := f.cfg.Modules.Modules(moduleNames...)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var out []taskgraph.Task
	for _, m := range modules {
		for _, test := range m.Tests {
			t, err := f.test(m, test)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *Factory) test(m *module.Module, test *module.TestConfig) (*TestTask, error) {
	build, err := f.build(m.Name)
	if err != nil {
		return nil, err
	}
	services, err := f.deployAll(test.Dependencies)
	if err != nil {
		return nil, fmt.Errorf("test %s.%s: %w", m.Name, test.Name, err)
	}
	return &TestTask{
		factory:  f,
		module:   m,
		test:     test,
		build:    build,
		services: services,
		key:      f.key(testBaseKey(m.Name, test.Name) + "@" + build.version),
	}, nil
}

// RunTest returns a task that always executes one test of a module, ignoring
// stored results.
func (f *Factory) RunTest(moduleName, testName string) (*TestTask, error) {
	t, err := f.Test(moduleName, testName)
	if err != nil {
		return nil, err
	}
	t.uncached = true
	t.key = testBaseKey(moduleName, testName) + "@" + t.build.version + "#" + uuid.NewString()
	return t, nil
}

// RunService returns a task running an ad-hoc instance of a service's
// command, in the foreground, after its build and its dependencies' deploys.
func (f *Factory) RunService(name string) (*RunTask, error) {
	svc, err := f.cfg.Modules.Service(name)
	if err != nil {
		return nil, err
	}
	return f.Run(svc.Module.Name, svc.Name, svc.Command, svc.Dependencies, svc.Env)
}

// Run returns a task executing command in the build of a module, with the
// named services deployed first.
func (f *Factory) Run(moduleName, name string, command, services []string, env map[string]string) (*RunTask, error) {
	m, err := f.cfg.Modules.Module(moduleName)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	build, err := f.build(m.Name)
	if err != nil {
		return nil, err
	}
	deploys, err := f.deployAll(services)
	if err != nil {
		return nil, fmt.Errorf("run %s.%s: %w", moduleName, name, err)
	}
	return &RunTask{
		factory:  f,
		module:   m,
		name:     name,
		command:  command,
		env:      env,
		build:    build,
		services: deploys,
		// Every run is a fresh execution
		key: runBaseKey(m.Name, name) + "#" + uuid.NewString(),
	}, nil
}

// key suffixes key with a unique ID when the factory is forced.
func (f *Factory) key(key string) string {
	if !f.cfg.Force {
		return key
	}
	return key + "#" + uuid.NewString()
}

// withOutput streams command output of the task to the event bus.
func (f *Factory) withOutput(ctx context.Context, key string) context.Context {
	bus := f.cfg.Bus
	if bus == nil {
		return ctx
	}
	return provider.WithOutput(ctx, func(line string) {
		bus.Publish(events.TaskOutputEvent{Key: key, Line: line, Timestamp: time.Now()})
	})
}

func buildBaseKey(moduleName string) string { return TypeBuild + "." + moduleName }

func deployBaseKey(service string) string { return TypeDeploy + "." + service }

func testBaseKey(moduleName, test string) string {
	return TypeTest + "." + moduleName + "." + test
}

func runBaseKey(moduleName, name string) string {
	return TypeRun + "." + moduleName + "." + name
}
