// Package orchestrator wires the project, its modules and providers to a task
// graph and runs one command at a time against it.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/aristath/devflow/internal/buildstage"
	"github.com/aristath/devflow/internal/config"
	"github.com/aristath/devflow/internal/ctxlog"
	"github.com/aristath/devflow/internal/events"
	"github.com/aristath/devflow/internal/module"
	"github.com/aristath/devflow/internal/persistence"
	"github.com/aristath/devflow/internal/provider"
	"github.com/aristath/devflow/internal/taskgraph"
	"github.com/aristath/devflow/internal/tasks"
)

// Config configures an orchestration Context.
type Config struct {
	Root           string                   // Project root
	Environment    string                   // Empty selects the project default
	Concurrency    int                      // Overrides the project setting when > 0
	Force          bool                     // Rebuild and rerun everything
	Logger         *slog.Logger             // Defaults to slog.Default()
	Bus            *events.EventBus         // Optional
	ProcessManager *provider.ProcessManager // Optional; tracks provider subprocesses
	Project        *config.ProjectConfig    // Loaded from Root when nil
	Store          persistence.Store        // Opened under the state dir when nil
	Providers      tasks.ProviderSource     // Built from the environment when nil
}

// Context is the orchestration context handed to commands. Each command gets
// a fresh task graph; runs are recorded in the store.
type Context struct {
	cfg       Config
	logger    *slog.Logger
	project   *config.ProjectConfig
	env       *config.Environment
	modules   *module.Set
	stager    *buildstage.Manager
	store     persistence.Store
	ownsStore bool
	providers tasks.ProviderSource
	locks     *tasks.ResourceLockManager

	mu      sync.Mutex
	graph   *taskgraph.Graph
	factory *tasks.Factory
}

// New loads the project under cfg.Root and prepares a Context for it.
func New(ctx context.Context, cfg Config) (*Context, error) {
	c := &Context{cfg: cfg, logger: cfg.Logger, locks: tasks.NewResourceLockManager()}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	ctx = ctxlog.WithLogger(ctx, c.logger)

	c.project = cfg.Project
	if c.project == nil {
		project, err := config.LoadForRoot(cfg.Root)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		if err := project.Validate(); err != nil {
			return nil, err
		}
		c.project = project
	}

	env, err := c.project.Environment(cfg.Environment)
	if err != nil {
		return nil, err
	}
	c.env = env

	stateDir := c.project.StatePath(cfg.Root)
	modules, err := module.Load(ctx, cfg.Root, env.Variables, stateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load modules: %w", err)
	}
	c.modules = modules
	c.stager = buildstage.NewManager(buildstage.ManagerConfig{StateDir: stateDir})

	c.providers = cfg.Providers
	if c.providers == nil {
		providers, err := newEnvironmentProviders(env, c.project.Retry, cfg.ProcessManager, stateDir, c.logger)
		if err != nil {
			return nil, err
		}
		c.providers = providers
	}

	c.store = cfg.Store
	if c.store == nil {
		store, err := persistence.NewSQLiteStore(ctx, filepath.Join(stateDir, persistence.DatabaseFile))
		if err != nil {
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
		c.store = store
		c.ownsStore = true
	}

	c.reset()
	c.logger.Debug("orchestrator ready", "root", cfg.Root, "environment", env.Name, "stateDir", stateDir)
	return c, nil
}

// Modules returns the modules of the project.
func (c *Context) Modules() *module.Set { return c.modules }

// Environment returns the resolved environment.
func (c *Context) Environment() *config.Environment { return c.env }

// Factory returns the task factory of the current command.
func (c *Context) Factory() *tasks.Factory {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.factory
}

// reset starts a fresh graph and factory.
func (c *Context) reset() {
	concurrency := c.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = c.project.Concurrency
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.graph = taskgraph.New(
		taskgraph.WithConcurrency(concurrency),
		taskgraph.WithLogger(c.logger),
		taskgraph.WithEventBus(c.cfg.Bus),
	)
	c.factory = tasks.NewFactory(tasks.FactoryConfig{
		Modules:   c.modules,
		Providers: c.providers,
		Stager:    c.stager,
		Store:     c.store,
		Locks:     c.locks,
		Bus:       c.cfg.Bus,
		Force:     c.cfg.Force,
	})
}

func (c *Context) currentGraph() *taskgraph.Graph {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.graph
}

// AddTask registers a task and its dependency closure on the current graph.
func (c *Context) AddTask(task taskgraph.Task) error {
	return c.currentGraph().AddTask(task)
}

// ProcessTasks drains the current graph. Task failures are reported in the
// results.
func (c *Context) ProcessTasks(ctx context.Context) (taskgraph.Results, error) {
	return c.currentGraph().Process(ctxlog.WithLogger(ctx, c.logger))
}

// ClearBuilds removes every staged build.
func (c *Context) ClearBuilds() error {
	return c.stager.Clear()
}

// Build builds the named modules, or all of them, from a clean state.
func (c *Context) Build(ctx context.Context, names ...string) (taskgraph.Results, error) {
	if err := c.ClearBuilds(); err != nil {
		return nil, err
	}
	return c.command(ctx, "build", names, func(f *tasks.Factory) ([]taskgraph.Task, error) {
		return f.Builds(names...)
	})
}

// Deploy deploys the named services, or all of them.
func (c *Context) Deploy(ctx context.Context, names ...string) (taskgraph.Results, error) {
	return c.command(ctx, "deploy", names, func(f *tasks.Factory) ([]taskgraph.Task, error) {
		return f.Deploys(names...)
	})
}

// Test runs every test of the named modules, or of all modules.
func (c *Context) Test(ctx context.Context, names ...string) (taskgraph.Results, error) {
	return c.command(ctx, "test", names, func(f *tasks.Factory) ([]taskgraph.Task, error) {
		return f.Tests(names...)
	})
}

// RunService runs an ad-hoc instance of a service in the foreground.
func (c *Context) RunService(ctx context.Context, name string) (taskgraph.Results, error) {
	return c.command(ctx, "run service", []string{name}, func(f *tasks.Factory) ([]taskgraph.Task, error) {
		t, err := f.RunService(name)
		if err != nil {
			return nil, err
		}
		return []taskgraph.Task{t}, nil
	})
}

// RunTest runs one test of a module regardless of stored results.
func (c *Context) RunTest(ctx context.Context, moduleName, testName string) (taskgraph.Results, error) {
	return c.command(ctx, "run test", []string{moduleName, testName}, func(f *tasks.Factory) ([]taskgraph.Task, error) {
		t, err := f.RunTest(moduleName, testName)
		if err != nil {
			return nil, err
		}
		return []taskgraph.Task{t}, nil
	})
}

// Status reports the state of the named services, or of all services, as
// their providers see them.
func (c *Context) Status(ctx context.Context, names ...string) ([]provider.ServiceStatus, error) {
	services, err := c.modules.Services(names...)
	if err != nil {
		return nil, err
	}
	ctx = ctxlog.WithLogger(ctx, c.logger)

	out := make([]provider.ServiceStatus, 0, len(services))
	for _, svc := range services {
		p, err := c.providers.ProviderFor(svc.Module)
		if err != nil {
			return nil, err
		}
		status, err := p.Status(ctx, svc)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", svc.Name, err)
		}
		out = append(out, status)
	}
	return out, nil
}

// Logs returns the last lines of a service's output; lines <= 0 returns
// everything.
func (c *Context) Logs(ctx context.Context, name string, lines int) (string, error) {
	svc, err := c.modules.Service(name)
	if err != nil {
		return "", err
	}
	p, err := c.providers.ProviderFor(svc.Module)
	if err != nil {
		return "", err
	}
	return p.Logs(ctxlog.WithLogger(ctx, c.logger), svc, lines)
}

// History returns the most recent runs first.
func (c *Context) History(ctx context.Context, limit int) ([]*persistence.Run, error) {
	return c.store.ListRuns(ctx, limit)
}

// Run returns one recorded run with its entries.
func (c *Context) Run(ctx context.Context, id string) (*persistence.Run, error) {
	return c.store.GetRun(ctx, id)
}

// command runs one command on a fresh graph and records it. Errors creating
// the tasks (unknown names, graph contract violations) abort the command.
func (c *Context) command(ctx context.Context, name string, args []string, build func(*tasks.Factory) ([]taskgraph.Task, error)) (taskgraph.Results, error) {
	c.reset()
	logger := c.logger.With("command", name)
	ctx = ctxlog.WithLogger(ctx, logger)

	run := persistence.NewRun(name, args, c.env.Name)
	results, err := c.execute(ctx, build)

	if cerr := run.Complete(results, err); cerr != nil {
		logger.Warn("failed to flatten results", "error", cerr)
	}
	if serr := c.store.SaveRun(context.WithoutCancel(ctx), run); serr != nil {
		logger.Warn("failed to record run", "error", serr)
	}

	logger.Info("command finished", "run", run.ID, "results", len(results), "failed", results.Failed())
	return results, err
}

func (c *Context) execute(ctx context.Context, build func(*tasks.Factory) ([]taskgraph.Task, error)) (taskgraph.Results, error) {
	list, err := build(c.Factory())
	if err != nil {
		return nil, err
	}
	for _, t := range list {
		if err := c.AddTask(t); err != nil {
			return nil, err
		}
	}
	return c.ProcessTasks(ctx)
}

// Close releases the store if the Context opened it.
func (c *Context) Close() error {
	if !c.ownsStore {
		return nil
	}
	return c.store.Close()
}
