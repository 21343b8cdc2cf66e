package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/aristath/devflow/internal/config"
	"github.com/aristath/devflow/internal/events"
	"github.com/aristath/devflow/internal/module"
	"github.com/aristath/devflow/internal/persistence"
	"github.com/aristath/devflow/internal/provider"
	"github.com/aristath/devflow/internal/tasks"
)

const libModule = `
module "lib" {
  build {
    command = ["sh", "-c", "echo ${var.greeting} > artifact"]
  }

  service "cache" {}

  test "unit" {
    command = ["sh", "-c", "grep -q hello artifact"]
  }

  test "broken" {
    command = ["sh", "-c", "echo nope; exit 1"]
  }
}
`

const appModule = `
module "app" {
  build {
    command      = ["sh", "-c", "test -n \"$DEVFLOW_VERSION\""]
    dependencies = ["lib"]
  }

  service "app" {
    dependencies = ["cache"]
  }

  test "smoke" {
    command      = ["sh", "-c", "test \"$CACHE_HOST\" = localhost"]
    dependencies = ["cache"]
  }
}
`

// testProject writes a two-module project and returns its root.
func testProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for dir, content := range map[string]string{"lib": libModule, "app": appModule} {
		path := filepath.Join(root, dir)
		if err := os.MkdirAll(path, 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(path, module.FileName), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

// newTestContext creates a Context over root with an in-memory store.
func newTestContext(t *testing.T, root string, mutate ...func(*Config)) (*Context, persistence.Store) {
	t.Helper()

	store, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	project := config.DefaultConfig()
	project.Variables["greeting"] = "hello"

	pm := provider.NewProcessManager()
	t.Cleanup(func() { _ = pm.KillAll() })

	cfg := Config{
		Root:           root,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		ProcessManager: pm,
		Project:        project,
		Store:          store,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	c, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, store
}

func TestNewUnknownEnvironment(t *testing.T) {
	_, err := New(context.Background(), Config{
		Root:        testProject(t),
		Environment: "staging",
		Project:     config.DefaultConfig(),
	})
	if !errors.Is(err, config.ErrUnknownEnvironment) {
		t.Errorf("expected ErrUnknownEnvironment, got %v", err)
	}
}

func TestBuild(t *testing.T) {
	root := testProject(t)
	c, _ := newTestContext(t, root)

	results, err := c.Build(context.Background())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if results.Failed() != 0 {
		t.Fatalf("unexpected failures: %v", results.Errors())
	}
	if diff := cmp.Diff([]string{"build.app", "build.lib"}, results.Keys()); diff != "" {
		t.Errorf("result keys mismatch (-want +got):\n%s", diff)
	}

	artifact, err := os.ReadFile(filepath.Join(root, ".devflow", "build", "lib", "artifact"))
	if err != nil {
		t.Fatalf("build did not run in the stage dir: %v", err)
	}
	if string(artifact) != "hello\n" {
		t.Errorf("artifact = %q, variables were not applied", artifact)
	}
}

func TestDeployAndTest(t *testing.T) {
	c, _ := newTestContext(t, testProject(t))
	ctx := context.Background()

	results, err := c.Deploy(ctx, "app")
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if results.Failed() != 0 {
		t.Fatalf("unexpected deploy failures: %v", results.Errors())
	}
	if diff := cmp.Diff([]string{"build.app", "deploy.cache"}, results["deploy.app"].DependencyResults.Keys()); diff != "" {
		t.Errorf("deploy.app dependencies mismatch (-want +got):\n%s", diff)
	}

	results, err = c.Test(ctx, "app")
	if err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	if r := results["test.app.smoke"]; r == nil || r.Error != nil {
		t.Fatalf("smoke test should see CACHE_HOST: %+v", r)
	}
}

func TestTestReportsFailuresAsData(t *testing.T) {
	c, _ := newTestContext(t, testProject(t))

	results, err := c.Test(context.Background(), "lib")
	if err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	if results.Failed() != 1 {
		t.Fatalf("expected exactly one failure, got %v", results.Errors())
	}
	var failed *tasks.TestFailedError
	if !errors.As(results["test.lib.broken"].Error, &failed) {
		t.Errorf("expected TestFailedError, got %v", results["test.lib.broken"].Error)
	}
	if results["test.lib.unit"].Error != nil {
		t.Errorf("unit should pass: %v", results["test.lib.unit"].Error)
	}
}

func TestCommandsAreRecorded(t *testing.T) {
	c, _ := newTestContext(t, testProject(t))
	ctx := context.Background()

	if _, err := c.Build(ctx, "lib"); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if _, err := c.Test(ctx, "lib"); err != nil {
		t.Fatalf("Test failed: %v", err)
	}

	runs, err := c.History(ctx, 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}

	byCommand := make(map[string]*persistence.Run)
	for _, r := range runs {
		byCommand[r.Command] = r
	}
	testRun, err := c.Run(ctx, byCommand["test"].ID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if testRun.Failed != 1 || testRun.Environment != "local" {
		t.Errorf("unexpected run record: %+v", testRun)
	}

	var keys []string
	for _, e := range testRun.Entries {
		keys = append(keys, e.BaseKey)
	}
	if diff := cmp.Diff([]string{"build.lib", "test.lib.broken", "test.lib.unit"}, keys); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestUnknownNameAbortsCommand(t *testing.T) {
	c, _ := newTestContext(t, testProject(t))

	_, err := c.Deploy(context.Background(), "nope")
	var notFound *module.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}

	runs, _ := c.History(context.Background(), 0)
	if len(runs) != 1 || runs[0].Error == "" {
		t.Errorf("aborted command should be recorded with its error: %+v", runs)
	}
}

func TestRunServiceAndRunTest(t *testing.T) {
	c, _ := newTestContext(t, testProject(t))
	ctx := context.Background()

	results, err := c.RunTest(ctx, "lib", "unit")
	if err != nil {
		t.Fatalf("RunTest failed: %v", err)
	}
	if r := results["test.lib.unit"]; r == nil || r.Error != nil {
		t.Fatalf("RunTest should pass: %+v", r)
	}

	// cache has no command to run
	results, err = c.RunService(ctx, "cache")
	if err != nil {
		t.Fatalf("RunService failed: %v", err)
	}
	if results["run.lib.cache"] == nil || results["run.lib.cache"].Error == nil {
		t.Errorf("running a service without a command should fail: %+v", results["run.lib.cache"])
	}
}

func TestFreshGraphPerCommand(t *testing.T) {
	c, _ := newTestContext(t, testProject(t))
	ctx := context.Background()

	first, err := c.Build(ctx, "lib")
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Deploy(ctx, "cache")
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := second["build.app"]; ok {
		t.Error("results leaked between commands")
	}
	if first["build.lib"] == second["build.lib"] {
		t.Error("second command should rebuild on its own graph")
	}
}

func TestEventsPublished(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicGraph, 100)

	c, _ := newTestContext(t, testProject(t), func(cfg *Config) { cfg.Bus = bus })
	if _, err := c.Build(context.Background(), "lib"); err != nil {
		t.Fatal(err)
	}

	for {
		select {
		case ev := <-sub:
			if done, ok := ev.(events.GraphDoneEvent); ok {
				if done.Results != 1 || done.Failed != 0 {
					t.Errorf("unexpected done event %+v", done)
				}
				return
			}
		default:
			t.Fatal("no graph.done event published")
		}
	}
}

func TestProviderSelection(t *testing.T) {
	project := config.DefaultConfig()
	env, err := project.Environment("")
	if err != nil {
		t.Fatal(err)
	}
	providers, err := newEnvironmentProviders(env, project.Retry, nil, t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	local, err := providers.ProviderFor(&module.Module{Name: "a"})
	if err != nil {
		t.Fatalf("default provider: %v", err)
	}
	if local.Name() != "local" {
		t.Errorf("default provider = %q", local.Name())
	}
	again, _ := providers.ProviderFor(&module.Module{Name: "b"})
	if again != local {
		t.Error("providers should be cached per name")
	}

	docker, err := providers.ProviderFor(&module.Module{Name: "c", Provider: "docker"})
	if err != nil || docker.Name() != "docker" {
		t.Errorf("docker provider: %v, %v", docker, err)
	}

	if _, err := providers.ProviderFor(&module.Module{Name: "d", Provider: "k8s"}); !errors.Is(err, config.ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
}

const daemonModule = `
module "daemon" {
  build {
    command = ["sh", "-c", "echo ok > built"]
  }

  service "daemon" {
    command = ["sh", "-c", "echo started; exec sleep 30"]
  }
}
`

func TestStatusLogsAndRedeploySkip(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "daemon")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, module.FileName), []byte(daemonModule), 0644); err != nil {
		t.Fatal(err)
	}
	c, _ := newTestContext(t, root)
	ctx := context.Background()

	statuses, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(statuses) != 1 || statuses[0].State != provider.StateStopped {
		t.Fatalf("expected a stopped daemon, got %+v", statuses)
	}

	results, err := c.Deploy(ctx, "daemon")
	if err != nil || results.Failed() != 0 {
		t.Fatalf("Deploy failed: %v %v", err, results.Errors())
	}
	deployed := results["deploy.daemon"].Output.(provider.ServiceStatus)

	statuses, err = c.Status(ctx, "daemon")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	version, _ := c.Modules().Version("daemon")
	if statuses[0].State != provider.StateRunning || statuses[0].Version != version || statuses[0].PID != deployed.PID {
		t.Errorf("unexpected status after deploy: %+v", statuses[0])
	}

	logs, err := c.Logs(ctx, "daemon", 10)
	if err != nil {
		t.Fatalf("Logs failed: %v", err)
	}
	if logs != "started\n" {
		t.Errorf("logs = %q", logs)
	}

	results, err = c.Deploy(ctx, "daemon")
	if err != nil || results.Failed() != 0 {
		t.Fatalf("second Deploy failed: %v %v", err, results.Errors())
	}
	again := results["deploy.daemon"].Output.(provider.ServiceStatus)
	if !again.Reused || again.PID != deployed.PID {
		t.Errorf("an up to date daemon should be reused, got %+v", again)
	}

	if _, err := c.Status(ctx, "nope"); err == nil {
		t.Error("expected an error for an unknown service")
	}
}
