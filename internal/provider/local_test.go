package provider

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aristath/devflow/internal/config"
	"github.com/aristath/devflow/internal/module"
)

func newTestLocal(t *testing.T, pm *ProcessManager) *Local {
	t.Helper()
	p := NewLocal("local", config.ProviderConfig{Type: "local"}, pm, t.TempDir())
	p.StartupGrace = 100 * time.Millisecond
	return p
}

func TestLocalBuild(t *testing.T) {
	dir := t.TempDir()
	p := newTestLocal(t, nil)
	m := &module.Module{
		Name:  "api",
		Build: &module.BuildConfig{Command: []string{"bash", "-c", "echo $DEVFLOW_VERSION > built.txt; echo done"}},
	}

	result, err := p.Build(context.Background(), BuildRequest{Module: m, Version: "v-1", Dir: dir})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !result.Built {
		t.Error("expected Built to be true")
	}
	if strings.TrimSpace(result.Output) != "done" {
		t.Errorf("output = %q", result.Output)
	}

	data, err := os.ReadFile(filepath.Join(dir, "built.txt"))
	if err != nil {
		t.Fatalf("build did not run in the staged dir: %v", err)
	}
	if strings.TrimSpace(string(data)) != "v-1" {
		t.Errorf("DEVFLOW_VERSION = %q", data)
	}
}

func TestLocalBuildWithoutCommand(t *testing.T) {
	p := newTestLocal(t, nil)
	result, err := p.Build(context.Background(), BuildRequest{Module: &module.Module{Name: "docs"}, Version: "v-1"})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if result.Built {
		t.Error("module without a build step should not report Built")
	}
}

func TestLocalBuildFailure(t *testing.T) {
	p := newTestLocal(t, nil)
	m := &module.Module{Name: "api", Build: &module.BuildConfig{Command: []string{"bash", "-c", "exit 2"}}}

	_, err := p.Build(context.Background(), BuildRequest{Module: m, Dir: t.TempDir()})
	if code, ran := exitCode(err); !ran || code != 2 {
		t.Errorf("expected exit code 2, got %v", err)
	}
}

func TestLocalDeploy(t *testing.T) {
	pm := NewProcessManager()
	defer pm.KillAll()
	p := newTestLocal(t, pm)

	m := &module.Module{Name: "db"}
	svc := &module.Service{
		ServiceConfig: &module.ServiceConfig{Name: "db", Command: []string{"sleep", "30"}, Ports: []int{5432}},
		Module:        m,
	}

	status, err := p.Deploy(context.Background(), DeployRequest{Service: svc, Build: BuildResult{Dir: t.TempDir(), Version: "v-1"}})
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if status.State != StateRunning || status.PID == 0 || status.Version != "v-1" {
		t.Errorf("unexpected status: %+v", status)
	}
	if status.Env["DB_HOST"] != "localhost" || status.Env["DB_PORT"] != "5432" {
		t.Errorf("unexpected env: %v", status.Env)
	}
	if pm.Count() != 1 {
		t.Errorf("expected 1 tracked process, got %d", pm.Count())
	}

	// Redeploying replaces the running instance
	again, err := p.Deploy(context.Background(), DeployRequest{Service: svc, Build: BuildResult{Dir: t.TempDir()}})
	if err != nil {
		t.Fatalf("redeploy failed: %v", err)
	}
	if again.PID == status.PID {
		t.Error("expected a new process on redeploy")
	}

	deadline := time.Now().Add(2 * time.Second)
	for pm.Count() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if pm.Count() != 1 {
		t.Errorf("expected the old instance to be gone, tracking %d", pm.Count())
	}
}

func waitGone(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for groupAlive(pid) && !isZombie(pid) {
		if time.Now().After(deadline) {
			t.Fatalf("process %d still running", pid)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLocalDeployReplacesInstanceOfEarlierRun(t *testing.T) {
	stateDir := t.TempDir()
	first, second := NewProcessManager(), NewProcessManager()
	defer first.KillAll()
	defer second.KillAll()

	svc := &module.Service{
		ServiceConfig: &module.ServiceConfig{Name: "db", Command: []string{"sleep", "30"}},
		Module:        &module.Module{Name: "db"},
	}
	deploy := func(pm *ProcessManager, version string) ServiceStatus {
		t.Helper()
		// A fresh provider per run, sharing only the state dir
		p := NewLocal("local", config.ProviderConfig{Type: "local"}, pm, stateDir)
		p.StartupGrace = 100 * time.Millisecond
		status, err := p.Deploy(context.Background(), DeployRequest{Service: svc, Build: BuildResult{Dir: t.TempDir(), Version: version}})
		if err != nil {
			t.Fatalf("Deploy failed: %v", err)
		}
		return status
	}

	old := deploy(first, "v-1")
	current := deploy(second, "v-2")
	if current.PID == old.PID {
		t.Fatal("expected a new process")
	}
	waitGone(t, old.PID)
	if !groupAlive(current.PID) {
		t.Error("the new instance should be running")
	}

	status, err := NewLocal("local", config.ProviderConfig{}, nil, stateDir).Status(context.Background(), svc)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.State != StateRunning || status.PID != current.PID || status.Version != "v-2" {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestLocalStatusAndLogs(t *testing.T) {
	pm := NewProcessManager()
	defer pm.KillAll()
	p := newTestLocal(t, pm)

	svc := &module.Service{
		ServiceConfig: &module.ServiceConfig{Name: "web", Command: []string{"bash", "-c", "echo one; echo two; echo three >&2; sleep 30"}},
		Module:        &module.Module{Name: "web"},
	}

	status, err := p.Status(context.Background(), svc)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.State != StateStopped {
		t.Errorf("state before deploy = %s, want stopped", status.State)
	}
	if _, err := p.Logs(context.Background(), svc, 10); err == nil {
		t.Error("expected an error for a service that never ran")
	}

	deployed, err := p.Deploy(context.Background(), DeployRequest{Service: svc, Build: BuildResult{Dir: t.TempDir(), Version: "v-3"}})
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	status, err = p.Status(context.Background(), svc)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.State != StateRunning || status.Version != "v-3" || status.PID != deployed.PID {
		t.Errorf("unexpected status: %+v", status)
	}

	logs, err := p.Logs(context.Background(), svc, 2)
	if err != nil {
		t.Fatalf("Logs failed: %v", err)
	}
	if logs != "two\nthree\n" {
		t.Errorf("logs = %q", logs)
	}

	if err := killGroup(deployed.PID, 2*time.Second); err != nil {
		t.Fatal(err)
	}
	status, err = p.Status(context.Background(), svc)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.State != StateStopped {
		t.Errorf("state after kill = %s, want stopped", status.State)
	}
}

func TestLocalDeployExitsDuringStartup(t *testing.T) {
	p := newTestLocal(t, NewProcessManager())
	svc := &module.Service{
		ServiceConfig: &module.ServiceConfig{Name: "bad", Command: []string{"bash", "-c", "echo no config; exit 1"}},
		Module:        &module.Module{Name: "bad"},
	}

	_, err := p.Deploy(context.Background(), DeployRequest{Service: svc})
	if err == nil {
		t.Fatal("expected an error for a service that exits immediately")
	}
	if !strings.Contains(err.Error(), "no config") {
		t.Errorf("error should include service output: %v", err)
	}
}

func TestLocalDeployWithoutCommand(t *testing.T) {
	p := newTestLocal(t, nil)
	svc := &module.Service{
		ServiceConfig: &module.ServiceConfig{Name: "static"},
		Module:        &module.Module{Name: "static"},
	}

	status, err := p.Deploy(context.Background(), DeployRequest{Service: svc})
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if status.State != StateReady {
		t.Errorf("state = %s, want ready", status.State)
	}
}

func TestLocalTest(t *testing.T) {
	tests := []struct {
		name        string
		command     string
		timeout     string
		wantSuccess bool
		wantErr     bool
	}{
		{name: "passing", command: "echo $DB_HOST $SUITE", wantSuccess: true},
		{name: "failing", command: "echo failing >&2; exit 1"},
		{name: "timeout", command: "sleep 10", timeout: "100ms", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestLocal(t, nil)
			req := TestRequest{
				Module: &module.Module{Name: "api"},
				Test: &module.TestConfig{
					Name:    "unit",
					Command: []string{"bash", "-c", tt.command},
					Env:     map[string]string{"SUITE": "unit"},
					Timeout: tt.timeout,
				},
				Build:   BuildResult{Version: "v-1", Dir: t.TempDir()},
				Runtime: RuntimeContext{Env: map[string]string{"DB_HOST": "localhost"}},
			}

			result, err := p.Test(context.Background(), req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if result.Success != tt.wantSuccess {
				t.Errorf("success = %v, want %v (output %q)", result.Success, tt.wantSuccess, result.Output)
			}
			if tt.name == "passing" && strings.TrimSpace(result.Output) != "localhost unit" {
				t.Errorf("env not passed through: %q", result.Output)
			}
			if result.Version != "v-1" {
				t.Errorf("version = %q", result.Version)
			}
		})
	}
}

func TestLocalRun(t *testing.T) {
	p := newTestLocal(t, nil)
	req := RunRequest{
		Module:  &module.Module{Name: "api"},
		Name:    "migrate",
		Command: []string{"bash", "-c", "echo migrating; exit 4"},
		Build:   BuildResult{Dir: t.TempDir()},
	}

	result, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.ExitCode != 4 {
		t.Errorf("exit code = %d, want 4", result.ExitCode)
	}
	if !strings.Contains(result.Output, "migrating") {
		t.Errorf("output = %q", result.Output)
	}
}

func TestLocalWrapper(t *testing.T) {
	p := NewLocal("wrapped", config.ProviderConfig{Type: "local", Command: "env", Args: []string{"WRAPPED=yes"}}, nil, t.TempDir())
	req := RunRequest{
		Module:  &module.Module{Name: "api"},
		Name:    "check",
		Command: []string{"bash", "-c", "echo $WRAPPED"},
		Build:   BuildResult{Dir: t.TempDir()},
	}

	result, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if strings.TrimSpace(result.Output) != "yes" {
		t.Errorf("wrapper not applied, output %q", result.Output)
	}
}
