package provider

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aristath/devflow/internal/config"
	"github.com/aristath/devflow/internal/module"
)

const fakeDocker = `#!/bin/sh
echo "$*" >> "$FAKE_DOCKER_LOG"
case "$*" in
  *"network inspect"*)
    if [ -n "$FAKE_DOCKER_NO_NETWORK" ]; then exit 1; fi ;;
  *"network create"*)
    if [ -f "$FAKE_DOCKER_NETWORK_FAIL" ]; then
      rm "$FAKE_DOCKER_NETWORK_FAIL"
      echo "daemon unavailable" >&2
      exit 1
    fi ;;
  *"inspect --format"*)
    if [ -z "$FAKE_DOCKER_INSPECT" ]; then
      echo "No such object" >&2
      exit 1
    fi
    echo "$FAKE_DOCKER_INSPECT"
    exit 0 ;;
  *"logs --tail"*)
    echo "listening on 8080"
    echo "slow query" >&2
    exit 0 ;;
esac
for arg in "$@"; do
  if [ "$arg" = "fail" ]; then
    echo "tests failed" >&2
    exit 3
  fi
done
for arg in "$@"; do
  if [ "$arg" = "-d" ]; then
    echo "container-123"
  fi
done
exit 0
`

// newFakeDocker installs a docker stand-in that logs its arguments.
func newFakeDocker(t *testing.T, cfg config.ProviderConfig) (*Docker, func() []string) {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "docker")
	if err := os.WriteFile(bin, []byte(fakeDocker), 0755); err != nil {
		t.Fatal(err)
	}
	logPath := filepath.Join(dir, "calls.log")
	t.Setenv("FAKE_DOCKER_LOG", logPath)

	cfg.Type = "docker"
	cfg.Command = bin
	calls := func() []string {
		data, err := os.ReadFile(logPath)
		if err != nil {
			return nil
		}
		return strings.Split(strings.TrimSpace(string(data)), "\n")
	}
	return NewDocker("docker", cfg, nil), calls
}

func lastCall(calls []string) string {
	if len(calls) == 0 {
		return ""
	}
	return calls[len(calls)-1]
}

func TestDockerBuild(t *testing.T) {
	d, calls := newFakeDocker(t, config.ProviderConfig{Context: "remote"})
	m := &module.Module{Name: "api", AllowPush: true}

	result, err := d.Build(context.Background(), BuildRequest{Module: m, Version: "v-1", Dir: "/src/api"})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if result.Image != "api:v-1" {
		t.Errorf("image = %q", result.Image)
	}

	got := calls()
	if len(got) != 2 {
		t.Fatalf("expected build and push, got %v", got)
	}
	if got[0] != "--context remote build -t api:v-1 --label devflow.version=v-1 /src/api" {
		t.Errorf("unexpected build call: %q", got[0])
	}
	if got[1] != "--context remote push api:v-1" {
		t.Errorf("unexpected push call: %q", got[1])
	}
}

func TestDockerDeploy(t *testing.T) {
	d, calls := newFakeDocker(t, config.ProviderConfig{})
	svc := &module.Service{
		ServiceConfig: &module.ServiceConfig{
			Name:    "api",
			Command: []string{"./api"},
			Env:     map[string]string{"MODE": "dev"},
			Ports:   []int{8080},
		},
		Module: &module.Module{Name: "api"},
	}

	status, err := d.Deploy(context.Background(), DeployRequest{
		Service: svc,
		Build:   BuildResult{Image: "api:v-1", Version: "v-1"},
		Runtime: RuntimeContext{Env: map[string]string{"DB_HOST": "db"}},
	})
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if status.ID != "container-123" || status.Version != "v-1" {
		t.Errorf("unexpected status: %+v", status)
	}
	if status.Env["API_HOST"] != "api" || status.Env["API_PORT"] != "8080" {
		t.Errorf("unexpected env: %v", status.Env)
	}

	want := "run -d --name api --network devflow --label devflow.version=v-1 -e DB_HOST=db -e MODE=dev -p 8080:8080 api:v-1 ./api"
	if got := lastCall(calls()); got != want {
		t.Errorf("run call = %q, want %q", got, want)
	}
}

func TestDockerTest(t *testing.T) {
	d, _ := newFakeDocker(t, config.ProviderConfig{})
	req := func(command ...string) TestRequest {
		return TestRequest{
			Module: &module.Module{Name: "api"},
			Test:   &module.TestConfig{Name: "unit", Command: command},
			Build:  BuildResult{Image: "api:v-1", Version: "v-1"},
		}
	}

	result, err := d.Test(context.Background(), req("go", "test"))
	if err != nil || !result.Success {
		t.Fatalf("expected success, got %+v, %v", result, err)
	}

	result, err = d.Test(context.Background(), req("fail"))
	if err != nil {
		t.Fatalf("a failing suite is not an error: %v", err)
	}
	if result.Success {
		t.Error("expected failure")
	}
	if !strings.Contains(result.Output, "tests failed") {
		t.Errorf("output = %q", result.Output)
	}
}

func TestDockerRun(t *testing.T) {
	d, calls := newFakeDocker(t, config.ProviderConfig{})
	result, err := d.Run(context.Background(), RunRequest{
		Module:  &module.Module{Name: "api"},
		Name:    "shell",
		Command: []string{"fail"},
		Env:     map[string]string{"X": "1"},
		Build:   BuildResult{Image: "api:v-1"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", result.ExitCode)
	}
	if got := lastCall(calls()); got != "run --rm --network devflow -e X=1 api:v-1 fail" {
		t.Errorf("run call = %q", got)
	}
}

func countCalls(calls []string, prefix string) int {
	n := 0
	for _, c := range calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func TestDockerNetworkRetriedAfterFailure(t *testing.T) {
	d, calls := newFakeDocker(t, config.ProviderConfig{})
	marker := filepath.Join(t.TempDir(), "fail-once")
	if err := os.WriteFile(marker, nil, 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FAKE_DOCKER_NO_NETWORK", "1")
	t.Setenv("FAKE_DOCKER_NETWORK_FAIL", marker)

	req := RunRequest{Module: &module.Module{Name: "api"}, Name: "shell", Command: []string{"true"}, Build: BuildResult{Image: "api:v-1"}}

	if _, err := d.Run(context.Background(), req); err == nil || !strings.Contains(err.Error(), "daemon unavailable") {
		t.Fatalf("expected the network error, got %v", err)
	}
	if _, err := d.Run(context.Background(), req); err != nil {
		t.Fatalf("second run should create the network: %v", err)
	}
	if _, err := d.Run(context.Background(), req); err != nil {
		t.Fatalf("third run failed: %v", err)
	}

	got := calls()
	if n := countCalls(got, "network create"); n != 2 {
		t.Errorf("network create called %d times, want 2: %v", n, got)
	}
	if n := countCalls(got, "run --rm"); n != 2 {
		t.Errorf("expected 2 runs after the network came up, got %d", n)
	}
}

func TestDockerStatus(t *testing.T) {
	d, calls := newFakeDocker(t, config.ProviderConfig{})
	svc := &module.Service{
		ServiceConfig: &module.ServiceConfig{Name: "api", Ports: []int{8080}},
		Module:        &module.Module{Name: "api"},
	}

	status, err := d.Status(context.Background(), svc)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.State != StateStopped {
		t.Errorf("missing container should read as stopped, got %s", status.State)
	}
	want := `inspect --format {{.State.Running}}|{{index .Config.Labels "devflow.version"}}|{{.Id}} api`
	if got := lastCall(calls()); got != want {
		t.Errorf("inspect call = %q, want %q", got, want)
	}

	t.Setenv("FAKE_DOCKER_INSPECT", "true|v-2|abc123")
	status, err = d.Status(context.Background(), svc)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.State != StateRunning || status.Version != "v-2" || status.ID != "abc123" {
		t.Errorf("unexpected status: %+v", status)
	}

	t.Setenv("FAKE_DOCKER_INSPECT", "false|v-2|abc123")
	status, err = d.Status(context.Background(), svc)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.State != StateStopped {
		t.Errorf("exited container should read as stopped, got %s", status.State)
	}
}

func TestDockerLogs(t *testing.T) {
	d, calls := newFakeDocker(t, config.ProviderConfig{})
	svc := &module.Service{ServiceConfig: &module.ServiceConfig{Name: "api"}, Module: &module.Module{Name: "api"}}

	out, err := d.Logs(context.Background(), svc, 50)
	if err != nil {
		t.Fatalf("Logs failed: %v", err)
	}
	if !strings.Contains(out, "listening on 8080") || !strings.Contains(out, "slow query") {
		t.Errorf("logs should include stdout and stderr: %q", out)
	}
	if got := lastCall(calls()); got != "logs --tail 50 api" {
		t.Errorf("logs call = %q", got)
	}

	if _, err := d.Logs(context.Background(), svc, 0); err != nil {
		t.Fatalf("Logs failed: %v", err)
	}
	if got := lastCall(calls()); got != "logs --tail all api" {
		t.Errorf("logs call = %q", got)
	}
}
