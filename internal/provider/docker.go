package provider

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aristath/devflow/internal/config"
	"github.com/aristath/devflow/internal/ctxlog"
	"github.com/aristath/devflow/internal/module"
)

// NetworkName is the docker network every devflow container joins, so
// services can reach each other by name.
const NetworkName = "devflow"

// versionLabel carries the build version on images and containers.
const versionLabel = "devflow.version"

// Docker builds modules into images and runs services, tests and commands
// as containers through the docker CLI.
type Docker struct {
	name       string
	binary     string
	globalArgs []string
	procMgr    *ProcessManager

	networkMu    sync.Mutex
	networkReady bool
}

// NewDocker creates a docker provider. cfg.Command overrides the binary
// (e.g. "podman"), cfg.Context selects a docker context and cfg.Args are
// passed as global flags.
func NewDocker(name string, cfg config.ProviderConfig, pm *ProcessManager) *Docker {
	binary := cfg.Command
	if binary == "" {
		binary = "docker"
	}
	var globalArgs []string
	if cfg.Context != "" {
		globalArgs = append(globalArgs, "--context", cfg.Context)
	}
	globalArgs = append(globalArgs, cfg.Args...)

	return &Docker{
		name:       name,
		binary:     binary,
		globalArgs: globalArgs,
		procMgr:    pm,
	}
}

func (d *Docker) Name() string { return d.name }

func (d *Docker) docker(ctx context.Context, args ...string) ([]byte, []byte, error) {
	full := append(append([]string{}, d.globalArgs...), args...)
	cmd := newCommand(ctx, d.binary, full...)
	return executeCommand(ctx, cmd, d.procMgr)
}

// ensureNetwork creates the shared network. A failed attempt is retried on
// the next call.
func (d *Docker) ensureNetwork(ctx context.Context) error {
	d.networkMu.Lock()
	defer d.networkMu.Unlock()
	if d.networkReady {
		return nil
	}

	if _, _, err := d.docker(ctx, "network", "inspect", NetworkName); err != nil {
		if _, _, err := d.docker(ctx, "network", "create", NetworkName); err != nil {
			return fmt.Errorf("creating docker network %s: %w", NetworkName, err)
		}
	}
	d.networkReady = true
	return nil
}

// ImageTag returns the tag an image of module at version is built as.
func ImageTag(moduleName, version string) string {
	return moduleName + ":" + version
}

// Build runs docker build on the staged sources.
func (d *Docker) Build(ctx context.Context, req BuildRequest) (BuildResult, error) {
	tag := ImageTag(req.Module.Name, req.Version)
	result := BuildResult{Module: req.Module.Name, Version: req.Version, Dir: req.Dir, Image: tag}

	args := []string{"build", "-t", tag, "--label", "devflow.version=" + req.Version}
	if req.Module.Build != nil && len(req.Module.Build.Command) > 0 {
		args = append(args, "--build-arg", "DEVFLOW_BUILD_COMMAND="+strings.Join(req.Module.Build.Command, " "))
	}
	args = append(args, req.Dir)

	stdout, _, err := d.docker(ctx, args...)
	if err != nil {
		return result, fmt.Errorf("building image %s: %w", tag, err)
	}
	result.Built = true
	result.Output = string(stdout)

	if req.Module.AllowPush {
		if _, _, err := d.docker(ctx, "push", tag); err != nil {
			return result, fmt.Errorf("pushing image %s: %w", tag, err)
		}
	}
	return result, nil
}

// Deploy replaces the service's container with one running the new image.
func (d *Docker) Deploy(ctx context.Context, req DeployRequest) (ServiceStatus, error) {
	svc := req.Service
	status := ServiceStatus{
		Service:  svc.Name,
		Module:   svc.Module.Name,
		Provider: d.name,
		State:    StateRunning,
		Ports:    svc.Ports,
		Env:      serviceEnv(svc.Name, svc.Name, svc.Ports),
	}
	if err := d.ensureNetwork(ctx); err != nil {
		return status, err
	}

	// A missing container is fine
	_, _, _ = d.docker(ctx, "rm", "-f", svc.Name)

	args := []string{"run", "-d", "--name", svc.Name, "--network", NetworkName, "--label", versionLabel + "=" + req.Build.Version}
	args = append(args, envArgs(req.Runtime.Env, svc.Env)...)
	for _, port := range svc.Ports {
		args = append(args, "-p", fmt.Sprintf("%d:%d", port, port))
	}
	args = append(args, req.Build.Image)
	args = append(args, svc.Command...)

	stdout, _, err := d.docker(ctx, args...)
	if err != nil {
		return status, fmt.Errorf("starting container %s: %w", svc.Name, err)
	}
	status.ID = strings.TrimSpace(string(stdout))
	status.Version = req.Build.Version
	ctxlog.FromContext(ctx).Info("container started", "service", svc.Name, "id", status.ID, "version", status.Version)
	return status, nil
}

// Status inspects the service's container. A missing container reads as
// stopped.
func (d *Docker) Status(ctx context.Context, svc *module.Service) (ServiceStatus, error) {
	status := ServiceStatus{
		Service:  svc.Name,
		Module:   svc.Module.Name,
		Provider: d.name,
		State:    StateStopped,
		Ports:    svc.Ports,
		Env:      serviceEnv(svc.Name, svc.Name, svc.Ports),
	}

	format := `{{.State.Running}}|{{index .Config.Labels "` + versionLabel + `"}}|{{.Id}}`
	stdout, _, err := d.docker(ctx, "inspect", "--format", format, svc.Name)
	if err != nil {
		if _, ran := exitCode(err); ran {
			return status, nil
		}
		return status, fmt.Errorf("inspecting container %s: %w", svc.Name, err)
	}

	fields := strings.SplitN(strings.TrimSpace(string(stdout)), "|", 3)
	if len(fields) != 3 {
		return status, fmt.Errorf("unexpected inspect output for %s: %q", svc.Name, stdout)
	}
	if fields[0] == "true" {
		status.State = StateRunning
	}
	status.Version = fields[1]
	status.ID = fields[2]
	return status, nil
}

// Logs returns the tail of the container's output.
func (d *Docker) Logs(ctx context.Context, svc *module.Service, lines int) (string, error) {
	n := "all"
	if lines > 0 {
		n = strconv.Itoa(lines)
	}
	stdout, stderr, err := d.docker(ctx, "logs", "--tail", n, svc.Name)
	if err != nil {
		return "", fmt.Errorf("reading logs of %s: %w", svc.Name, err)
	}
	return string(stdout) + string(stderr), nil
}

// Test runs the test command in a throwaway container.
func (d *Docker) Test(ctx context.Context, req TestRequest) (TestResult, error) {
	result := TestResult{
		Module:    req.Module.Name,
		Test:      req.Test.Name,
		Version:   req.Build.Version,
		StartedAt: time.Now(),
	}

	timeout, err := req.Test.TimeoutDuration()
	if err != nil {
		return result, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := d.ensureNetwork(ctx); err != nil {
		return result, err
	}

	args := []string{"run", "--rm", "--network", NetworkName}
	args = append(args, envArgs(req.Runtime.Env, req.Test.Env)...)
	args = append(args, req.Build.Image)
	args = append(args, req.Test.Command...)

	stdout, stderr, err := d.docker(ctx, args...)
	result.CompletedAt = time.Now()
	result.Output = string(stdout) + string(stderr)
	if err != nil {
		// 125 means docker itself failed, not the test
		if code, ran := exitCode(err); !ran || code == 125 {
			return result, fmt.Errorf("running test %s.%s: %w", req.Module.Name, req.Test.Name, err)
		}
		return result, nil
	}
	result.Success = true
	return result, nil
}

// Run executes an ad-hoc command in a throwaway container.
func (d *Docker) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	result := RunResult{Module: req.Module.Name, Name: req.Name, Command: req.Command}
	if err := d.ensureNetwork(ctx); err != nil {
		return result, err
	}

	args := []string{"run", "--rm", "--network", NetworkName}
	args = append(args, envArgs(req.Runtime.Env, req.Env)...)
	args = append(args, req.Build.Image)
	args = append(args, req.Command...)

	stdout, stderr, err := d.docker(ctx, args...)
	result.Output = string(stdout) + string(stderr)
	if err != nil {
		code, ran := exitCode(err)
		if !ran || code == 125 {
			return result, fmt.Errorf("running %s.%s: %w", req.Module.Name, req.Name, err)
		}
		result.ExitCode = code
	}
	return result, nil
}

// envArgs renders -e flags in a stable order, later maps winning.
func envArgs(maps ...map[string]string) []string {
	merged := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, "-e", k+"="+merged[k])
	}
	return args
}
