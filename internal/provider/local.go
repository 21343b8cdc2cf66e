package provider

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/aristath/devflow/internal/config"
	"github.com/aristath/devflow/internal/ctxlog"
	"github.com/aristath/devflow/internal/module"
)

const (
	defaultStartupGrace = 500 * time.Millisecond
	stopTimeout         = 5 * time.Second
)

// Local runs module commands directly on this machine. Services are started
// as background processes in their own process group. Each one is recorded
// under the state dir so a later run can find, report and replace it.
type Local struct {
	name    string
	wrapper []string // Optional command prefix, e.g. ["nice", "-n", "10"]
	procMgr *ProcessManager
	store   serviceStore

	// StartupGrace is how long a service must stay up to count as deployed.
	StartupGrace time.Duration

	mu       sync.Mutex
	services map[string]*exec.Cmd
}

// NewLocal creates a local provider keeping service records and logs under
// stateDir. cfg.Command and cfg.Args, when set, prefix every command.
func NewLocal(name string, cfg config.ProviderConfig, pm *ProcessManager, stateDir string) *Local {
	var wrapper []string
	if cfg.Command != "" {
		wrapper = append([]string{cfg.Command}, cfg.Args...)
	}
	if stateDir == "" {
		stateDir = filepath.Join(os.TempDir(), "devflow")
	}
	return &Local{
		name:         name,
		wrapper:      wrapper,
		procMgr:      pm,
		store:        newServiceStore(stateDir),
		StartupGrace: defaultStartupGrace,
		services:     make(map[string]*exec.Cmd),
	}
}

func (p *Local) Name() string { return p.name }

func (p *Local) command(ctx context.Context, dir string, argv []string, env ...map[string]string) *exec.Cmd {
	full := append(append([]string{}, p.wrapper...), argv...)
	cmd := newCommand(ctx, full[0], full[1:]...)
	cmd.Dir = dir
	cmd.Env = commandEnv(env...)
	return cmd
}

// Build runs the module's build command in the staged directory.
func (p *Local) Build(ctx context.Context, req BuildRequest) (BuildResult, error) {
	result := BuildResult{Module: req.Module.Name, Version: req.Version, Dir: req.Dir}
	if req.Module.Build == nil || len(req.Module.Build.Command) == 0 {
		return result, nil
	}

	cmd := p.command(ctx, req.Dir, req.Module.Build.Command, map[string]string{"DEVFLOW_VERSION": req.Version})
	stdout, _, err := executeCommand(ctx, cmd, p.procMgr)
	if err != nil {
		return result, fmt.Errorf("building %s: %w", req.Module.Name, err)
	}

	result.Built = true
	result.Output = string(stdout)
	return result, nil
}

func (p *Local) baseStatus(svc *module.Service) ServiceStatus {
	return ServiceStatus{
		Service:  svc.Name,
		Module:   svc.Module.Name,
		Provider: p.name,
		State:    StateReady,
		Ports:    svc.Ports,
		Env:      serviceEnv(svc.Name, "localhost", svc.Ports),
	}
}

// Deploy starts the service command in the background, replacing any
// recorded instance, including one started by an earlier devflow process.
func (p *Local) Deploy(ctx context.Context, req DeployRequest) (ServiceStatus, error) {
	svc := req.Service
	status := p.baseStatus(svc)
	if len(svc.Command) == 0 {
		return status, nil
	}

	if err := p.stop(ctx, svc.Name); err != nil {
		return status, fmt.Errorf("stopping previous instance of %s: %w", svc.Name, err)
	}

	logFile, err := p.store.openLog(svc.Name)
	if err != nil {
		return status, fmt.Errorf("opening log of %s: %w", svc.Name, err)
	}
	defer logFile.Close()

	// The service outlives the deploy task and the devflow process
	cmd := p.command(context.Background(), req.Build.Dir, svc.Command, req.Runtime.Env, svc.Env)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		return status, fmt.Errorf("starting service %s: %w", svc.Name, err)
	}
	if p.procMgr != nil {
		p.procMgr.Track(cmd)
	}

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
		if p.procMgr != nil {
			p.procMgr.Untrack(cmd)
		}
	}()

	select {
	case err := <-exited:
		output, _ := os.ReadFile(p.store.logPath(svc.Name))
		return status, fmt.Errorf("service %s exited during startup: %v (output: %s)", svc.Name, err, tail(string(output), maxStderrInError))
	case <-ctx.Done():
		_ = killProcessGroup(cmd)
		return status, ctx.Err()
	case <-time.After(p.StartupGrace):
	}

	rec := serviceRecord{
		Service:   svc.Name,
		Module:    svc.Module.Name,
		Version:   req.Build.Version,
		PID:       cmd.Process.Pid,
		Ports:     svc.Ports,
		StartedAt: time.Now(),
	}
	if err := p.store.write(rec); err != nil {
		_ = killProcessGroup(cmd)
		return status, fmt.Errorf("recording service %s: %w", svc.Name, err)
	}

	p.mu.Lock()
	p.services[svc.Name] = cmd
	p.mu.Unlock()

	ctxlog.FromContext(ctx).Info("service started", "service", svc.Name, "pid", rec.PID, "version", rec.Version)
	status.State = StateRunning
	status.PID = rec.PID
	status.Version = rec.Version
	return status, nil
}

// stop kills the instance of service started by this provider and the one
// named by its record, then drops the record.
func (p *Local) stop(ctx context.Context, service string) error {
	p.mu.Lock()
	cmd, ok := p.services[service]
	delete(p.services, service)
	p.mu.Unlock()

	if ok {
		_ = killProcessGroup(cmd)
	}

	rec, err := p.store.read(service)
	if err != nil || rec == nil {
		return err
	}
	if groupAlive(rec.PID) {
		ctxlog.FromContext(ctx).Info("stopping service", "service", service, "pid", rec.PID, "version", rec.Version)
		if err := killGroup(rec.PID, stopTimeout); err != nil {
			return err
		}
	}
	return p.store.remove(service)
}

// Status reports the recorded instance of svc. A record whose process is
// gone reads as stopped.
func (p *Local) Status(ctx context.Context, svc *module.Service) (ServiceStatus, error) {
	status := p.baseStatus(svc)
	if len(svc.Command) == 0 {
		return status, nil
	}

	status.State = StateStopped
	rec, err := p.store.read(svc.Name)
	if err != nil {
		return status, err
	}
	if rec != nil && groupAlive(rec.PID) && !isZombie(rec.PID) {
		status.State = StateRunning
		status.PID = rec.PID
		status.Version = rec.Version
	}
	return status, nil
}

// Logs returns the tail of the output of the last instance of svc.
func (p *Local) Logs(ctx context.Context, svc *module.Service, lines int) (string, error) {
	if len(svc.Command) == 0 {
		return "", nil
	}
	data, err := os.ReadFile(p.store.logPath(svc.Name))
	if err != nil {
		return "", fmt.Errorf("reading logs of %s: %w", svc.Name, err)
	}
	return lastLines(string(data), lines), nil
}

// Test runs the test command with its timeout in the build directory.
func (p *Local) Test(ctx context.Context, req TestRequest) (TestResult, error) {
	result := TestResult{
		Module:    req.Module.Name,
		Test:      req.Test.Name,
		Version:   req.Build.Version,
		StartedAt: time.Now(),
	}
	if len(req.Test.Command) == 0 {
		return result, fmt.Errorf("test %s.%s has no command", req.Module.Name, req.Test.Name)
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

	cmd := p.command(ctx, req.Build.Dir, req.Test.Command, req.Runtime.Env, req.Test.Env)
	stdout, stderr, err := executeCommand(ctx, cmd, p.procMgr)
	result.CompletedAt = time.Now()
	result.Output = string(stdout) + string(stderr)

	if err != nil {
		if _, ran := exitCode(err); !ran {
			return result, fmt.Errorf("running test %s.%s: %w", req.Module.Name, req.Test.Name, err)
		}
		return result, nil
	}
	result.Success = true
	return result, nil
}

// Run executes an ad-hoc command in the build directory.
func (p *Local) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	result := RunResult{Module: req.Module.Name, Name: req.Name, Command: req.Command}
	if len(req.Command) == 0 {
		return result, fmt.Errorf("run %s.%s has no command", req.Module.Name, req.Name)
	}

	cmd := p.command(ctx, req.Build.Dir, req.Command, req.Runtime.Env, req.Env)
	stdout, stderr, err := executeCommand(ctx, cmd, p.procMgr)
	result.Output = string(stdout) + string(stderr)
	if err != nil {
		code, ran := exitCode(err)
		if !ran {
			return result, fmt.Errorf("running %s.%s: %w", req.Module.Name, req.Name, err)
		}
		result.ExitCode = code
	}
	return result, nil
}
