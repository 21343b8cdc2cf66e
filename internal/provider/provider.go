// Package provider runs module actions (build, deploy, test, run) against an
// execution environment.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/devflow/internal/config"
	"github.com/aristath/devflow/internal/module"
)

// Provider defines the interface that all provider implementations satisfy.
type Provider interface {
	Name() string

	// Build produces a runnable artifact for a module.
	Build(ctx context.Context, req BuildRequest) (BuildResult, error)

	// Deploy starts (or restarts) a service and returns once it is up.
	Deploy(ctx context.Context, req DeployRequest) (ServiceStatus, error)

	// Test runs a test suite. A failing suite is reported through
	// TestResult.Success; the error is reserved for failures to run it at all.
	Test(ctx context.Context, req TestRequest) (TestResult, error)

	// Run executes an ad-hoc command. A non-zero exit is reported through
	// RunResult.ExitCode.
	Run(ctx context.Context, req RunRequest) (RunResult, error)

	// Status reports whether a service is up and which version it runs.
	Status(ctx context.Context, svc *module.Service) (ServiceStatus, error)

	// Logs returns the last lines of a service's output; lines <= 0 returns
	// everything.
	Logs(ctx context.Context, svc *module.Service, lines int) (string, error)
}

// RuntimeContext carries what a service, test or command needs from the
// services it depends on.
type RuntimeContext struct {
	Env          map[string]string
	Dependencies []ServiceStatus
}

// NewRuntimeContext merges the exposed variables of the given services.
func NewRuntimeContext(deps ...ServiceStatus) RuntimeContext {
	rc := RuntimeContext{Env: make(map[string]string), Dependencies: deps}
	for _, dep := range deps {
		for k, v := range dep.Env {
			rc.Env[k] = v
		}
	}
	return rc
}

type BuildRequest struct {
	Module  *module.Module
	Version string
	Dir     string // Staged sources
}

type BuildResult struct {
	Module  string `json:"module" yaml:"module"`
	Version string `json:"version" yaml:"version"`
	Dir     string `json:"dir" yaml:"dir"`
	Image   string `json:"image,omitempty" yaml:"image,omitempty"`
	Built   bool   `json:"built" yaml:"built"` // False when the module has no build step
	Output  string `json:"-" yaml:"-"`
}

type DeployRequest struct {
	Service *module.Service
	Build   BuildResult
	Runtime RuntimeContext
}

// Service states.
const (
	StateReady   = "ready"   // Nothing to run; the service is satisfied by its build
	StateRunning = "running" // A process or container is up
	StateStopped = "stopped" // Deployable, but nothing is up
)

type ServiceStatus struct {
	Service  string            `json:"service" yaml:"service"`
	Module   string            `json:"module" yaml:"module"`
	Provider string            `json:"provider" yaml:"provider"`
	State    string            `json:"state" yaml:"state"`
	Version  string            `json:"version,omitempty" yaml:"version,omitempty"` // Build version of the running instance
	Ports    []int             `json:"ports,omitempty" yaml:"ports,omitempty"`
	PID      int               `json:"pid,omitempty" yaml:"pid,omitempty"`
	ID       string            `json:"id,omitempty" yaml:"id,omitempty"` // Container ID
	Env      map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Reused   bool              `json:"reused,omitempty" yaml:"reused,omitempty"` // Already running at this version; not redeployed
}

type TestRequest struct {
	Module  *module.Module
	Test    *module.TestConfig
	Build   BuildResult
	Runtime RuntimeContext
}

type TestResult struct {
	Module      string    `json:"module" yaml:"module"`
	Test        string    `json:"test" yaml:"test"`
	Version     string    `json:"version" yaml:"version"`
	Success     bool      `json:"success" yaml:"success"`
	Output      string    `json:"output" yaml:"output"`
	StartedAt   time.Time `json:"startedAt" yaml:"startedAt"`
	CompletedAt time.Time `json:"completedAt" yaml:"completedAt"`
}

type RunRequest struct {
	Module  *module.Module
	Name    string
	Command []string
	Env     map[string]string
	Build   BuildResult
	Runtime RuntimeContext
}

type RunResult struct {
	Module   string   `json:"module" yaml:"module"`
	Name     string   `json:"name" yaml:"name"`
	Command  []string `json:"command" yaml:"command"`
	ExitCode int      `json:"exitCode" yaml:"exitCode"`
	Output   string   `json:"output" yaml:"output"`
}

// New creates a provider from its configuration.
// This factory function switches on cfg.Type and returns the appropriate implementation.
// The ProcessManager is optional. stateDir is where providers keep records of
// the services they start.
func New(name string, cfg config.ProviderConfig, pm *ProcessManager, stateDir string) (Provider, error) {
	switch cfg.Type {
	case "local":
		return NewLocal(name, cfg, pm, stateDir), nil
	case "docker":
		return NewDocker(name, cfg, pm), nil
	default:
		return nil, fmt.Errorf("unknown provider type: %q", cfg.Type)
	}
}

// serviceEnv returns the variables a service exposes to its dependants,
// e.g. API_HOST and API_PORT for service "api".
func serviceEnv(name, host string, ports []int) map[string]string {
	prefix := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	env := map[string]string{prefix + "_HOST": host}
	if len(ports) > 0 {
		env[prefix+"_PORT"] = fmt.Sprint(ports[0])
	}
	return env
}

// lastLines keeps the last n lines of s; n <= 0 keeps everything.
func lastLines(s string, n int) string {
	if n <= 0 {
		return s
	}
	lines := strings.SplitAfter(s, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "")
}

// exitCode extracts the exit status of a command that ran.
func exitCode(err error) (int, bool) {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) || cmdErr.ExitCode < 0 {
		return 0, false
	}
	return cmdErr.ExitCode, true
}
