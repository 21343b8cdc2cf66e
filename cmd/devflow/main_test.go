package main

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/aristath/devflow/internal/module"
	"github.com/aristath/devflow/internal/provider"
)

func writeProject(t *testing.T, content string) string {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, module.FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestRunExitCodes(t *testing.T) {
	tests := []struct {
		name     string
		module   string
		args     []string
		wantCode int
		wantErr  string
	}{
		{
			name: "success",
			module: `module "ok" {
  build {
    command = ["true"]
  }
}`,
			args:     []string{"build"},
			wantCode: 0,
		},
		{
			name: "failed task",
			module: `module "bad" {
  build {
    command = ["false"]
  }
}`,
			args:     []string{"build"},
			wantCode: 1,
		},
		{
			name:     "unknown module",
			module:   `module "ok" {}`,
			args:     []string{"build", "missing"},
			wantCode: 1,
			wantErr:  "Error:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := writeProject(t, tt.module)
			var stdout, stderr bytes.Buffer
			ctx, stop := context.WithCancel(context.Background())
			defer stop()

			args := append(tt.args, "--root", root, "--silent")
			code := run(ctx, stop, provider.NewProcessManager(), args, &stdout, &stderr)
			if code != tt.wantCode {
				t.Fatalf("exit code = %d, want %d (stderr: %s)", code, tt.wantCode, stderr.String())
			}
			if tt.wantErr != "" && !strings.Contains(stderr.String(), tt.wantErr) {
				t.Errorf("stderr %q does not contain %q", stderr.String(), tt.wantErr)
			}
			if tt.wantErr == "" && strings.Contains(stderr.String(), "Error:") {
				t.Errorf("unexpected error output: %s", stderr.String())
			}
		})
	}
}

// TestRunKillsSubprocessesOnShutdown cancels the context while a build is
// running and expects the build to be killed long before it would finish.
func TestRunKillsSubprocessesOnShutdown(t *testing.T) {
	root := writeProject(t, `module "slow" {
  build {
    command = ["sleep", "60"]
  }
}`)
	pm := provider.NewProcessManager()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for pm.Count() == 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		stop()
	}()

	var stdout, stderr bytes.Buffer
	start := time.Now()
	code := run(ctx, stop, pm, []string{"build", "--root", root, "--silent"}, &stdout, &stderr)
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("shutdown took %v", elapsed)
	}
	if !strings.Contains(stderr.String(), "Shutdown signal received") {
		t.Errorf("missing shutdown message in %q", stderr.String())
	}
}

// TestProcessManagerKillAllOnShutdown verifies that KillAll terminates
// tracked processes during a simulated shutdown.
func TestProcessManagerKillAllOnShutdown(t *testing.T) {
	pm := provider.NewProcessManager()

	cmd := exec.Command("sleep", "60")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start subprocess: %v", err)
	}
	pm.Track(cmd)

	if count := pm.Count(); count != 1 {
		t.Errorf("Expected 1 tracked process, got %d", count)
	}
	if err := pm.KillAll(); err != nil {
		t.Errorf("KillAll() failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected process to be killed (non-zero exit), got nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not terminate after KillAll()")
	}

	pm.Untrack(cmd)
	if count := pm.Count(); count != 0 {
		t.Errorf("Expected 0 tracked processes after Untrack, got %d", count)
	}
}

func TestSignalContextCancellation(t *testing.T) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGUSR1)
	defer stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("Failed to send SIGUSR1: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(1 * time.Second):
		t.Fatal("Context did not cancel after SIGUSR1")
	}
	if err := ctx.Err(); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
