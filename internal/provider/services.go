package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// serviceRecord is what the local provider keeps under the state dir about a
// service it started, so a later devflow process can find and stop it.
type serviceRecord struct {
	Service   string    `json:"service"`
	Module    string    `json:"module"`
	Version   string    `json:"version"`
	PID       int       `json:"pid"`
	Ports     []int     `json:"ports,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// serviceStore reads and writes service records and logs under
// <stateDir>/services.
type serviceStore struct {
	dir string
}

func newServiceStore(stateDir string) serviceStore {
	return serviceStore{dir: filepath.Join(stateDir, "services")}
}

func (s serviceStore) recordPath(service string) string {
	return filepath.Join(s.dir, service+".json")
}

func (s serviceStore) logPath(service string) string {
	return filepath.Join(s.dir, service+".log")
}

// read returns the record of service, or nil when there is none.
func (s serviceStore) read(service string) (*serviceRecord, error) {
	data, err := os.ReadFile(s.recordPath(service))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading service record: %w", err)
	}
	var rec serviceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing service record %s: %w", s.recordPath(service), err)
	}
	return &rec, nil
}

func (s serviceStore) write(rec serviceRecord) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.recordPath(rec.Service) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing service record: %w", err)
	}
	return os.Rename(tmp, s.recordPath(rec.Service))
}

func (s serviceStore) remove(service string) error {
	err := os.Remove(s.recordPath(service))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// openLog truncates and opens the log file of service.
func (s serviceStore) openLog(service string) (*os.File, error) {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(s.logPath(service), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
}

// groupAlive reports whether pid is still the leader of its own process
// group. Services are started with Setpgid, so a reused pid that belongs to
// some other process does not match.
func groupAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return false
	}
	pgid, err := syscall.Getpgid(pid)
	return err == nil && pgid == pid
}

// killGroup kills the process group led by pid and waits up to timeout for
// the leader to go away.
func killGroup(pid int, timeout time.Duration) error {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to kill process group %d: %w", pid, err)
	}
	deadline := time.Now().Add(timeout)
	for groupAlive(pid) && !isZombie(pid) {
		if time.Now().After(deadline) {
			return fmt.Errorf("process group %d still running after kill", pid)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// isZombie reports whether pid has exited but was not reaped yet. Only
// Linux exposes this through /proc; elsewhere it reports false.
func isZombie(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// The state follows the parenthesised command name
	for i := len(data) - 1; i >= 0; i-- {
		if data[i] == ')' {
			return i+2 < len(data) && data[i+2] == 'Z'
		}
	}
	return false
}
