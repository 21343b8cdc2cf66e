// Package buildstage copies module sources into per-module build
// directories under the project state dir.
package buildstage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aristath/devflow/internal/module"
)

// versionFile marks the module version a stage was copied at.
const versionFile = ".devflow-version"

// Manager manages staged build directories.
type Manager struct {
	config ManagerConfig
	mu     sync.Mutex // Serializes Clear against Stage
}

// NewManager creates a new stage manager
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{config: cfg}
}

// BuildRoot is the directory holding all stages.
func (m *Manager) BuildRoot() string {
	return filepath.Join(m.config.StateDir, "build")
}

// Path returns the stage directory of a module.
func (m *Manager) Path(moduleName string) string {
	return filepath.Join(m.BuildRoot(), moduleName)
}

// Stage copies the sources of mod into its build directory. An existing
// stage at the same version is reused; any other is replaced. Callers must
// not stage the same module concurrently.
func (m *Manager) Stage(mod *module.Module, version string) (*StageInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dst := m.Path(mod.Name)
	info := &StageInfo{Module: mod.Name, Version: version, Path: dst}

	if current, err := os.ReadFile(filepath.Join(dst, versionFile)); err == nil && string(current) == version {
		info.Reused = true
		return info, nil
	}

	if err := os.RemoveAll(dst); err != nil {
		return nil, fmt.Errorf("failed to remove stale stage %s: %w", dst, err)
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return nil, fmt.Errorf("failed to create stage %s: %w", dst, err)
	}

	files, err := copyTree(mod.Path, dst, m.config.StateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to stage %s: %w", mod.Name, err)
	}
	info.Files = files

	// Written last so an interrupted copy is never reused
	if err := os.WriteFile(filepath.Join(dst, versionFile), []byte(version), 0644); err != nil {
		return nil, fmt.Errorf("failed to mark stage %s: %w", dst, err)
	}
	return info, nil
}

// Remove deletes the stage of one module
func (m *Manager) Remove(moduleName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.RemoveAll(m.Path(moduleName)); err != nil {
		return fmt.Errorf("failed to remove stage of %s: %w", moduleName, err)
	}
	return nil
}

// Clear removes every stage
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.RemoveAll(m.BuildRoot()); err != nil {
		return fmt.Errorf("failed to clear builds: %w", err)
	}
	return nil
}

// List returns all stages sorted by module name
func (m *Manager) List() ([]StageInfo, error) {
	entries, err := os.ReadDir(m.BuildRoot())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list stages: %w", err)
	}

	var stages []StageInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		stage := StageInfo{Module: entry.Name(), Path: m.Path(entry.Name())}
		if version, err := os.ReadFile(filepath.Join(stage.Path, versionFile)); err == nil {
			stage.Version = string(version)
		}
		stages = append(stages, stage)
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i].Module < stages[j].Module })
	return stages, nil
}

// copyTree copies src into dst, skipping hidden entries, nested modules and
// the state dir. It returns the number of files copied.
func copyTree(src, dst, stateDir string) (int, error) {
	stateDir = filepath.Clean(stateDir)
	files := 0

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == src {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") || filepath.Clean(path) == stateDir {
				return filepath.SkipDir
			}
			if _, err := os.Stat(filepath.Join(path, module.FileName)); err == nil {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(dst, rel), 0755)
		}
		if strings.HasPrefix(d.Name(), ".") || !d.Type().IsRegular() {
			return nil
		}

		if err := copyFile(path, filepath.Join(dst, rel)); err != nil {
			return err
		}
		files++
		return nil
	})
	return files, err
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
