package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*ProjectConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadForRoot loads configuration from conventional paths.
// Global: ~/.devflow/config.json
// Project: <root>/.devflow/config.json
func LoadForRoot(root string) (*ProjectConfig, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	return Load(GlobalPath(homeDir), ProjectPath(root))
}

// GlobalPath returns the global config file under homeDir.
func GlobalPath(homeDir string) string {
	return filepath.Join(homeDir, ".devflow", "config.json")
}

// ProjectPath returns the project config file under root.
func ProjectPath(root string) string {
	return filepath.Join(root, ".devflow", "config.json")
}

// StatePath resolves the state directory against the project root.
func (c *ProjectConfig) StatePath(root string) string {
	if filepath.IsAbs(c.StateDir) {
		return c.StateDir
	}
	return filepath.Join(root, c.StateDir)
}

// mergeConfigFile reads a JSON config file and merges it into the base config.
// Missing files are silently skipped. Malformed JSON returns an error.
func mergeConfigFile(base *ProjectConfig, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded ProjectConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	merge(base, &loaded)
	return nil
}

// merge overlays the non-zero fields of loaded onto base. Maps merge per key;
// an environment defined in loaded replaces the base environment of that name.
func merge(base, loaded *ProjectConfig) {
	if loaded.Name != "" {
		base.Name = loaded.Name
	}
	if loaded.DefaultEnvironment != "" {
		base.DefaultEnvironment = loaded.DefaultEnvironment
	}
	if loaded.Concurrency > 0 {
		base.Concurrency = loaded.Concurrency
	}
	if loaded.StateDir != "" {
		base.StateDir = loaded.StateDir
	}

	if base.Environments == nil {
		base.Environments = make(map[string]EnvironmentConfig)
	}
	for name, env := range loaded.Environments {
		base.Environments[name] = env
	}

	if base.Variables == nil {
		base.Variables = make(map[string]string)
	}
	for key, value := range loaded.Variables {
		base.Variables[key] = value
	}

	r := loaded.Retry
	if r.InitialInterval != "" {
		base.Retry.InitialInterval = r.InitialInterval
	}
	if r.MaxInterval != "" {
		base.Retry.MaxInterval = r.MaxInterval
	}
	if r.MaxElapsedTime != "" {
		base.Retry.MaxElapsedTime = r.MaxElapsedTime
	}
	if r.BreakerThreshold > 0 {
		base.Retry.BreakerThreshold = r.BreakerThreshold
	}
	if r.BreakerTimeout != "" {
		base.Retry.BreakerTimeout = r.BreakerTimeout
	}
}
