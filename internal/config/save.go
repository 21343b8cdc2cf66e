package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

var providerTypes = map[string]bool{"local": true, "docker": true}

// Validate checks the references inside the configuration: the default
// environment, each environment's default provider, provider types and
// retry durations. Unset fields are not checked.
func (c *ProjectConfig) Validate() error {
	var errs []error
	if c.DefaultEnvironment != "" && len(c.Environments) > 0 {
		if _, ok := c.Environments[c.DefaultEnvironment]; !ok {
			errs = append(errs, fmt.Errorf("default environment %q is not defined", c.DefaultEnvironment))
		}
	}
	for _, name := range c.environmentNames() {
		env := c.Environments[name]
		if env.DefaultProvider != "" {
			if _, ok := env.Providers[env.DefaultProvider]; !ok {
				errs = append(errs, fmt.Errorf("environment %s: default provider %q is not defined", name, env.DefaultProvider))
			}
		}
		for pname, p := range env.Providers {
			if !providerTypes[p.Type] {
				errs = append(errs, fmt.Errorf("environment %s: provider %s has unknown type %q", name, pname, p.Type))
			}
		}
	}
	for field, value := range map[string]string{
		"initial_interval": c.Retry.InitialInterval,
		"max_interval":     c.Retry.MaxInterval,
		"max_elapsed_time": c.Retry.MaxElapsedTime,
		"breaker_timeout":  c.Retry.BreakerTimeout,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("retry %s: %w", field, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Save validates cfg and writes it as indented JSON, creating parent
// directories. The file is replaced atomically.
func Save(cfg *ProjectConfig, path string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
