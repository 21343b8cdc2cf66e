package config

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrUnknownEnvironment = errors.New("unknown environment")
	ErrUnknownProvider    = errors.New("unknown provider")
)

// Environment is an environment resolved against its project.
type Environment struct {
	Name            string
	DefaultProvider string
	Providers       map[string]ProviderConfig
	Variables       map[string]string // Project variables overlaid with environment variables
}

// Environment resolves the named environment. An empty name selects the
// project's default environment.
func (c *ProjectConfig) Environment(name string) (*Environment, error) {
	if name == "" {
		name = c.DefaultEnvironment
	}
	envCfg, ok := c.Environments[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %v)", ErrUnknownEnvironment, name, c.environmentNames())
	}

	vars := make(map[string]string, len(c.Variables)+len(envCfg.Variables))
	for k, v := range c.Variables {
		vars[k] = v
	}
	for k, v := range envCfg.Variables {
		vars[k] = v
	}

	return &Environment{
		Name:            name,
		DefaultProvider: envCfg.DefaultProvider,
		Providers:       envCfg.Providers,
		Variables:       vars,
	}, nil
}

// Provider returns the named provider config. An empty name selects the
// environment's default provider.
func (e *Environment) Provider(name string) (string, ProviderConfig, error) {
	if name == "" {
		name = e.DefaultProvider
	}
	cfg, ok := e.Providers[name]
	if !ok {
		return "", ProviderConfig{}, fmt.Errorf("%w %q in environment %q", ErrUnknownProvider, name, e.Name)
	}
	return name, cfg, nil
}

func (c *ProjectConfig) environmentNames() []string {
	names := make([]string, 0, len(c.Environments))
	for name := range c.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
