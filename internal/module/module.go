// Package module loads module definitions from module.hcl files.
package module

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"
)

// FileName is the name of the file a module is declared in.
const FileName = "module.hcl"

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9]*(-[a-z0-9]+)*$`)

var (
	ErrInvalidName     = errors.New("invalid name")
	ErrDuplicateModule = errors.New("duplicate module")
	ErrInvalidConfig   = errors.New("invalid module config")
)

// Module is one module declaration plus where it was found.
type Module struct {
	Name        string           `hcl:"name,label"`
	Type        string           `hcl:"type,optional"`
	Description string           `hcl:"description,optional"`
	Provider    string           `hcl:"provider,optional"` // Empty selects the environment default
	AllowPush   bool             `hcl:"allow_push,optional"`
	Build       *BuildConfig     `hcl:"build,block"`
	Services    []*ServiceConfig `hcl:"service,block"`
	Tests       []*TestConfig    `hcl:"test,block"`

	Path       string `hash:"ignore"` // Directory holding the config file
	ConfigFile string `hash:"ignore"`
}

// BuildConfig describes how a module is built.
type BuildConfig struct {
	Command      []string `hcl:"command,optional"`
	Dependencies []string `hcl:"dependencies,optional"` // Module names
}

// ServiceConfig describes a long-running service provided by a module.
type ServiceConfig struct {
	Name         string            `hcl:"name,label"`
	Command      []string          `hcl:"command,optional"`
	Dependencies []string          `hcl:"dependencies,optional"` // Service names
	Env          map[string]string `hcl:"env,optional"`
	Ports        []int             `hcl:"ports,optional"`
}

// TestConfig describes a test suite of a module.
type TestConfig struct {
	Name         string            `hcl:"name,label"`
	Command      []string          `hcl:"command,optional"`
	Dependencies []string          `hcl:"dependencies,optional"` // Service names
	Env          map[string]string `hcl:"env,optional"`
	Timeout      string            `hcl:"timeout,optional"`
}

// TimeoutDuration parses Timeout. Zero means no timeout.
func (t *TestConfig) TimeoutDuration() (time.Duration, error) {
	if t.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(t.Timeout)
	if err != nil {
		return 0, fmt.Errorf("test %s timeout: %w", t.Name, err)
	}
	return d, nil
}

// BuildDependencies returns the names of the modules this module's build needs.
func (m *Module) BuildDependencies() []string {
	if m.Build == nil {
		return nil
	}
	return m.Build.Dependencies
}

// Test returns the named test of the module.
func (m *Module) Test(name string) (*TestConfig, error) {
	names := make([]string, 0, len(m.Tests))
	for _, t := range m.Tests {
		if t.Name == name {
			return t, nil
		}
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return nil, &NotFoundError{Kind: "test", Name: m.Name + "." + name, Available: names}
}

// Service is a service together with the module that provides it.
type Service struct {
	*ServiceConfig
	Module *Module
}

// NotFoundError reports a reference to an unknown module, service or test.
type NotFoundError struct {
	Kind      string
	Name      string
	Available []string
}

func (e *NotFoundError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
	}
	return fmt.Sprintf("%s %q not found (available: %v)", e.Kind, e.Name, e.Available)
}

func validateName(kind, name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %s %q must be lowercase alphanumerics separated by single dashes", ErrInvalidName, kind, name)
	}
	return nil
}

func (m *Module) validate() error {
	if err := validateName("module", m.Name); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, svc := range m.Services {
		if err := validateName("service", svc.Name); err != nil {
			return err
		}
		if seen["service."+svc.Name] {
			return fmt.Errorf("%w: module %s declares service %s twice", ErrInvalidConfig, m.Name, svc.Name)
		}
		seen["service."+svc.Name] = true
	}
	for _, t := range m.Tests {
		if err := validateName("test", t.Name); err != nil {
			return err
		}
		if seen["test."+t.Name] {
			return fmt.Errorf("%w: module %s declares test %s twice", ErrInvalidConfig, m.Name, t.Name)
		}
		seen["test."+t.Name] = true
		if _, err := t.TimeoutDuration(); err != nil {
			return fmt.Errorf("%w: module %s: %v", ErrInvalidConfig, m.Name, err)
		}
	}
	return nil
}
