package module

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gammazero/toposort"
)

// Set is the collection of modules of one project.
type Set struct {
	mu       sync.Mutex
	modules  map[string]*Module
	services map[string]*Service
	versions map[string]string // Memoized by Version
}

func newSet() *Set {
	return &Set{
		modules:  make(map[string]*Module),
		services: make(map[string]*Service),
		versions: make(map[string]string),
	}
}

// NewSet builds a Set from already decoded modules.
func NewSet(modules ...*Module) (*Set, error) {
	set := newSet()
	for _, m := range modules {
		if err := m.validate(); err != nil {
			return nil, err
		}
		if err := set.add(m); err != nil {
			return nil, err
		}
	}
	if err := set.resolve(); err != nil {
		return nil, err
	}
	return set, nil
}

func (s *Set) add(m *Module) error {
	if prev, ok := s.modules[m.Name]; ok {
		return fmt.Errorf("%w %q declared in %s and %s", ErrDuplicateModule, m.Name, prev.ConfigFile, m.ConfigFile)
	}
	for _, svc := range m.Services {
		if prev, ok := s.services[svc.Name]; ok {
			return fmt.Errorf("%w: service %q declared by modules %s and %s", ErrInvalidConfig, svc.Name, prev.Module.Name, m.Name)
		}
	}

	s.modules[m.Name] = m
	for _, svc := range m.Services {
		s.services[svc.Name] = &Service{ServiceConfig: svc, Module: m}
	}
	return nil
}

// resolve checks every cross reference and rejects build dependency cycles.
func (s *Set) resolve() error {
	var edges []toposort.Edge
	for _, name := range s.moduleNames() {
		m := s.modules[name]
		if len(m.BuildDependencies()) == 0 {
			edges = append(edges, toposort.Edge{nil, name})
		}
		for _, dep := range m.BuildDependencies() {
			if _, ok := s.modules[dep]; !ok {
				return fmt.Errorf("module %s build: %w", name, s.notFound("module", dep))
			}
			edges = append(edges, toposort.Edge{dep, name})
		}
		for _, svc := range m.Services {
			for _, dep := range svc.Dependencies {
				if _, ok := s.services[dep]; !ok {
					return fmt.Errorf("service %s: %w", svc.Name, s.notFound("service", dep))
				}
			}
		}
		for _, t := range m.Tests {
			for _, dep := range t.Dependencies {
				if _, ok := s.services[dep]; !ok {
					return fmt.Errorf("test %s.%s: %w", name, t.Name, s.notFound("service", dep))
				}
			}
		}
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("%w: build dependencies: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Module returns the named module.
func (s *Set) Module(name string) (*Module, error) {
	m, ok := s.modules[name]
	if !ok {
		return nil, s.notFound("module", name)
	}
	return m, nil
}

// Modules returns the named modules, or every module sorted by name when no
// names are given.
func (s *Set) Modules(names ...string) ([]*Module, error) {
	if len(names) == 0 {
		names = s.moduleNames()
	}
	out := make([]*Module, 0, len(names))
	for _, name := range names {
		m, err := s.Module(name)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Service returns the named service.
func (s *Set) Service(name string) (*Service, error) {
	svc, ok := s.services[name]
	if !ok {
		return nil, s.notFound("service", name)
	}
	return svc, nil
}

// Services returns the named services, or every service sorted by name when
// no names are given.
func (s *Set) Services(names ...string) ([]*Service, error) {
	if len(names) == 0 {
		names = s.serviceNames()
	}
	out := make([]*Service, 0, len(names))
	for _, name := range names {
		svc, err := s.Service(name)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, nil
}

func (s *Set) notFound(kind, name string) *NotFoundError {
	available := s.moduleNames()
	if kind == "service" {
		available = s.serviceNames()
	}
	return &NotFoundError{Kind: kind, Name: name, Available: available}
}

func (s *Set) moduleNames() []string {
	names := make([]string, 0, len(s.modules))
	for name := range s.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Set) serviceNames() []string {
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
