package orchestrator

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/aristath/devflow/internal/config"
	"github.com/aristath/devflow/internal/module"
	"github.com/aristath/devflow/internal/provider"
)

// environmentProviders creates the providers of one environment on first use.
// Build and Deploy of every provider go through retries and a circuit breaker.
type environmentProviders struct {
	env      *config.Environment
	procMgr  *provider.ProcessManager
	breakers *provider.CircuitBreakerRegistry
	retry    provider.RetryConfig
	stateDir string

	mu        sync.Mutex
	providers map[string]provider.Provider
}

func newEnvironmentProviders(env *config.Environment, retry config.RetryConfig, pm *provider.ProcessManager, stateDir string, logger *slog.Logger) (*environmentProviders, error) {
	retryCfg, err := provider.RetryConfigFrom(retry)
	if err != nil {
		return nil, err
	}
	breakerCfg, err := provider.BreakerSettingsFrom(retry)
	if err != nil {
		return nil, err
	}
	return &environmentProviders{
		env:       env,
		procMgr:   pm,
		breakers:  provider.NewCircuitBreakerRegistry(breakerCfg, logger),
		retry:     retryCfg,
		stateDir:  stateDir,
		providers: make(map[string]provider.Provider),
	}, nil
}

// ProviderFor returns the module's provider, or the environment default.
func (e *environmentProviders) ProviderFor(m *module.Module) (provider.Provider, error) {
	name, cfg, err := e.env.Provider(m.Provider)
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", m.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.providers[name]; ok {
		return p, nil
	}
	p, err := provider.New(name, cfg, e.procMgr, e.stateDir)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", name, err)
	}
	resilient := provider.NewResilient(p, e.breakers, e.retry)
	e.providers[name] = resilient
	return resilient, nil
}
