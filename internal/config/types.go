package config

// ProviderConfig defines how a provider runs module actions.
type ProviderConfig struct {
	Type    string   `json:"type"`              // Provider implementation: "local" or "docker"
	Command string   `json:"command,omitempty"` // Binary override (e.g., "podman" for a docker-type provider)
	Args    []string `json:"args,omitempty"`    // Extra args appended to every invocation
	Context string   `json:"context,omitempty"` // Docker context or other target selector
}

// EnvironmentConfig groups the providers available in one environment.
type EnvironmentConfig struct {
	DefaultProvider string                    `json:"default_provider"`
	Providers       map[string]ProviderConfig `json:"providers"`
	Variables       map[string]string         `json:"variables,omitempty"` // Overrides project variables
}

// RetryConfig tunes retries and the circuit breaker around builds and deploys.
// Durations use time.ParseDuration syntax ("100ms", "2m").
type RetryConfig struct {
	InitialInterval  string `json:"initial_interval,omitempty"`
	MaxInterval      string `json:"max_interval,omitempty"`
	MaxElapsedTime   string `json:"max_elapsed_time,omitempty"`
	BreakerThreshold int    `json:"breaker_threshold,omitempty"` // Consecutive failures before the breaker opens
	BreakerTimeout   string `json:"breaker_timeout,omitempty"`
}

// ProjectConfig is the top-level configuration.
type ProjectConfig struct {
	Name               string                       `json:"name,omitempty"`
	DefaultEnvironment string                       `json:"default_environment"`
	Environments       map[string]EnvironmentConfig `json:"environments"`
	Variables          map[string]string            `json:"variables,omitempty"`
	Concurrency        int                          `json:"concurrency,omitempty"`
	StateDir           string                       `json:"state_dir,omitempty"` // Relative to the project root unless absolute
	Retry              RetryConfig                  `json:"retry"`
}
