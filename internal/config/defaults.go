package config

// DefaultConfig returns the built-in configuration: a single "local"
// environment offering the local and docker providers.
func DefaultConfig() *ProjectConfig {
	return &ProjectConfig{
		DefaultEnvironment: "local",
		Environments: map[string]EnvironmentConfig{
			"local": {
				DefaultProvider: "local",
				Providers: map[string]ProviderConfig{
					"local": {
						Type: "local",
					},
					"docker": {
						Type:    "docker",
						Command: "docker",
					},
				},
			},
		},
		Variables:   map[string]string{},
		Concurrency: 4,
		StateDir:    ".devflow",
		Retry: RetryConfig{
			InitialInterval:  "100ms",
			MaxInterval:      "10s",
			MaxElapsedTime:   "2m",
			BreakerThreshold: 5,
			BreakerTimeout:   "30s",
		},
	}
}
