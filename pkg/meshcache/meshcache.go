package meshcache

import (
	"github.com/meshcache/meshcache/internal/config"
)

// New creates a cache facade with default configuration.
func New(opts ...ManagerOption) (*Cache, error) {
	return NewFromConfig(config.DefaultConfig(), opts...)
}

// NewFromConfig creates a cache facade from configuration.
func NewFromConfig(cfg *config.Config, opts ...ManagerOption) (*Cache, error) {
	managerOpts := &ManagerOptions{}
	for _, opt := range opts {
		opt(managerOpts)
	}
	return newCache(cfg, managerOpts)
}

// NewFromFile creates a cache facade from a JSON config file with
// environment overrides applied.
func NewFromFile(path string, opts ...ManagerOption) (*Cache, error) {
	cfg, err := config.LoadWithEnv(path)
	if err != nil {
		return nil, err
	}
	return NewFromConfig(cfg, opts...)
}

// NewFromEnv creates a cache facade from defaults plus environment
// overrides (CACHE_*, REDIS_CLUSTER_*, DD_*).
func NewFromEnv(opts ...ManagerOption) (*Cache, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	return NewFromConfig(cfg, opts...)
}

// NewMemoryOnly creates a facade backed only by the in-process engine.
func NewMemoryOnly(opts ...ManagerOption) (*Cache, error) {
	cfg := config.DefaultConfig()
	cfg.Remote.Enabled = false
	cfg.File.Enabled = false
	cfg.Engine.Preferred = "memory"
	cfg.Engine.DefaultStore = "memory"
	return NewFromConfig(cfg, opts...)
}

// Config returns a default configuration to modify before construction.
func Config() *config.Config {
	return config.DefaultConfig()
}

// TestConfig returns a configuration suitable for unit tests.
func TestConfig() *config.Config {
	return config.ForTesting()
}
