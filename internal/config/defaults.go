package config

import "time"

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Preferred:    "auto",
			DefaultStore: "redis",
		},
		Memory: MemoryConfig{
			Enabled:         true,
			MaxSize:         "100M",
			CleanupInterval: 300 * time.Second,
			Shards:          64,
		},
		Remote: RemoteConfig{
			Enabled:        false,
			Host:           "127.0.0.1",
			Port:           6379,
			DB:             0,
			KeyPrefix:      "",
			PoolMin:        5,
			PoolMax:        20,
			ConnectTimeout: 30 * time.Second,
			ReadTimeout:    30 * time.Second,
		},
		Cluster: ClusterConfig{
			Enabled:             false,
			Type:                "replica",
			ReadPreference:      "any",
			AutoDiscovery:       false,
			HealthCheckInterval: 30 * time.Second,
		},
		File: FileConfig{
			Enabled:     true,
			Path:        "storage/cache",
			Prefix:      "cache_",
			Permissions: 0o755,
		},
		Defaults: DefaultsConfig{
			TTL:            3600 * time.Second,
			AsyncThreshold: 1000,
			BatchSize:      100,
			MemoryLimit:    "256M",
		},
		Session: SessionConfig{
			KeyPrefix:   "sess:",
			LockTimeout: 30 * time.Second,
			TTL:         1440 * time.Second,
		},
		Retry: RetryConfig{
			Enabled:  true,
			Attempts: 3,
			Delay:    100 * time.Millisecond,
		},
		Circuit: CircuitConfig{
			Enabled:          true,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenDuration:     30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:         false,
			PublishInterval: 10 * time.Second,
			DataDog: DataDogConfig{
				Enabled:   false,
				AgentHost: "127.0.0.1",
				Port:      8125,
				Prefix:    "meshcache",
				Tags:      []string{},
			},
		},
	}
}

// ForTesting returns a minimal configuration suitable for unit tests.
func ForTesting() *Config {
	return &Config{
		Engine: EngineConfig{
			Preferred:    "memory",
			DefaultStore: "memory",
		},
		Memory: MemoryConfig{
			Enabled:         true,
			MaxSize:         "16M",
			CleanupInterval: 1 * time.Second,
			Shards:          16,
		},
		Remote: RemoteConfig{
			Enabled:        false,
			Host:           "127.0.0.1",
			Port:           6379,
			KeyPrefix:      "test:",
			PoolMin:        1,
			PoolMax:        4,
			ConnectTimeout: 1 * time.Second,
			ReadTimeout:    1 * time.Second,
		},
		Cluster: ClusterConfig{
			Enabled:             false,
			Type:                "replica",
			ReadPreference:      "any",
			HealthCheckInterval: 0,
		},
		File: FileConfig{
			Enabled:     false,
			Path:        "",
			Prefix:      "cache_",
			Permissions: 0o755,
		},
		Defaults: DefaultsConfig{
			TTL:            1 * time.Minute,
			AsyncThreshold: 100,
			BatchSize:      10,
			MemoryLimit:    "16M",
		},
		Session: SessionConfig{
			KeyPrefix:   "sess:",
			LockTimeout: 5 * time.Second,
			TTL:         1 * time.Minute,
		},
		Retry: RetryConfig{
			Enabled:  false,
			Attempts: 1,
			Delay:    10 * time.Millisecond,
		},
		Circuit: CircuitConfig{
			Enabled:          false,
			FailureThreshold: 3,
			SuccessThreshold: 1,
			OpenDuration:     1 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:         false,
			PublishInterval: 1 * time.Second,
		},
	}
}

// ForTestingWithRemote returns a test config with the remote engine enabled
// and pointed at addr (host:port).
func ForTestingWithRemote(addr string) *Config {
	cfg := ForTesting()
	host, port := splitHostPort(addr)
	cfg.Remote.Enabled = true
	cfg.Remote.Host = host
	cfg.Remote.Port = port
	cfg.Engine.Preferred = "redis"
	return cfg
}
