// Package config provides configuration management for meshcache.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/meshcache/meshcache/internal/types"
)

// SecretString is a string type that redacts its value when marshaled to JSON.
type SecretString = types.SecretString

// NewSecretString creates a new SecretString with the provided value.
func NewSecretString(value string) SecretString {
	return types.NewSecretString(value)
}

// Config contains all configuration for the meshcache engines and facade.
type Config struct {
	Engine   EngineConfig   `json:"engine"`
	Memory   MemoryConfig   `json:"memory"`
	Remote   RemoteConfig   `json:"remote"`
	Cluster  ClusterConfig  `json:"cluster"`
	File     FileConfig     `json:"file"`
	Defaults DefaultsConfig `json:"defaults"`
	Session  SessionConfig  `json:"session"`
	Metrics  MetricsConfig  `json:"metrics"`
	Retry    RetryConfig    `json:"retry"`
	Circuit  CircuitConfig  `json:"circuitBreaker"`
}

// EngineConfig selects which backend the selector prefers.
type EngineConfig struct {
	// Preferred names the engine the selector should pick when available.
	// "auto" means rank by performance level instead.
	Preferred string `json:"preferred"`
	// DefaultStore names the engine used when Preferred is "auto" and the
	// ranking is ambiguous.
	DefaultStore string `json:"defaultStore"`
}

// MemoryConfig contains configuration for the in-process memory engine.
type MemoryConfig struct {
	// MaxSize is the hard memory budget, as "<int>{K,M,G}" or bare bytes.
	MaxSize         string        `json:"maxSize"`
	CleanupInterval time.Duration `json:"cleanupInterval"`
	Shards          int           `json:"shards"`
	Enabled         bool          `json:"enabled"`
}

// RemoteConfig contains configuration for the remote (Redis-protocol) engine.
type RemoteConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	Password       SecretString  `json:"password"`
	DB             int           `json:"db"`
	KeyPrefix      string        `json:"keyPrefix"`
	PoolMin        int           `json:"poolMin"`
	PoolMax        int           `json:"poolMax"`
	ConnectTimeout time.Duration `json:"connectTimeout"`
	ReadTimeout    time.Duration `json:"readTimeout"`
	EnableTLS      bool          `json:"enableTLS"`
	TLSSkipVerify  bool          `json:"tlsSkipVerify"`
	Enabled        bool          `json:"enabled"`
}

// Address returns host:port.
func (c RemoteConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NodeConfig describes one remote node.
type NodeConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Role     string `json:"role"`
	Priority int32  `json:"priority"`
	Weight   uint32 `json:"weight"`
}

// ClusterConfig contains topology and routing configuration for the
// remote engine.
type ClusterConfig struct {
	Enabled             bool          `json:"enabled"`
	Type                string        `json:"type"`
	Nodes               []NodeConfig  `json:"nodes"`
	ReadPreference      string        `json:"readPreference"`
	WriteConcern        int           `json:"writeConcern"`
	AutoDiscovery       bool          `json:"autoDiscovery"`
	HealthCheckInterval time.Duration `json:"healthCheckInterval"`
}

// FileConfig contains configuration for the filesystem engine.
type FileConfig struct {
	Path        string `json:"path"`
	Prefix      string `json:"prefix"`
	Permissions uint32 `json:"permissions"`
	Enabled     bool   `json:"enabled"`
}

// DefaultsConfig contains default values for facade operations.
type DefaultsConfig struct {
	TTL            time.Duration `json:"ttl"`
	AsyncThreshold int           `json:"asyncThreshold"`
	BatchSize      int           `json:"batchSize"`
	MemoryLimit    string        `json:"memoryLimit"`
}

// SessionConfig contains configuration for the session lock layer.
type SessionConfig struct {
	KeyPrefix   string        `json:"keyPrefix"`
	LockTimeout time.Duration `json:"lockTimeout"`
	TTL         time.Duration `json:"ttl"`
}

// RetryConfig bounds the remote engine's retry budget.
type RetryConfig struct {
	Attempts int           `json:"attempts"`
	Delay    time.Duration `json:"delay"`
	Enabled  bool          `json:"enabled"`
}

// CircuitConfig contains configuration for the remote-path circuit breaker.
type CircuitConfig struct {
	Enabled          bool          `json:"enabled"`
	FailureThreshold int           `json:"failureThreshold"`
	SuccessThreshold int           `json:"successThreshold"`
	OpenDuration     time.Duration `json:"openDuration"`
}

// MetricsConfig contains configuration for metrics publishing.
type MetricsConfig struct {
	PublishInterval time.Duration `json:"publishInterval"`
	DataDog         DataDogConfig `json:"datadog"`
	Enabled         bool          `json:"enabled"`
}

// DataDogConfig contains configuration for DogStatsD publishing.
type DataDogConfig struct {
	Tags      []string `json:"tags"`
	AgentHost string   `json:"agentHost"`
	Prefix    string   `json:"prefix"`
	Port      int      `json:"port"`
	Enabled   bool     `json:"enabled"`
}

// ParseSize parses a "<int>{K,M,G}" size string, or bare integer bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	mult := int64(1)
	switch s[len(s)-1] {
	case 'K', 'k':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'M', 'm':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'G', 'g':
		mult = 1 << 30
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("size must not be negative")
	}
	return n * mult, nil
}

// Validate checks if the configuration is valid. An invalid cluster layout
// is the only fatal-at-construction condition besides nonsensical bounds.
func (c *Config) Validate() error {
	if c.Memory.Enabled {
		if _, err := ParseSize(c.Memory.MaxSize); err != nil {
			return fmt.Errorf("memory.maxSize: %w", err)
		}
		if c.Memory.Shards <= 0 || (c.Memory.Shards&(c.Memory.Shards-1)) != 0 {
			return fmt.Errorf("memory.shards must be a positive power of 2")
		}
	}

	if c.Remote.Enabled {
		if c.Remote.Host == "" {
			return fmt.Errorf("remote.host is required when the remote engine is enabled")
		}
		if c.Remote.PoolMax <= 0 {
			return fmt.Errorf("remote.poolMax must be positive")
		}
		if c.Remote.PoolMin > c.Remote.PoolMax {
			return fmt.Errorf("remote.poolMin %d exceeds remote.poolMax %d",
				c.Remote.PoolMin, c.Remote.PoolMax)
		}
	}

	if c.Cluster.Enabled {
		switch types.ClusterType(c.Cluster.Type) {
		case types.ClusterTypeCluster, types.ClusterTypeSentinel, types.ClusterTypeReplica:
		default:
			return fmt.Errorf("%w: unknown cluster type %q", types.ErrClusterMisconfigured, c.Cluster.Type)
		}
		if len(c.Cluster.Nodes) == 0 {
			return fmt.Errorf("%w: cluster enabled with no nodes", types.ErrClusterMisconfigured)
		}
	}

	if c.File.Enabled && c.File.Path == "" {
		return fmt.Errorf("file.path is required when the file engine is enabled")
	}

	if c.Retry.Enabled && c.Retry.Attempts <= 0 {
		return fmt.Errorf("retry.attempts must be positive")
	}

	return nil
}
