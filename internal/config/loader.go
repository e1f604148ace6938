package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	str2duration "github.com/xhit/go-str2duration/v2"
)

// Load loads configuration from a JSON file. If the file doesn't exist,
// returns default configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithEnv loads configuration from a JSON file and applies environment
// overrides. A .env file in the working directory is honored when present.
func LoadWithEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv returns the default configuration with environment overrides
// applied and validated.
func FromEnv() (*Config, error) {
	return LoadWithEnv("")
}

//nolint:gocyclo // Environment variable parsing requires many conditional checks
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CACHE_ENGINE"); v != "" {
		cfg.Engine.Preferred = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("CACHE_DEFAULT_STORE"); v != "" {
		cfg.Engine.DefaultStore = strings.ToLower(strings.TrimSpace(v))
	}

	if v := os.Getenv("CACHE_ASYNC_THRESHOLD"); v != "" {
		cfg.Defaults.AsyncThreshold = parseInt(v, cfg.Defaults.AsyncThreshold)
	}
	if v := os.Getenv("CACHE_BATCH_SIZE"); v != "" {
		cfg.Defaults.BatchSize = parseInt(v, cfg.Defaults.BatchSize)
	}
	if v := os.Getenv("CACHE_MEMORY_LIMIT"); v != "" {
		cfg.Defaults.MemoryLimit = v
	}
	if v := os.Getenv("CACHE_TTL_DEFAULT"); v != "" {
		cfg.Defaults.TTL = parseDuration(v, cfg.Defaults.TTL)
	}

	if v := os.Getenv("CACHE_REDIS_HOST"); v != "" {
		cfg.Remote.Host = v
		cfg.Remote.Enabled = true
	}
	if v := os.Getenv("CACHE_REDIS_PORT"); v != "" {
		cfg.Remote.Port = parseInt(v, cfg.Remote.Port)
	}
	if v := os.Getenv("CACHE_REDIS_PASSWORD"); v != "" {
		cfg.Remote.Password = NewSecretString(v)
	}
	if v := os.Getenv("CACHE_REDIS_DATABASE"); v != "" {
		cfg.Remote.DB = parseInt(v, cfg.Remote.DB)
	}
	if v := os.Getenv("CACHE_REDIS_POOL_MIN"); v != "" {
		cfg.Remote.PoolMin = parseInt(v, cfg.Remote.PoolMin)
	}
	if v := os.Getenv("CACHE_REDIS_POOL_MAX"); v != "" {
		cfg.Remote.PoolMax = parseInt(v, cfg.Remote.PoolMax)
	}
	if v := os.Getenv("CACHE_REDIS_TIMEOUT"); v != "" {
		d := parseDuration(v, cfg.Remote.ConnectTimeout)
		cfg.Remote.ConnectTimeout = d
		cfg.Remote.ReadTimeout = d
	}
	if v := os.Getenv("CACHE_REDIS_RETRY_DELAY"); v != "" {
		cfg.Retry.Delay = parseDuration(v, cfg.Retry.Delay)
	}

	if v := os.Getenv("REDIS_CLUSTER_ENABLED"); v != "" {
		cfg.Cluster.Enabled = parseBool(v)
	}
	if v := os.Getenv("REDIS_CLUSTER_TYPE"); v != "" {
		cfg.Cluster.Type = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("REDIS_CLUSTER_AUTO_DISCOVERY"); v != "" {
		cfg.Cluster.AutoDiscovery = parseBool(v)
	}
	if v := os.Getenv("REDIS_CLUSTER_READ_PREFERENCE"); v != "" {
		cfg.Cluster.ReadPreference = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("REDIS_CLUSTER_HEALTH_CHECK_INTERVAL"); v != "" {
		cfg.Cluster.HealthCheckInterval = parseDuration(v, cfg.Cluster.HealthCheckInterval)
	}
	if nodes := parseClusterNodes(); len(nodes) > 0 {
		cfg.Cluster.Nodes = nodes
	}

	if v := os.Getenv("CACHE_MEMORY_MAX_SIZE"); v != "" {
		cfg.Memory.MaxSize = v
	}
	if v := os.Getenv("CACHE_MEMORY_CLEANUP_INTERVAL"); v != "" {
		cfg.Memory.CleanupInterval = parseDuration(v, cfg.Memory.CleanupInterval)
	}

	if v := os.Getenv("CACHE_FILE_PATH"); v != "" {
		cfg.File.Path = v
		cfg.File.Enabled = true
	}
	if v := os.Getenv("CACHE_FILE_PERMISSIONS"); v != "" {
		if perm, err := strconv.ParseUint(strings.TrimPrefix(v, "0o"), 8, 32); err == nil {
			cfg.File.Permissions = uint32(perm)
		}
	}

	if v := os.Getenv("DD_AGENT_HOST"); v != "" {
		cfg.Metrics.DataDog.AgentHost = v
		cfg.Metrics.DataDog.Enabled = true
		cfg.Metrics.Enabled = true
	}
	if v := os.Getenv("DD_DOGSTATSD_PORT"); v != "" {
		cfg.Metrics.DataDog.Port = parseInt(v, cfg.Metrics.DataDog.Port)
	}
	if v := os.Getenv("DD_SERVICE"); v != "" {
		cfg.Metrics.DataDog.Prefix = v
	}
	if v := os.Getenv("DD_ENV"); v != "" {
		cfg.Metrics.DataDog.Tags = append(cfg.Metrics.DataDog.Tags, "env:"+v)
	}
}

// parseClusterNodes reads the node list from either the compact
// REDIS_CLUSTER_NODES=host:port[:role[:priority[:weight]]],... form or the
// indexed REDIS_CLUSTER_NODE_<i>_{HOST,PORT,ROLE,PRIORITY,WEIGHT} form.
// The compact form wins when both are set.
func parseClusterNodes() []NodeConfig {
	if v := os.Getenv("REDIS_CLUSTER_NODES"); v != "" {
		var nodes []NodeConfig
		for _, spec := range strings.Split(v, ",") {
			spec = strings.TrimSpace(spec)
			if spec == "" {
				continue
			}
			if n, ok := parseNodeSpec(spec); ok {
				nodes = append(nodes, n)
			}
		}
		return nodes
	}

	var nodes []NodeConfig
	for i := 0; ; i++ {
		prefix := fmt.Sprintf("REDIS_CLUSTER_NODE_%d_", i)
		host := os.Getenv(prefix + "HOST")
		if host == "" {
			break
		}
		n := NodeConfig{
			Host:   host,
			Port:   parseInt(os.Getenv(prefix+"PORT"), 6379),
			Role:   strings.ToLower(os.Getenv(prefix + "ROLE")),
			Weight: 1,
		}
		if v := os.Getenv(prefix + "PRIORITY"); v != "" {
			n.Priority = int32(parseInt(v, 0))
		}
		if v := os.Getenv(prefix + "WEIGHT"); v != "" {
			if w := parseInt(v, 1); w > 0 {
				n.Weight = uint32(w)
			}
		}
		nodes = append(nodes, n)
	}
	return nodes
}

func parseNodeSpec(spec string) (NodeConfig, bool) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 {
		return NodeConfig{}, false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return NodeConfig{}, false
	}

	n := NodeConfig{
		Host:   parts[0],
		Port:   port,
		Weight: 1,
	}
	if len(parts) > 2 {
		n.Role = strings.ToLower(parts[2])
	}
	if len(parts) > 3 {
		n.Priority = int32(parseInt(parts[3], 0))
	}
	if len(parts) > 4 {
		if w := parseInt(parts[4], 1); w > 0 {
			n.Weight = uint32(w)
		}
	}
	return n, true
}

func splitHostPort(addr string) (string, int) {
	host, portStr, ok := strings.Cut(addr, ":")
	if !ok {
		return addr, 6379
	}
	return host, parseInt(portStr, 6379)
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

func parseInt(s string, defaultVal int) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return defaultVal
	}
	return v
}

// parseDuration accepts "1d12h30s"-style strings and bare integer seconds.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)

	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}

	if d, err := str2duration.ParseDuration(s); err == nil {
		return d
	}

	return defaultVal
}
