package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"100M", 100 << 20, false},
		{"1G", 1 << 30, false},
		{"512K", 512 << 10, false},
		{"4096", 4096, false},
		{"16m", 16 << 20, false},
		{" 8M ", 8 << 20, false},
		{"", 0, true},
		{"abc", 0, true},
		{"-1M", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "auto", cfg.Engine.Preferred)
	assert.Equal(t, "redis", cfg.Engine.DefaultStore)
	assert.Equal(t, "100M", cfg.Memory.MaxSize)
	assert.Equal(t, 300*time.Second, cfg.Memory.CleanupInterval)
	assert.Equal(t, 5, cfg.Remote.PoolMin)
	assert.Equal(t, 20, cfg.Remote.PoolMax)
	assert.Equal(t, 3600*time.Second, cfg.Defaults.TTL)
	assert.Equal(t, "storage/cache", cfg.File.Path)
}

func TestValidate_PoolBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Remote.Enabled = true
	cfg.Remote.PoolMin = 30
	cfg.Remote.PoolMax = 20

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poolMin")
}

func TestValidate_ClusterType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cluster.Enabled = true
	cfg.Cluster.Type = "bogus"
	cfg.Cluster.Nodes = []NodeConfig{{Host: "a", Port: 7000}}

	assert.Error(t, cfg.Validate())

	cfg.Cluster.Type = "replica"
	assert.NoError(t, cfg.Validate())

	cfg.Cluster.Nodes = nil
	assert.Error(t, cfg.Validate())
}

func TestValidate_MemoryShards(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Memory.Shards = 3
	assert.Error(t, cfg.Validate())

	cfg.Memory.Shards = 64
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"memory": {"enabled": true, "maxSize": "32M", "shards": 32, "cleanupInterval": 60000000000}}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "32M", cfg.Memory.MaxSize)
	assert.Equal(t, 32, cfg.Memory.Shards)
	assert.Equal(t, time.Minute, cfg.Memory.CleanupInterval)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CACHE_ENGINE", "memory")
	t.Setenv("CACHE_TTL_DEFAULT", "120")
	t.Setenv("CACHE_MEMORY_MAX_SIZE", "64M")
	t.Setenv("CACHE_MEMORY_CLEANUP_INTERVAL", "30s")
	t.Setenv("CACHE_REDIS_HOST", "redis.internal")
	t.Setenv("CACHE_REDIS_PORT", "6380")
	t.Setenv("CACHE_REDIS_POOL_MIN", "2")
	t.Setenv("CACHE_REDIS_POOL_MAX", "8")
	t.Setenv("CACHE_FILE_PATH", "/tmp/meshcache-test")

	cfg := DefaultConfig()
	applyEnvOverrides(cfg)

	assert.Equal(t, "memory", cfg.Engine.Preferred)
	assert.Equal(t, 120*time.Second, cfg.Defaults.TTL)
	assert.Equal(t, "64M", cfg.Memory.MaxSize)
	assert.Equal(t, 30*time.Second, cfg.Memory.CleanupInterval)
	assert.Equal(t, "redis.internal", cfg.Remote.Host)
	assert.True(t, cfg.Remote.Enabled)
	assert.Equal(t, 6380, cfg.Remote.Port)
	assert.Equal(t, 2, cfg.Remote.PoolMin)
	assert.Equal(t, 8, cfg.Remote.PoolMax)
	assert.Equal(t, "/tmp/meshcache-test", cfg.File.Path)
	assert.True(t, cfg.File.Enabled)
}

func TestParseClusterNodes_Compact(t *testing.T) {
	t.Setenv("REDIS_CLUSTER_NODES", "10.0.0.1:7000:master:1:3, 10.0.0.2:7001:slave, 10.0.0.3:7002")

	nodes := parseClusterNodes()
	require.Len(t, nodes, 3)

	assert.Equal(t, NodeConfig{Host: "10.0.0.1", Port: 7000, Role: "master", Priority: 1, Weight: 3}, nodes[0])
	assert.Equal(t, NodeConfig{Host: "10.0.0.2", Port: 7001, Role: "slave", Weight: 1}, nodes[1])
	assert.Equal(t, NodeConfig{Host: "10.0.0.3", Port: 7002, Weight: 1}, nodes[2])
}

func TestParseClusterNodes_Indexed(t *testing.T) {
	t.Setenv("REDIS_CLUSTER_NODE_0_HOST", "10.0.0.1")
	t.Setenv("REDIS_CLUSTER_NODE_0_PORT", "7000")
	t.Setenv("REDIS_CLUSTER_NODE_0_ROLE", "master")
	t.Setenv("REDIS_CLUSTER_NODE_1_HOST", "10.0.0.2")
	t.Setenv("REDIS_CLUSTER_NODE_1_WEIGHT", "5")

	nodes := parseClusterNodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, "master", nodes[0].Role)
	assert.Equal(t, 6379, nodes[1].Port)
	assert.Equal(t, uint32(5), nodes[1].Weight)
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 90*time.Second, parseDuration("90", 0))
	assert.Equal(t, 5*time.Minute, parseDuration("5m", 0))
	assert.Equal(t, 36*time.Hour, parseDuration("1d12h", 0))
	assert.Equal(t, time.Second, parseDuration("junk", time.Second))
}
