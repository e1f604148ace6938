package engine

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcache/meshcache/internal/config"
	"github.com/meshcache/meshcache/internal/types"
)

func remoteConfig(addr string) config.RemoteConfig {
	host, portStr, _ := strings.Cut(addr, ":")
	port, _ := strconv.Atoi(portStr)
	return config.RemoteConfig{
		Enabled:        true,
		Host:           host,
		Port:           port,
		KeyPrefix:      "test:",
		PoolMin:        1,
		PoolMax:        4,
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    2 * time.Second,
	}
}

func newTestRemoteEngine(t *testing.T) (*RemoteEngine, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	e, err := NewRemoteEngine(remoteConfig(mr.Addr()), config.ClusterConfig{}, config.RetryConfig{}, config.CircuitConfig{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	return e, mr
}

func TestRemoteEngine_RoundTrip(t *testing.T) {
	e, mr := newTestRemoteEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "k", []byte("v"), 0))

	got, err := e.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	// Keys are namespaced on the wire.
	assert.True(t, mr.Exists("test:k"))
}

func TestRemoteEngine_GetMiss(t *testing.T) {
	e, _ := newTestRemoteEngine(t)

	_, err := e.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, types.ErrCacheMiss)
}

func TestRemoteEngine_SetWithTTL(t *testing.T) {
	e, mr := newTestRemoteEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "k", []byte("v"), 10*time.Second))
	assert.Greater(t, mr.TTL("test:k"), time.Duration(0))

	mr.FastForward(11 * time.Second)
	_, err := e.Get(ctx, "k")
	assert.ErrorIs(t, err, types.ErrCacheMiss)
}

func TestRemoteEngine_Add(t *testing.T) {
	e, _ := newTestRemoteEngine(t)
	ctx := context.Background()

	ok, err := e.Add(ctx, "k", []byte("first"), 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Add(ctx, "k", []byte("second"), 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := e.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)
}

func TestRemoteEngine_Delete(t *testing.T) {
	e, _ := newTestRemoteEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "k", []byte("v"), 0))

	ok, err := e.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoteEngine_Exists(t *testing.T) {
	e, _ := newTestRemoteEngine(t)
	ctx := context.Background()

	ok, err := e.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, e.Set(ctx, "k", []byte("v"), 0))
	ok, err = e.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRemoteEngine_GetMulti(t *testing.T) {
	e, _ := newTestRemoteEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, e.Set(ctx, "b", []byte("2"), 0))

	got, err := e.GetMulti(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got["a"])
	assert.Equal(t, []byte("2"), got["b"])
	v, present := got["missing"]
	assert.True(t, present)
	assert.Nil(t, v)
}

func TestRemoteEngine_SetMulti_NoTTL(t *testing.T) {
	e, _ := newTestRemoteEngine(t)
	ctx := context.Background()

	n, err := e.SetMulti(ctx, map[string][]byte{
		"a": []byte("1"),
		"b": []byte("2"),
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := e.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)
}

func TestRemoteEngine_SetMulti_WithTTL(t *testing.T) {
	e, mr := newTestRemoteEngine(t)
	ctx := context.Background()

	n, err := e.SetMulti(ctx, map[string][]byte{
		"a": []byte("1"),
		"b": []byte("2"),
		"c": []byte("3"),
	}, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Pipelined SETEX applies the TTL to every key.
	for _, k := range []string{"test:a", "test:b", "test:c"} {
		assert.Greater(t, mr.TTL(k), time.Duration(0), "key %s must carry a TTL", k)
	}
}

func TestRemoteEngine_DeleteMulti(t *testing.T) {
	e, _ := newTestRemoteEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, e.Set(ctx, "b", []byte("2"), 0))

	n, err := e.DeleteMulti(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRemoteEngine_Increment(t *testing.T) {
	e, _ := newTestRemoteEngine(t)
	ctx := context.Background()

	n, err := e.Increment(ctx, "counter", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = e.Increment(ctx, "counter", -2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestRemoteEngine_IncrementNonNumeric(t *testing.T) {
	e, _ := newTestRemoteEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "text", []byte("hello"), 0))

	_, err := e.Increment(ctx, "text", 1)
	assert.ErrorIs(t, err, types.ErrTypeMismatch)
}

func TestRemoteEngine_Touch(t *testing.T) {
	e, mr := newTestRemoteEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "k", []byte("v"), 5*time.Second))

	ok, err := e.Touch(ctx, "k", 100*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Greater(t, mr.TTL("test:k"), 50*time.Second)

	ok, err = e.Touch(ctx, "missing", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoteEngine_ClearAndCount(t *testing.T) {
	e, _ := newTestRemoteEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, e.Set(ctx, "b", []byte("2"), 0))

	n, err := e.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, e.Clear(ctx))

	n, err = e.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRemoteEngine_ClusterReadFallsThrough(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	host, portStr, _ := strings.Cut(mr.Addr(), ":")
	port, _ := strconv.Atoi(portStr)

	clusterCfg := config.ClusterConfig{
		Enabled:        true,
		Type:           "replica",
		ReadPreference: "secondary",
		Nodes: []config.NodeConfig{
			{Host: host, Port: port, Role: "master", Weight: 1},
			// Dead slave: the read path must mark it unhealthy and fall
			// through to the generic acquire path.
			{Host: "127.0.0.1", Port: 1, Role: "slave", Weight: 1},
		},
	}

	e, err := NewRemoteEngine(remoteConfig(mr.Addr()), clusterCfg, config.RetryConfig{}, config.CircuitConfig{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	ctx := context.Background()
	require.NoError(t, e.Set(ctx, "k", []byte("v"), 0))

	got, err := e.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NotNil(t, e.Router())
	dead := e.Router().Node("127.0.0.1:1")
	require.NotNil(t, dead)
	assert.Equal(t, types.StatusUnhealthy, dead.Status())
}

func TestRemoteEngine_ClusterValidationFatal(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	clusterCfg := config.ClusterConfig{
		Enabled: true,
		Type:    "replica",
		Nodes: []config.NodeConfig{
			{Host: "s", Port: 7001, Role: "slave"},
		},
	}

	_, err = NewRemoteEngine(remoteConfig(mr.Addr()), clusterCfg, config.RetryConfig{}, config.CircuitConfig{}, nil)
	assert.ErrorIs(t, err, types.ErrClusterMisconfigured)
}

func TestRemoteEngine_IsAvailable(t *testing.T) {
	e, mr := newTestRemoteEngine(t)

	assert.True(t, e.IsAvailable())

	mr.Close()
	assert.False(t, e.IsAvailable())
}
