package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcache/meshcache/internal/config"
	"github.com/meshcache/meshcache/internal/types"
)

func poolConfig(addr string, min, max int) config.RemoteConfig {
	host, port, _ := splitAddr(addr)
	return config.RemoteConfig{
		Enabled:        true,
		Host:           host,
		Port:           port,
		PoolMin:        min,
		PoolMax:        max,
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    2 * time.Second,
	}
}

func splitAddr(addr string) (string, int, bool) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			port := 0
			for _, c := range addr[i+1:] {
				port = port*10 + int(c-'0')
			}
			return addr[:i], port, true
		}
	}
	return addr, 6379, false
}

func newTestPool(t *testing.T, min, max int) (*Pool, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	p, err := NewPool(poolConfig(mr.Addr(), min, max), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	return p, mr
}

func TestNewPool_RejectsInvertedBounds(t *testing.T) {
	_, err := NewPool(config.RemoteConfig{PoolMin: 10, PoolMax: 5}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds max")
}

func TestPool_WarmUp(t *testing.T) {
	p, _ := newTestPool(t, 3, 8)

	assert.Equal(t, 3, p.Total())
	assert.Equal(t, 3, p.IdleCount())
}

func TestPool_AcquireRelease(t *testing.T) {
	p, _ := newTestPool(t, 1, 4)
	ctx := context.Background()

	pc, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, pc)
	assert.NotEmpty(t, pc.ID)
	assert.Zero(t, p.IdleCount())

	// The lent connection works.
	require.NoError(t, pc.Conn().Set(ctx, "k", "v", 0).Err())

	p.Release(pc)
	assert.Equal(t, 1, p.IdleCount())

	// Re-acquire reuses the idle connection.
	pc2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, pc.ID, pc2.ID)
	p.Release(pc2)
}

func TestPool_Exhaustion(t *testing.T) {
	p, _ := newTestPool(t, 0, 2)
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, types.ErrPoolExhausted)

	p.Release(a)
	c, err := p.Acquire(ctx)
	require.NoError(t, err)

	p.Release(b)
	p.Release(c)
}

func TestPool_ReleaseDestroysDeadConn(t *testing.T) {
	p, mr := newTestPool(t, 0, 4)
	ctx := context.Background()

	pc, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, p.Total())

	mr.Close()
	p.Release(pc)

	assert.Zero(t, p.IdleCount(), "dead connection must not be pooled")
	assert.Zero(t, p.Total())
}

func TestPool_AcquireNode(t *testing.T) {
	p, mr := newTestPool(t, 0, 4)
	ctx := context.Background()

	host, port, _ := splitAddr(mr.Addr())
	node := NewNode(config.NodeConfig{Host: host, Port: port, Role: "master"})

	pc, err := p.AcquireNode(ctx, node)
	require.NoError(t, err)
	assert.Same(t, node, pc.Node)
	p.Release(pc)

	assert.Equal(t, 1, p.IdleCount())
}

func TestPool_AcquireUnreachableNode(t *testing.T) {
	p, _ := newTestPool(t, 0, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	node := NewNode(config.NodeConfig{Host: "127.0.0.1", Port: 1, Role: "master"})
	_, err := p.AcquireNode(ctx, node)
	assert.ErrorIs(t, err, types.ErrConnectionFailed)
	assert.Zero(t, p.Total())
}

func TestPool_Ping(t *testing.T) {
	p, mr := newTestPool(t, 0, 4)
	ctx := context.Background()
	addr := mr.Addr()

	assert.NoError(t, p.Ping(ctx, addr, nil))

	mr.Close()
	assert.Error(t, p.Ping(ctx, addr, nil))
}

func TestPool_Close(t *testing.T) {
	p, _ := newTestPool(t, 2, 4)

	require.NoError(t, p.Close())

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, types.ErrClosed)

	// Idempotent.
	assert.NoError(t, p.Close())
}
