package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcache/meshcache/internal/config"
	"github.com/meshcache/meshcache/internal/types"
)

func newTestMemoryEngine(t *testing.T, maxSize string) *MemoryEngine {
	t.Helper()
	e, err := NewMemoryEngine(config.MemoryConfig{
		Enabled:         true,
		MaxSize:         maxSize,
		CleanupInterval: time.Hour,
		Shards:          16,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// entrySize is the budget cost of a single-byte key with a single-byte value.
const entrySize = 1 + 1 + types.EntryOverhead

func TestMemoryEngine_RoundTrip(t *testing.T) {
	e := newTestMemoryEngine(t, "16M")
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "k", []byte("v"), 0))

	got, err := e.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	ok, err := e.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryEngine_GetMiss(t *testing.T) {
	e := newTestMemoryEngine(t, "16M")

	_, err := e.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, types.ErrCacheMiss)
}

func TestMemoryEngine_IdempotentDelete(t *testing.T) {
	e := newTestMemoryEngine(t, "16M")
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "k", []byte("v"), 0))

	ok, err := e.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryEngine_TTLExpiry(t *testing.T) {
	e := newTestMemoryEngine(t, "16M")
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "x", []byte("v"), 1*time.Second))

	time.Sleep(1200 * time.Millisecond)

	_, err := e.Get(ctx, "x")
	assert.ErrorIs(t, err, types.ErrCacheMiss)

	count, err := e.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMemoryEngine_CleanupSweep(t *testing.T) {
	e := newTestMemoryEngine(t, "16M")
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "x", []byte("v"), 1*time.Second))
	require.NoError(t, e.Set(ctx, "y", []byte("v"), 100*time.Second))

	time.Sleep(2 * time.Second)

	reclaimed, err := e.Cleanup(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, reclaimed, int64(1))

	_, err = e.Get(ctx, "x")
	assert.ErrorIs(t, err, types.ErrCacheMiss)

	v, err := e.Get(ctx, "y")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestMemoryEngine_LRUEviction(t *testing.T) {
	// Budget sized to hold exactly three single-byte entries.
	e := newTestMemoryEngine(t, fmt.Sprintf("%d", 3*entrySize))
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, e.Set(ctx, "b", []byte("2"), 0))
	require.NoError(t, e.Set(ctx, "c", []byte("3"), 0))

	// Refresh a so b becomes the least recently used.
	_, err := e.Get(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, e.Set(ctx, "d", []byte("4"), 0))

	for _, k := range []string{"a", "c", "d"} {
		_, err := e.Get(ctx, k)
		assert.NoError(t, err, "key %s should have survived", k)
	}
	_, err = e.Get(ctx, "b")
	assert.ErrorIs(t, err, types.ErrCacheMiss, "b was least recently used")
}

func TestMemoryEngine_EvictionTiesByInsertionOrder(t *testing.T) {
	e := newTestMemoryEngine(t, fmt.Sprintf("%d", 3*entrySize))
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, e.Set(ctx, "b", []byte("2"), 0))
	require.NoError(t, e.Set(ctx, "c", []byte("3"), 0))

	// No reads: all accessed_at equal; the first-inserted key goes.
	require.NoError(t, e.Set(ctx, "d", []byte("4"), 0))

	_, err := e.Get(ctx, "a")
	assert.ErrorIs(t, err, types.ErrCacheMiss)
}

func TestMemoryEngine_OverwriteDoesNotEvict(t *testing.T) {
	e := newTestMemoryEngine(t, fmt.Sprintf("%d", 3*entrySize))
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, e.Set(ctx, "b", []byte("2"), 0))
	require.NoError(t, e.Set(ctx, "c", []byte("3"), 0))

	// Same size overwrite fits in place of the old entry.
	require.NoError(t, e.Set(ctx, "a", []byte("9"), 0))

	count, err := e.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestMemoryEngine_AddExclusive(t *testing.T) {
	e := newTestMemoryEngine(t, "16M")
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	wins := make(chan string, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := e.Add(ctx, "k", []byte(fmt.Sprintf("v%d", i)), 10*time.Second)
			assert.NoError(t, err)
			if ok {
				wins <- fmt.Sprintf("v%d", i)
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1, "exactly one Add must win")

	got, err := e.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte(winners[0]), got)
}

func TestMemoryEngine_AddOverExpired(t *testing.T) {
	e := newTestMemoryEngine(t, "16M")
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "k", []byte("old"), 1*time.Second))
	time.Sleep(1200 * time.Millisecond)

	ok, err := e.Add(ctx, "k", []byte("new"), 0)
	require.NoError(t, err)
	assert.True(t, ok, "expired entry must not block Add")
}

func TestMemoryEngine_Increment(t *testing.T) {
	e := newTestMemoryEngine(t, "16M")
	ctx := context.Background()

	t.Run("missing key starts from zero", func(t *testing.T) {
		n, err := e.Increment(ctx, "counter", 5)
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)
	})

	t.Run("accumulates", func(t *testing.T) {
		n, err := e.Increment(ctx, "counter", 3)
		require.NoError(t, err)
		assert.Equal(t, int64(8), n)
	})

	t.Run("decrement", func(t *testing.T) {
		n, err := e.Increment(ctx, "counter", -10)
		require.NoError(t, err)
		assert.Equal(t, int64(-2), n)
	})

	t.Run("stored as ascii decimal", func(t *testing.T) {
		v, err := e.Get(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, []byte("-2"), v)
	})

	t.Run("non-numeric fails", func(t *testing.T) {
		require.NoError(t, e.Set(ctx, "text", []byte("hello"), 0))
		_, err := e.Increment(ctx, "text", 1)
		assert.ErrorIs(t, err, types.ErrTypeMismatch)
	})

	t.Run("concurrent increments are atomic", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := e.Increment(ctx, "atomic", 1)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		n, err := e.Increment(ctx, "atomic", 0)
		require.NoError(t, err)
		assert.Equal(t, int64(50), n)
	})
}

func TestMemoryEngine_IncrementPreservesExpiry(t *testing.T) {
	e := newTestMemoryEngine(t, "16M")
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "n", []byte("1"), 100*time.Second))
	_, err := e.Increment(ctx, "n", 1)
	require.NoError(t, err)

	s := e.shard("n")
	s.mu.Lock()
	entry := s.entries["n"].entry
	s.mu.Unlock()
	assert.NotZero(t, entry.ExpiresAt)
}

func TestMemoryEngine_Touch(t *testing.T) {
	e := newTestMemoryEngine(t, "16M")
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "k", []byte("v"), 1*time.Second))

	ok, err := e.Touch(ctx, "k", 100*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(1200 * time.Millisecond)
	_, err = e.Get(ctx, "k")
	assert.NoError(t, err, "touch should have extended the TTL")

	ok, err = e.Touch(ctx, "missing", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryEngine_MultiOps(t *testing.T) {
	e := newTestMemoryEngine(t, "16M")
	ctx := context.Background()

	n, err := e.SetMulti(ctx, map[string][]byte{
		"m1": []byte("a"),
		"m2": []byte("b"),
		"m3": []byte("c"),
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := e.GetMulti(ctx, []string{"m1", "m2", "missing"})
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got["m1"])
	assert.Equal(t, []byte("b"), got["m2"])
	v, present := got["missing"]
	assert.True(t, present, "missing keys are reported with nil values")
	assert.Nil(t, v)

	deleted, err := e.DeleteMulti(ctx, []string{"m1", "m2", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
}

func TestMemoryEngine_Clear(t *testing.T) {
	e := newTestMemoryEngine(t, "16M")
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, e.Set(ctx, "b", []byte("2"), 0))

	require.NoError(t, e.Clear(ctx))

	count, err := e.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, e.Usage())
}

func TestMemoryEngine_UsageAccounting(t *testing.T) {
	e := newTestMemoryEngine(t, "16M")
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "key", []byte("value"), 0))
	assert.Equal(t, int64(3+5+types.EntryOverhead), e.Usage())

	_, err := e.Delete(ctx, "key")
	require.NoError(t, err)
	assert.Zero(t, e.Usage())
}

func TestMemoryEngine_ClosedOps(t *testing.T) {
	e := newTestMemoryEngine(t, "16M")
	require.NoError(t, e.Close())

	assert.False(t, e.IsAvailable())

	_, err := e.Get(context.Background(), "k")
	assert.ErrorIs(t, err, types.ErrClosed)
	assert.ErrorIs(t, e.Set(context.Background(), "k", nil, 0), types.ErrClosed)
}

func TestMemoryEngine_ConcurrentAccess(t *testing.T) {
	e := newTestMemoryEngine(t, "16M")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d-%d", i, j%10)
				_ = e.Set(ctx, key, []byte("v"), 0)
				_, _ = e.Get(ctx, key)
				_, _ = e.Delete(ctx, key)
			}
		}(i)
	}
	wg.Wait()
}
