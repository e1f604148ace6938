package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcache/meshcache/internal/config"
	"github.com/meshcache/meshcache/internal/types"
)

func newTestFileEngine(t *testing.T) *FileEngine {
	t.Helper()
	e, err := NewFileEngine(config.FileConfig{
		Enabled:     true,
		Path:        t.TempDir(),
		Prefix:      "cache_",
		Permissions: 0o755,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestFileEngine_RoundTrip(t *testing.T) {
	e := newTestFileEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "k", []byte("v"), 0))

	got, err := e.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestFileEngine_ShardedLayout(t *testing.T) {
	e := newTestFileEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "layout-key", []byte("v"), 0))

	path := e.path("layout-key")
	rel, err := filepath.Rel(e.root, path)
	require.NoError(t, err)

	parts := strings.Split(rel, string(filepath.Separator))
	require.Len(t, parts, 3, "expected <aa>/<bb>/<file>")
	assert.Len(t, parts[0], 2)
	assert.Len(t, parts[1], 2)
	assert.True(t, strings.HasPrefix(parts[2], "cache_"))
	assert.True(t, strings.HasSuffix(parts[2], ".cache"))
	assert.Equal(t, parts[0], parts[2][len("cache_"):len("cache_")+2])

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestFileEngine_TTLExpiry(t *testing.T) {
	e := newTestFileEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "x", []byte("v"), 1*time.Second))
	time.Sleep(1200 * time.Millisecond)

	_, err := e.Get(ctx, "x")
	assert.ErrorIs(t, err, types.ErrCacheMiss)

	// Expired reads delete the file before returning miss.
	_, statErr := os.Stat(e.path("x"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestFileEngine_CorruptFileIsMiss(t *testing.T) {
	e := newTestFileEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, os.WriteFile(e.path("k"), []byte("\x00garbage"), 0o644))

	_, err := e.Get(ctx, "k")
	assert.ErrorIs(t, err, types.ErrCacheMiss)
}

func TestFileEngine_Delete(t *testing.T) {
	e := newTestFileEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "k", []byte("v"), 0))

	ok, err := e.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileEngine_AddExclusive(t *testing.T) {
	e := newTestFileEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	wins := 0
	var mu sync.Mutex

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := e.Add(ctx, "k", []byte("v"), 10*time.Second)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one Add must win")
}

func TestFileEngine_Increment(t *testing.T) {
	e := newTestFileEngine(t)
	ctx := context.Background()

	n, err := e.Increment(ctx, "counter", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = e.Increment(ctx, "counter", -2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, e.Set(ctx, "text", []byte("abc"), 0))
	_, err = e.Increment(ctx, "text", 1)
	assert.ErrorIs(t, err, types.ErrTypeMismatch)
}

func TestFileEngine_Touch(t *testing.T) {
	e := newTestFileEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "k", []byte("v"), 1*time.Second))

	ok, err := e.Touch(ctx, "k", 100*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(1200 * time.Millisecond)
	_, err = e.Get(ctx, "k")
	assert.NoError(t, err)

	ok, err = e.Touch(ctx, "missing", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileEngine_CleanupSweep(t *testing.T) {
	e := newTestFileEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "short", []byte("v"), 1*time.Second))
	require.NoError(t, e.Set(ctx, "long", []byte("v"), 100*time.Second))

	// Plant an unparseable file; cleanup must remove it too.
	junk := filepath.Join(e.root, "zz", "zz", "cache_junk.cache")
	require.NoError(t, os.MkdirAll(filepath.Dir(junk), 0o755))
	require.NoError(t, os.WriteFile(junk, []byte("not an entry"), 0o644))

	time.Sleep(1200 * time.Millisecond)

	reclaimed, err := e.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), reclaimed)

	_, err = e.Get(ctx, "long")
	assert.NoError(t, err)
}

func TestFileEngine_CountAndClear(t *testing.T) {
	e := newTestFileEngine(t)
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

func TestFileEngine_MultiOps(t *testing.T) {
	e := newTestFileEngine(t)
	ctx := context.Background()

	n, err := e.SetMulti(ctx, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := e.GetMulti(ctx, []string{"a", "missing"})
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got["a"])
	assert.Nil(t, got["missing"])

	deleted, err := e.DeleteMulti(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
}

func TestFileEngine_Stats(t *testing.T) {
	e := newTestFileEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "a", []byte("payload"), 0))
	require.NoError(t, e.Set(ctx, "b", []byte("payload"), 1*time.Second))
	time.Sleep(1200 * time.Millisecond)

	stats, err := e.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Files)
	assert.Greater(t, stats.TotalBytes, int64(0))
	assert.Equal(t, int64(1), stats.ExpiredFiles)
	assert.Greater(t, stats.FreeDiskBytes, int64(0))
}

func TestFileEngine_ConcurrentWritesSameKey(t *testing.T) {
	e := newTestFileEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				assert.NoError(t, e.Set(ctx, "contended", []byte("value"), 0))
			}
		}()
	}
	wg.Wait()

	got, err := e.Get(ctx, "contended")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)
}
