package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/meshcache/meshcache/internal/config"
	"github.com/meshcache/meshcache/internal/serializer"
	"github.com/meshcache/meshcache/internal/types"
)

const cacheFileExt = ".cache"

// FileEngine is the persistent backend. Each key maps to
// <root>/<hex[0:2]>/<hex[2:4]>/<prefix><sha256hex>.cache holding a
// serialized Entry. Writes hold an exclusive OS-level lock per file;
// expired or unparseable files read as a miss.
type FileEngine struct {
	root    string
	prefix  string
	dirPerm os.FileMode
	codec   *serializer.Registry
	logger  *slog.Logger
	closed  atomic.Bool
}

// NewFileEngine creates the engine and its root directory.
func NewFileEngine(cfg config.FileConfig, logger *slog.Logger) (*FileEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	perm := os.FileMode(cfg.Permissions)
	if perm == 0 {
		perm = 0o755
	}

	if err := os.MkdirAll(cfg.Path, perm); err != nil {
		return nil, types.NewCacheError("New", "", "file", err)
	}

	return &FileEngine{
		root:    cfg.Path,
		prefix:  cfg.Prefix,
		dirPerm: perm,
		codec:   serializer.NewRegistry(),
		logger:  logger.With("component", "file-engine"),
	}, nil
}

func (e *FileEngine) Name() string {
	return "file"
}

func (e *FileEngine) IsAvailable() bool {
	if e.closed.Load() {
		return false
	}
	info, err := os.Stat(e.root)
	return err == nil && info.IsDir()
}

// path returns the sharded file path for a key.
func (e *FileEngine) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	h := hex.EncodeToString(sum[:])
	return filepath.Join(e.root, h[0:2], h[2:4], e.prefix+h+cacheFileExt)
}

func (e *FileEngine) lock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), e.dirPerm); err != nil {
		return nil, types.NewCacheError("lock", "", "file", err)
	}
	fl := flock.New(path + ".lock")
	if err := fl.Lock(); err != nil {
		return nil, types.NewCacheError("lock", "", "file", err)
	}
	return fl, nil
}

func unlock(fl *flock.Flock) {
	_ = fl.Unlock()
}

// readEntry loads and decodes the entry at path. A missing, truncated, or
// corrupt file is a miss; corrupt files are deleted on sight.
func (e *FileEngine) readEntry(path string) (*types.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.ErrCacheMiss
		}
		return nil, types.NewCacheError("read", "", "file", err)
	}

	entry, err := e.codec.DecodeEntry(data)
	if err != nil {
		_ = os.Remove(path)
		return nil, types.ErrCacheMiss
	}
	return entry, nil
}

func (e *FileEngine) writeEntry(path string, entry *types.Entry) error {
	data, err := e.codec.EncodeEntry(entry)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return types.NewCacheError("write", "", "file", err)
	}
	return nil
}

func (e *FileEngine) Get(ctx context.Context, key string) ([]byte, error) {
	if e.closed.Load() {
		return nil, types.ErrClosed
	}

	path := e.path(key)
	entry, err := e.readEntry(path)
	if err != nil {
		return nil, err
	}

	if entry.Expired(uint64(time.Now().Unix())) {
		_ = os.Remove(path)
		return nil, types.ErrCacheMiss
	}

	return entry.Value, nil
}

func (e *FileEngine) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if e.closed.Load() {
		return types.ErrClosed
	}

	path := e.path(key)
	fl, err := e.lock(path)
	if err != nil {
		return err
	}
	defer unlock(fl)

	return e.writeEntry(path, types.NewEntry(key, value, ttl))
}

// Add writes only when no live entry exists; the existence check and the
// write happen under the file lock.
func (e *FileEngine) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if e.closed.Load() {
		return false, types.ErrClosed
	}

	path := e.path(key)
	fl, err := e.lock(path)
	if err != nil {
		return false, err
	}
	defer unlock(fl)

	if entry, err := e.readEntry(path); err == nil {
		if !entry.Expired(uint64(time.Now().Unix())) {
			return false, nil
		}
	}

	if err := e.writeEntry(path, types.NewEntry(key, value, ttl)); err != nil {
		return false, err
	}
	return true, nil
}

func (e *FileEngine) Delete(ctx context.Context, key string) (bool, error) {
	if e.closed.Load() {
		return false, types.ErrClosed
	}

	err := os.Remove(e.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, types.NewCacheError("Delete", key, "file", err)
	}
	return true, nil
}

func (e *FileEngine) Exists(ctx context.Context, key string) (bool, error) {
	_, err := e.Get(ctx, key)
	if err != nil {
		if types.IsCacheMiss(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (e *FileEngine) Clear(ctx context.Context) error {
	if e.closed.Load() {
		return types.ErrClosed
	}

	return e.walk(func(path string, info fs.FileInfo) {
		_ = os.Remove(path)
	})
}

func (e *FileEngine) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	if e.closed.Load() {
		return nil, types.ErrClosed
	}

	result := make(map[string][]byte, len(keys))
	for _, key := range keys {
		value, err := e.Get(ctx, key)
		if err != nil {
			result[key] = nil
			continue
		}
		result[key] = value
	}
	return result, nil
}

func (e *FileEngine) SetMulti(ctx context.Context, items map[string][]byte, ttl time.Duration) (int, error) {
	if e.closed.Load() {
		return 0, types.ErrClosed
	}

	stored := 0
	for key, value := range items {
		if err := e.Set(ctx, key, value, ttl); err != nil {
			continue
		}
		stored++
	}
	return stored, nil
}

func (e *FileEngine) DeleteMulti(ctx context.Context, keys []string) (int, error) {
	if e.closed.Load() {
		return 0, types.ErrClosed
	}

	deleted := 0
	for _, key := range keys {
		ok, err := e.Delete(ctx, key)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

// Increment applies the numeric update under the file lock so concurrent
// writers serialize on the same key.
func (e *FileEngine) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	if e.closed.Load() {
		return 0, types.ErrClosed
	}

	path := e.path(key)
	fl, err := e.lock(path)
	if err != nil {
		return 0, err
	}
	defer unlock(fl)

	now := uint64(time.Now().Unix())
	var current int64
	var expiresAt, createdAt uint64
	createdAt = now

	if entry, err := e.readEntry(path); err == nil && !entry.Expired(now) {
		parsed, perr := strconv.ParseInt(string(entry.Value), 10, 64)
		if perr != nil {
			return 0, types.NewCacheError("Increment", key, "file", types.ErrTypeMismatch)
		}
		current = parsed
		expiresAt = entry.ExpiresAt
		createdAt = entry.CreatedAt
	}

	next := current + delta
	entry := &types.Entry{
		Value:      []byte(strconv.FormatInt(next, 10)),
		CreatedAt:  createdAt,
		AccessedAt: now,
		ExpiresAt:  expiresAt,
	}
	entry.Size = uint64(len(key) + len(entry.Value) + types.EntryOverhead)

	if err := e.writeEntry(path, entry); err != nil {
		return 0, err
	}
	return next, nil
}

func (e *FileEngine) Touch(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if e.closed.Load() {
		return false, types.ErrClosed
	}

	path := e.path(key)
	fl, err := e.lock(path)
	if err != nil {
		return false, err
	}
	defer unlock(fl)

	entry, err := e.readEntry(path)
	if err != nil {
		if types.IsCacheMiss(err) {
			return false, nil
		}
		return false, err
	}
	if entry.Expired(uint64(time.Now().Unix())) {
		_ = os.Remove(path)
		return false, nil
	}

	entry.Touch(ttl)
	if err := e.writeEntry(path, entry); err != nil {
		return false, err
	}
	return true, nil
}

func (e *FileEngine) Count(ctx context.Context) (int64, error) {
	if e.closed.Load() {
		return 0, types.ErrClosed
	}

	now := uint64(time.Now().Unix())
	var count int64
	err := e.walk(func(path string, info fs.FileInfo) {
		entry, err := e.readEntry(path)
		if err != nil {
			return
		}
		if !entry.Expired(now) {
			count++
		}
	})
	return count, err
}

// Cleanup walks the tree removing expired and unparseable files.
func (e *FileEngine) Cleanup(ctx context.Context) (int64, error) {
	if e.closed.Load() {
		return 0, types.ErrClosed
	}

	now := uint64(time.Now().Unix())
	var reclaimed int64
	err := e.walk(func(path string, info fs.FileInfo) {
		data, err := os.ReadFile(path)
		if err != nil {
			return
		}
		entry, err := e.codec.DecodeEntry(data)
		if err != nil || entry.Expired(now) {
			if os.Remove(path) == nil {
				reclaimed++
			}
		}
	})
	return reclaimed, err
}

// Stats enumerates file count, total bytes, expired count, and free disk
// bytes for the cache root.
func (e *FileEngine) Stats() (types.FileStats, error) {
	var stats types.FileStats
	now := uint64(time.Now().Unix())

	err := e.walk(func(path string, info fs.FileInfo) {
		stats.Files++
		stats.TotalBytes += info.Size()
		if entry, err := e.readEntry(path); err == nil && entry.Expired(now) {
			stats.ExpiredFiles++
		}
	})
	if err != nil {
		return stats, err
	}

	var fsStat syscall.Statfs_t
	if err := syscall.Statfs(e.root, &fsStat); err == nil {
		stats.FreeDiskBytes = int64(fsStat.Bavail) * fsStat.Bsize
	}

	return stats, nil
}

// walk visits every cache file under the root.
func (e *FileEngine) walk(visit func(path string, info fs.FileInfo)) error {
	err := filepath.WalkDir(e.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(path, cacheFileExt) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		visit(path, info)
		return nil
	})
	if err != nil {
		return types.NewCacheError("walk", "", "file", err)
	}
	return nil
}

func (e *FileEngine) Close() error {
	e.closed.Store(true)
	return nil
}

var _ types.Engine = (*FileEngine)(nil)
