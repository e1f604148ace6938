package meshcache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/meshcache/meshcache/internal/config"
	"github.com/meshcache/meshcache/internal/engine"
	"github.com/meshcache/meshcache/internal/metrics"
	"github.com/meshcache/meshcache/internal/serializer"
	"github.com/meshcache/meshcache/internal/session"
	"github.com/meshcache/meshcache/internal/types"
)

// Cache is the uniform facade over the registered engines. Every call
// validates the key, asks the selector for the best engine, and
// dispatches. Engine faults are absorbed: reads degrade to miss, writes
// to "not stored", and the errors counter ticks. Invalid keys are
// programmer errors and propagate.
type Cache struct {
	cfg      *config.Config
	selector *engine.Selector
	codec    *serializer.Registry
	logger   *slog.Logger

	tracker  *metrics.Tracker
	recorder types.MetricsRecorder
	bgPub    *metrics.BackgroundPublisher
	pub      metrics.Publisher

	sf singleflight.Group

	tagMu sync.Mutex
	tags  map[string]map[string]struct{}

	sessions *session.Store
	handler  *session.Handler

	closed atomic.Bool
}

func newCache(cfg *config.Config, opts *ManagerOptions) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := slog.Default()
	if opts.Logger != nil {
		logger = opts.Logger
	}
	logger = logger.With("component", "cache")

	preferred := cfg.Engine.Preferred
	if preferred == "" || preferred == "auto" {
		preferred = cfg.Engine.DefaultStore
	}

	c := &Cache{
		cfg:      cfg,
		selector: engine.NewSelector(preferred, logger),
		codec:    serializer.NewRegistry(),
		logger:   logger,
		tracker:  metrics.NewTracker(),
		recorder: opts.Recorder,
		tags:     make(map[string]map[string]struct{}),
	}

	if cfg.Memory.Enabled {
		mem, err := engine.NewMemoryEngine(cfg.Memory, logger)
		if err != nil {
			return nil, err
		}
		if err := c.selector.Register("memory", mem, LevelMemory); err != nil {
			return nil, err
		}
	}

	if cfg.Remote.Enabled && !opts.DisableRemote {
		remote, err := engine.NewRemoteEngine(cfg.Remote, cfg.Cluster, cfg.Retry, cfg.Circuit, logger)
		if err != nil {
			// Misconfiguration is the only fatal construction failure.
			c.selector.Shutdown()
			return nil, err
		}
		if err := c.selector.Register("redis", remote, LevelRemote); err != nil {
			return nil, err
		}
	}

	if cfg.File.Enabled && !opts.DisableFile {
		file, err := engine.NewFileEngine(cfg.File, logger)
		if err != nil {
			logger.Warn("file engine unavailable", "path", cfg.File.Path, "error", err)
		} else if err := c.selector.Register("file", file, LevelFile); err != nil {
			return nil, err
		}
	}

	for _, extra := range opts.ExtraEngines {
		if err := c.selector.Register(extra.Name, extra.Engine, extra.Level); err != nil {
			c.selector.Shutdown()
			return nil, err
		}
	}

	if best, err := c.selector.Best(); err == nil {
		c.sessions = session.NewStore(best, cfg.Session, logger)
		c.handler = session.NewHandler(c.sessions)
	}

	if cfg.Metrics.Enabled {
		pub, err := metrics.NewDataDogPublisher(cfg.Metrics.DataDog, logger)
		if err != nil {
			logger.Warn("metrics publisher unavailable", "error", err)
			pub = metrics.NoopPublisher{}
		}
		c.pub = pub
		c.bgPub = metrics.StartBackgroundPublisher(c.tracker, pub, cfg.Metrics.PublishInterval)
	}

	return c, nil
}

// engineFor resolves the engine a call dispatches to.
func (c *Cache) engineFor(opts *CacheOptions) (types.Engine, error) {
	if opts.Engine != "" {
		if e := c.selector.Engine(opts.Engine); e != nil {
			return e, nil
		}
		return nil, types.ErrEngineUnavailable
	}
	return c.selector.Best()
}

// ttlFor maps the per-op options onto an engine TTL: explicit TTL, else
// the configured default; NoExpiry forces zero.
func (c *Cache) ttlFor(opts *CacheOptions) time.Duration {
	if opts.NoExpiry {
		return 0
	}
	if opts.TTL > 0 {
		return opts.TTL
	}
	return c.cfg.Defaults.TTL
}

func (c *Cache) check(key string) error {
	if c.closed.Load() {
		return types.ErrClosed
	}
	return types.ValidateKey(key)
}

func (c *Cache) recordHit(eng, key string, start time.Time) {
	c.tracker.RecordHit(eng, key, time.Since(start))
	if c.recorder != nil {
		c.recorder.RecordHit(eng, key, time.Since(start))
	}
}

func (c *Cache) recordMiss(eng, key string, start time.Time) {
	c.tracker.RecordMiss(eng, key, time.Since(start))
	if c.recorder != nil {
		c.recorder.RecordMiss(eng, key, time.Since(start))
	}
}

func (c *Cache) recordSet(eng, key string, size int, start time.Time) {
	c.tracker.RecordSet(eng, key, size, time.Since(start))
	if c.recorder != nil {
		c.recorder.RecordSet(eng, key, size, time.Since(start))
	}
}

func (c *Cache) recordDelete(eng, key string, start time.Time) {
	c.tracker.RecordDelete(eng, key, time.Since(start))
	if c.recorder != nil {
		c.recorder.RecordDelete(eng, key, time.Since(start))
	}
}

func (c *Cache) recordError(eng, op string, err error) {
	c.tracker.RecordError(eng, op, err)
	if c.recorder != nil {
		c.recorder.RecordError(eng, op, err)
	}
	c.logger.Debug("engine fault absorbed", "engine", eng, "op", op, "error", err)
}

// Get retrieves the value at key into dest. Misses and absorbed engine
// faults both surface as ErrCacheMiss.
func (c *Cache) Get(ctx context.Context, key string, dest any, opts ...Option) error {
	if err := c.check(key); err != nil {
		return err
	}
	options := applyOptions(opts...)

	eng, err := c.engineFor(options)
	if err != nil {
		return err
	}

	start := time.Now()
	data, err := eng.Get(ctx, key)
	if err != nil {
		if types.IsCacheMiss(err) {
			c.recordMiss(eng.Name(), key, start)
			return types.ErrCacheMiss
		}
		c.recordError(eng.Name(), "Get", err)
		return types.ErrCacheMiss
	}

	if err := c.codec.Decode(data, dest); err != nil {
		c.recordError(eng.Name(), "Get", err)
		return err
	}

	c.recordHit(eng.Name(), key, start)
	return nil
}

// Set stores value at key.
func (c *Cache) Set(ctx context.Context, key string, value any, opts ...Option) error {
	if err := c.check(key); err != nil {
		return err
	}
	options := applyOptions(opts...)

	eng, err := c.engineFor(options)
	if err != nil {
		return err
	}

	data, err := c.codec.Encode(value)
	if err != nil {
		c.recordError(eng.Name(), "Set", err)
		return err
	}

	start := time.Now()
	if err := eng.Set(ctx, key, data, c.ttlFor(options)); err != nil {
		c.recordError(eng.Name(), "Set", err)
		return err
	}

	c.recordSet(eng.Name(), key, len(data), start)
	return nil
}

// Add stores value only when key is absent. Exactly one of any set of
// concurrent Add calls for the same key wins.
func (c *Cache) Add(ctx context.Context, key string, value any, opts ...Option) (bool, error) {
	if err := c.check(key); err != nil {
		return false, err
	}
	options := applyOptions(opts...)

	eng, err := c.engineFor(options)
	if err != nil {
		return false, err
	}

	data, err := c.codec.Encode(value)
	if err != nil {
		return false, err
	}

	start := time.Now()
	ok, err := eng.Add(ctx, key, data, c.ttlFor(options))
	if err != nil {
		c.recordError(eng.Name(), "Add", err)
		return false, nil
	}
	if ok {
		c.recordSet(eng.Name(), key, len(data), start)
	}
	return ok, nil
}

// Replace stores value only when key is already present.
func (c *Cache) Replace(ctx context.Context, key string, value any, opts ...Option) (bool, error) {
	if err := c.check(key); err != nil {
		return false, err
	}
	options := applyOptions(opts...)

	eng, err := c.engineFor(options)
	if err != nil {
		return false, err
	}

	exists, err := eng.Exists(ctx, key)
	if err != nil {
		c.recordError(eng.Name(), "Replace", err)
		return false, nil
	}
	if !exists {
		return false, nil
	}

	if err := c.Set(ctx, key, value, opts...); err != nil {
		return false, err
	}
	return true, nil
}

// Pull retrieves the value at key into dest and deletes it.
func (c *Cache) Pull(ctx context.Context, key string, dest any, opts ...Option) error {
	if err := c.Get(ctx, key, dest, opts...); err != nil {
		return err
	}
	_, err := c.Delete(ctx, key, opts...)
	return err
}

// Delete removes key. Returns whether an entry existed.
func (c *Cache) Delete(ctx context.Context, key string, opts ...Option) (bool, error) {
	if err := c.check(key); err != nil {
		return false, err
	}
	options := applyOptions(opts...)

	eng, err := c.engineFor(options)
	if err != nil {
		return false, err
	}

	start := time.Now()
	ok, err := eng.Delete(ctx, key)
	if err != nil {
		c.recordError(eng.Name(), "Delete", err)
		return false, nil
	}

	c.recordDelete(eng.Name(), key, start)
	c.dropFromTags(key)
	return ok, nil
}

// Has reports whether key holds a live entry.
func (c *Cache) Has(ctx context.Context, key string, opts ...Option) (bool, error) {
	if err := c.check(key); err != nil {
		return false, err
	}
	options := applyOptions(opts...)

	eng, err := c.engineFor(options)
	if err != nil {
		return false, err
	}

	ok, err := eng.Exists(ctx, key)
	if err != nil {
		c.recordError(eng.Name(), "Has", err)
		return false, nil
	}
	return ok, nil
}

// Clear drops every entry on the dispatched engine and resets the tag
// index.
func (c *Cache) Clear(ctx context.Context, opts ...Option) error {
	if c.closed.Load() {
		return types.ErrClosed
	}
	options := applyOptions(opts...)

	eng, err := c.engineFor(options)
	if err != nil {
		return err
	}

	if err := eng.Clear(ctx); err != nil {
		c.recordError(eng.Name(), "Clear", err)
		return err
	}

	c.tagMu.Lock()
	c.tags = make(map[string]map[string]struct{})
	c.tagMu.Unlock()

	return nil
}

// Touch extends the TTL of an existing entry.
func (c *Cache) Touch(ctx context.Context, key string, ttl time.Duration, opts ...Option) (bool, error) {
	if err := c.check(key); err != nil {
		return false, err
	}
	options := applyOptions(opts...)

	eng, err := c.engineFor(options)
	if err != nil {
		return false, err
	}

	ok, err := eng.Touch(ctx, key, ttl)
	if err != nil {
		c.recordError(eng.Name(), "Touch", err)
		return false, nil
	}
	return ok, nil
}

// Increment atomically adjusts the numeric value at key by delta,
// treating a missing key as 0. ErrTypeMismatch propagates: incrementing
// a non-numeric value is a semantic failure, not an engine fault.
func (c *Cache) Increment(ctx context.Context, key string, delta int64, opts ...Option) (int64, error) {
	if err := c.check(key); err != nil {
		return 0, err
	}
	options := applyOptions(opts...)

	eng, err := c.engineFor(options)
	if err != nil {
		return 0, err
	}

	n, err := eng.Increment(ctx, key, delta)
	if err != nil {
		if types.IsTypeMismatch(err) {
			return 0, err
		}
		c.recordError(eng.Name(), "Increment", err)
		return 0, nil
	}
	return n, nil
}

// Decrement is Increment with a negated delta.
func (c *Cache) Decrement(ctx context.Context, key string, delta int64, opts ...Option) (int64, error) {
	return c.Increment(ctx, key, -delta, opts...)
}

// GetMultiple returns the raw value per requested key; absent or failing
// keys map to nil. The call never fails wholesale.
func (c *Cache) GetMultiple(ctx context.Context, keys []string, opts ...Option) (map[string][]byte, error) {
	if c.closed.Load() {
		return nil, types.ErrClosed
	}
	if err := types.ValidateKeys(keys); err != nil {
		return nil, err
	}
	options := applyOptions(opts...)

	eng, err := c.engineFor(options)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	raw, err := eng.GetMulti(ctx, keys)
	if err != nil {
		c.recordError(eng.Name(), "GetMultiple", err)
		raw = make(map[string][]byte, len(keys))
	}

	result := make(map[string][]byte, len(keys))
	for _, key := range keys {
		data := raw[key]
		if data == nil {
			result[key] = nil
			c.recordMiss(eng.Name(), key, start)
			continue
		}
		var value []byte
		if err := c.codec.Decode(data, &value); err != nil {
			result[key] = nil
			c.recordMiss(eng.Name(), key, start)
			continue
		}
		result[key] = value
		c.recordHit(eng.Name(), key, start)
	}
	return result, nil
}

// SetMultiple stores a batch of byte values under one TTL. The returned
// count reflects the entries actually stored.
func (c *Cache) SetMultiple(ctx context.Context, items map[string][]byte, opts ...Option) (int, error) {
	if c.closed.Load() {
		return 0, types.ErrClosed
	}
	for key := range items {
		if err := types.ValidateKey(key); err != nil {
			return 0, err
		}
	}
	options := applyOptions(opts...)

	eng, err := c.engineFor(options)
	if err != nil {
		return 0, err
	}

	encoded := make(map[string][]byte, len(items))
	var bytes int
	for key, value := range items {
		data, err := c.codec.Encode(value)
		if err != nil {
			return 0, err
		}
		encoded[key] = data
		bytes += len(data)
	}

	start := time.Now()
	stored, err := eng.SetMulti(ctx, encoded, c.ttlFor(options))
	if err != nil {
		c.recordError(eng.Name(), "SetMultiple", err)
		return stored, nil
	}

	for i := 0; i < stored; i++ {
		c.recordSet(eng.Name(), "", bytes/max(len(items), 1), start)
	}
	return stored, nil
}

// DeleteMultiple removes a batch of keys, returning how many existed.
func (c *Cache) DeleteMultiple(ctx context.Context, keys []string, opts ...Option) (int, error) {
	if c.closed.Load() {
		return 0, types.ErrClosed
	}
	if err := types.ValidateKeys(keys); err != nil {
		return 0, err
	}
	options := applyOptions(opts...)

	eng, err := c.engineFor(options)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	deleted, err := eng.DeleteMulti(ctx, keys)
	if err != nil {
		c.recordError(eng.Name(), "DeleteMultiple", err)
		return deleted, nil
	}

	for _, key := range keys {
		c.recordDelete(eng.Name(), key, start)
		c.dropFromTags(key)
	}
	return deleted, nil
}

// Remember returns the cached value at key, computing and storing it via
// fn on a miss. Concurrent callers for the same key share one fn
// invocation.
func (c *Cache) Remember(ctx context.Context, key string, dest any, fn func(ctx context.Context) (any, error), opts ...Option) error {
	if err := c.check(key); err != nil {
		return err
	}
	options := applyOptions(opts...)

	eng, err := c.engineFor(options)
	if err != nil {
		return err
	}

	data, err, _ := c.sf.Do(key, func() (any, error) {
		start := time.Now()
		if cached, err := eng.Get(ctx, key); err == nil {
			c.recordHit(eng.Name(), key, start)
			return cached, nil
		}
		c.recordMiss(eng.Name(), key, start)

		value, err := fn(ctx)
		if err != nil {
			return nil, err
		}

		encoded, err := c.codec.Encode(value)
		if err != nil {
			return nil, err
		}

		if err := eng.Set(ctx, key, encoded, c.ttlFor(options)); err != nil {
			c.recordError(eng.Name(), "Remember", err)
			// The computed value is still good; serve it uncached.
		} else {
			c.recordSet(eng.Name(), key, len(encoded), start)
		}
		return encoded, nil
	})
	if err != nil {
		return err
	}

	return c.codec.Decode(data.([]byte), dest)
}

// SetWithTags stores value and indexes key under each tag for group
// invalidation. The tag index is in-process and does not survive
// restarts.
func (c *Cache) SetWithTags(ctx context.Context, key string, value any, tags []string, opts ...Option) error {
	if err := c.Set(ctx, key, value, opts...); err != nil {
		return err
	}

	c.tagMu.Lock()
	for _, tag := range tags {
		if c.tags[tag] == nil {
			c.tags[tag] = make(map[string]struct{})
		}
		c.tags[tag][key] = struct{}{}
	}
	c.tagMu.Unlock()

	return nil
}

// InvalidateTags deletes every key indexed under any of the tags and
// returns how many entries were removed.
func (c *Cache) InvalidateTags(ctx context.Context, tags []string, opts ...Option) (int, error) {
	c.tagMu.Lock()
	union := make(map[string]struct{})
	for _, tag := range tags {
		for key := range c.tags[tag] {
			union[key] = struct{}{}
		}
		delete(c.tags, tag)
	}
	c.tagMu.Unlock()

	if len(union) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(union))
	for key := range union {
		keys = append(keys, key)
	}
	return c.DeleteMultiple(ctx, keys, opts...)
}

func (c *Cache) dropFromTags(key string) {
	c.tagMu.Lock()
	for tag, keys := range c.tags {
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.tags, tag)
		}
	}
	c.tagMu.Unlock()
}

// Stats returns the facade's operation counters.
func (c *Cache) Stats() Stats {
	return c.tracker.Stats()
}

// Engines returns the registered engine names.
func (c *Cache) Engines() []string {
	return c.selector.Names()
}

// RefreshEngines re-probes engine availability.
func (c *Cache) RefreshEngines() {
	c.selector.Refresh()
}

// Benchmark times n set/get/delete cycles per available engine and
// reports ops/second by engine name.
func (c *Cache) Benchmark(ctx context.Context, n int) map[string]float64 {
	return c.selector.Benchmark(ctx, n)
}

// Sessions returns the session handler, or nil when no engine was
// available at construction.
func (c *Cache) Sessions() *session.Handler {
	return c.handler
}

// SessionStore returns the session lock store, or nil when no engine was
// available at construction.
func (c *Cache) SessionStore() *session.Store {
	return c.sessions
}

// Close shuts the facade down: the metrics loop flushes and stops, then
// every engine closes.
func (c *Cache) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	if c.bgPub != nil {
		c.bgPub.Stop()
	}
	if c.pub != nil {
		if err := c.pub.Close(); err != nil {
			c.logger.Debug("metrics publisher close failed", "error", err)
		}
	}

	return c.selector.Shutdown()
}
