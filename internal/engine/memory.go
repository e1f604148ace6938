// Package engine provides the interchangeable cache backends and the
// selector that composes them behind one contract.
package engine

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/meshcache/meshcache/internal/config"
	"github.com/meshcache/meshcache/internal/types"
)

// evictFraction is the share of keys removed per eviction pass.
const evictFraction = 0.10

// memEntry wraps an Entry with the LRU ordinal. seq is bumped from the
// engine's counter on every insert and read; eviction orders by it, so
// accessed_at ties resolve by insertion order.
type memEntry struct {
	entry *types.Entry
	seq   uint64
}

type memShard struct {
	mu      sync.Mutex
	entries map[string]*memEntry
}

// MemoryEngine is a thread-safe, process-local cache with TTL and LRU
// eviction against a hard byte budget. Usage is accounted as
// len(key)+len(value)+EntryOverhead per entry.
type MemoryEngine struct {
	shards    []*memShard
	shardMask uint64
	budget    int64
	usage     atomic.Int64
	seq       atomic.Uint64

	cleanupInterval int64 // seconds
	lastCleanup     atomic.Int64

	logger *slog.Logger
	closed atomic.Bool
}

// NewMemoryEngine creates a memory engine from config. The budget string
// accepts "<int>{K,M,G}" or bare bytes.
func NewMemoryEngine(cfg config.MemoryConfig, logger *slog.Logger) (*MemoryEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	budget, err := config.ParseSize(cfg.MaxSize)
	if err != nil {
		return nil, err
	}

	shardCount := cfg.Shards
	if shardCount <= 0 {
		shardCount = 64
	}

	interval := int64(cfg.CleanupInterval / time.Second)
	if interval <= 0 {
		interval = 300
	}

	e := &MemoryEngine{
		shards:          make([]*memShard, shardCount),
		shardMask:       uint64(shardCount - 1),
		budget:          budget,
		cleanupInterval: interval,
		logger:          logger.With("component", "memory-engine"),
	}
	for i := range e.shards {
		e.shards[i] = &memShard{entries: make(map[string]*memEntry)}
	}
	e.lastCleanup.Store(time.Now().Unix())

	return e, nil
}

func (e *MemoryEngine) Name() string {
	return "memory"
}

func (e *MemoryEngine) IsAvailable() bool {
	return !e.closed.Load()
}

func (e *MemoryEngine) shard(key string) *memShard {
	return e.shards[xxhash.Sum64String(key)&e.shardMask]
}

// Get returns the value for key, bumping accessed_at and access_count
// atomically with the read. Expired entries are removed before reporting
// a miss.
func (e *MemoryEngine) Get(ctx context.Context, key string) ([]byte, error) {
	if e.closed.Load() {
		return nil, types.ErrClosed
	}
	e.maybeSweep()

	now := uint64(time.Now().Unix())
	s := e.shard(key)

	s.mu.Lock()
	me, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return nil, types.ErrCacheMiss
	}
	if me.entry.Expired(now) {
		delete(s.entries, key)
		e.usage.Add(-int64(me.entry.Size))
		s.mu.Unlock()
		return nil, types.ErrCacheMiss
	}
	me.entry.AccessedAt = now
	me.entry.AccessCount++
	me.seq = e.seq.Add(1)
	value := me.entry.Value
	s.mu.Unlock()

	return value, nil
}

// Set stores key=value. A zero TTL stores without expiry. When the size
// projection exceeds the budget, the least-recently-used tenth of the keys
// is evicted first.
func (e *MemoryEngine) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if e.closed.Load() {
		return types.ErrClosed
	}
	e.maybeSweep()

	entry := types.NewEntry(key, value, ttl)
	e.reserve(key, int64(entry.Size))

	s := e.shard(key)
	s.mu.Lock()
	if old, ok := s.entries[key]; ok {
		e.usage.Add(-int64(old.entry.Size))
	}
	s.entries[key] = &memEntry{entry: entry, seq: e.seq.Add(1)}
	e.usage.Add(int64(entry.Size))
	s.mu.Unlock()

	return nil
}

// Add stores key=value only if the key is absent (or expired). The check
// and insert are atomic under the shard lock.
func (e *MemoryEngine) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if e.closed.Load() {
		return false, types.ErrClosed
	}

	entry := types.NewEntry(key, value, ttl)
	e.reserve(key, int64(entry.Size))

	now := uint64(time.Now().Unix())
	s := e.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[key]; ok {
		if !old.entry.Expired(now) {
			return false, nil
		}
		e.usage.Add(-int64(old.entry.Size))
	}
	s.entries[key] = &memEntry{entry: entry, seq: e.seq.Add(1)}
	e.usage.Add(int64(entry.Size))

	return true, nil
}

func (e *MemoryEngine) Delete(ctx context.Context, key string) (bool, error) {
	if e.closed.Load() {
		return false, types.ErrClosed
	}

	s := e.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	me, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	delete(s.entries, key)
	e.usage.Add(-int64(me.entry.Size))

	return true, nil
}

// Exists delegates to Get semantics; lazy expiry applies.
func (e *MemoryEngine) Exists(ctx context.Context, key string) (bool, error) {
	_, err := e.Get(ctx, key)
	if err != nil {
		if types.IsCacheMiss(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (e *MemoryEngine) Clear(ctx context.Context) error {
	if e.closed.Load() {
		return types.ErrClosed
	}

	for _, s := range e.shards {
		s.mu.Lock()
	}
	for _, s := range e.shards {
		s.entries = make(map[string]*memEntry)
	}
	e.usage.Store(0)
	for _, s := range e.shards {
		s.mu.Unlock()
	}

	return nil
}

func (e *MemoryEngine) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
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

func (e *MemoryEngine) SetMulti(ctx context.Context, items map[string][]byte, ttl time.Duration) (int, error) {
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

func (e *MemoryEngine) DeleteMulti(ctx context.Context, keys []string) (int, error) {
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

// Increment atomically adjusts the ASCII-decimal value at key by delta,
// treating a missing key as 0. A present non-numeric value fails with
// ErrTypeMismatch. The entry's expiry is preserved.
func (e *MemoryEngine) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	if e.closed.Load() {
		return 0, types.ErrClosed
	}

	now := uint64(time.Now().Unix())
	s := e.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	var expiresAt uint64
	var createdAt uint64

	if me, ok := s.entries[key]; ok && !me.entry.Expired(now) {
		parsed, err := strconv.ParseInt(string(me.entry.Value), 10, 64)
		if err != nil {
			return 0, types.NewCacheError("Increment", key, "memory", types.ErrTypeMismatch)
		}
		current = parsed
		expiresAt = me.entry.ExpiresAt
		createdAt = me.entry.CreatedAt
		e.usage.Add(-int64(me.entry.Size))
	} else {
		createdAt = now
	}

	next := current + delta
	entry := &types.Entry{
		Value:      []byte(strconv.FormatInt(next, 10)),
		CreatedAt:  createdAt,
		AccessedAt: now,
		ExpiresAt:  expiresAt,
	}
	entry.Size = uint64(len(key) + len(entry.Value) + types.EntryOverhead)

	s.entries[key] = &memEntry{entry: entry, seq: e.seq.Add(1)}
	e.usage.Add(int64(entry.Size))

	return next, nil
}

// Touch extends the expiry of an existing entry. Returns false when the
// key is absent or already expired.
func (e *MemoryEngine) Touch(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if e.closed.Load() {
		return false, types.ErrClosed
	}

	now := uint64(time.Now().Unix())
	s := e.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	me, ok := s.entries[key]
	if !ok || me.entry.Expired(now) {
		return false, nil
	}
	me.entry.Touch(ttl)
	me.entry.AccessedAt = now
	me.seq = e.seq.Add(1)

	return true, nil
}

// Count returns the number of live (non-expired) entries.
func (e *MemoryEngine) Count(ctx context.Context) (int64, error) {
	if e.closed.Load() {
		return 0, types.ErrClosed
	}

	now := uint64(time.Now().Unix())
	var count int64
	for _, s := range e.shards {
		s.mu.Lock()
		for _, me := range s.entries {
			if !me.entry.Expired(now) {
				count++
			}
		}
		s.mu.Unlock()
	}
	return count, nil
}

// Cleanup sweeps every shard, removing expired entries. Returns the number
// reclaimed.
func (e *MemoryEngine) Cleanup(ctx context.Context) (int64, error) {
	if e.closed.Load() {
		return 0, types.ErrClosed
	}
	return e.sweep(), nil
}

func (e *MemoryEngine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	for _, s := range e.shards {
		s.mu.Lock()
		s.entries = make(map[string]*memEntry)
		s.mu.Unlock()
	}
	e.usage.Store(0)
	return nil
}

// Usage returns the tracked byte count.
func (e *MemoryEngine) Usage() int64 {
	return e.usage.Load()
}

// Budget returns the configured byte budget.
func (e *MemoryEngine) Budget() int64 {
	return e.budget
}

// reserve evicts until size more bytes fit in the budget. Eviction removes
// max(1, ceil(0.10*n)) keys ordered by LRU ordinal ascending; it runs only
// on the write that would otherwise exceed the budget.
func (e *MemoryEngine) reserve(key string, size int64) {
	if e.budget <= 0 {
		return
	}

	// Overwrites free the old entry's bytes, so project against that.
	var oldSize int64
	s := e.shard(key)
	s.mu.Lock()
	if old, ok := s.entries[key]; ok {
		oldSize = int64(old.entry.Size)
	}
	s.mu.Unlock()

	for e.usage.Load()-oldSize+size > e.budget {
		if e.evict() == 0 {
			return
		}
		// Freshly-inserted survivors may still leave no room for an
		// oversized value; a second pass evicts the next tranche.
	}
}

type evictCandidate struct {
	key   string
	seq   uint64
	shard *memShard
}

func (e *MemoryEngine) evict() int {
	var candidates []evictCandidate
	for _, s := range e.shards {
		s.mu.Lock()
		for k, me := range s.entries {
			candidates = append(candidates, evictCandidate{key: k, seq: me.seq, shard: s})
		}
		s.mu.Unlock()
	}

	if len(candidates) == 0 {
		return 0
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].seq < candidates[j].seq
	})

	evictCount := int(math.Ceil(evictFraction * float64(len(candidates))))
	if evictCount < 1 {
		evictCount = 1
	}

	evicted := 0
	for _, c := range candidates[:evictCount] {
		c.shard.mu.Lock()
		if me, ok := c.shard.entries[c.key]; ok && me.seq == c.seq {
			delete(c.shard.entries, c.key)
			e.usage.Add(-int64(me.entry.Size))
			evicted++
		}
		c.shard.mu.Unlock()
	}

	e.logger.Debug("evicted least-recently-used entries",
		"evicted", evicted,
		"usage", e.usage.Load(),
		"budget", e.budget,
	)

	return evicted
}

// maybeSweep runs the periodic expired-entry sweep when the interval has
// elapsed. Exactly one caller wins the CAS and performs the sweep inline.
func (e *MemoryEngine) maybeSweep() {
	now := time.Now().Unix()
	last := e.lastCleanup.Load()
	if now-last < e.cleanupInterval {
		return
	}
	if !e.lastCleanup.CompareAndSwap(last, now) {
		return
	}
	e.sweep()
}

func (e *MemoryEngine) sweep() int64 {
	now := uint64(time.Now().Unix())
	var reclaimed int64
	for _, s := range e.shards {
		s.mu.Lock()
		for k, me := range s.entries {
			if me.entry.Expired(now) {
				delete(s.entries, k)
				e.usage.Add(-int64(me.entry.Size))
				reclaimed++
			}
		}
		s.mu.Unlock()
	}
	return reclaimed
}

var _ types.Engine = (*MemoryEngine)(nil)
