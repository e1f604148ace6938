// Package session layers exclusive-write session storage over the cache
// engine contract. A lock is a cache entry at <prefix>lock:<sid> whose
// presence denotes ownership; its TTL equals the acquisition timeout, so
// an abandoned owner's lock reclaims itself.
package session

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/meshcache/meshcache/internal/config"
	"github.com/meshcache/meshcache/internal/serializer"
	"github.com/meshcache/meshcache/internal/types"
)

// lockRetryInterval is the sleep between acquisition attempts.
const lockRetryInterval = 100 * time.Millisecond

// Store implements the session lock protocol over an engine.
type Store struct {
	engine      types.Engine
	codec       *serializer.Registry
	prefix      string
	lockTimeout time.Duration
	ttl         time.Duration
	logger      *slog.Logger

	mu    sync.Mutex
	locks map[string]time.Time // sid -> acquisition time, locally tracked for GC
}

// NewStore builds a session store over the given engine.
func NewStore(engine types.Engine, cfg config.SessionConfig, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "sess:"
	}
	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 30 * time.Second
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 1440 * time.Second
	}

	return &Store{
		engine:      engine,
		codec:       serializer.NewRegistry(),
		prefix:      prefix,
		lockTimeout: lockTimeout,
		ttl:         ttl,
		logger:      logger.With("component", "session-store"),
		locks:       make(map[string]time.Time),
	}
}

func (s *Store) recordKey(sid string) string {
	return s.prefix + sid
}

func (s *Store) lockKey(sid string) string {
	return s.prefix + "lock:" + sid
}

// Lock spins on set-if-absent until the lock is won or timeout elapses.
// The loser returns false no later than timeout plus one retry interval.
// A cancelled call that already acquired releases before returning.
func (s *Store) Lock(ctx context.Context, sid string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = s.lockTimeout
	}
	deadline := time.Now().Add(timeout)
	value := []byte(strconv.FormatInt(time.Now().Unix(), 10))

	for {
		ok, err := s.engine.Add(ctx, s.lockKey(sid), value, timeout)
		if err != nil {
			return false, err
		}
		if ok {
			if ctx.Err() != nil {
				_, _ = s.engine.Delete(context.WithoutCancel(ctx), s.lockKey(sid))
				return false, ctx.Err()
			}
			s.mu.Lock()
			s.locks[sid] = time.Now()
			s.mu.Unlock()
			return true, nil
		}

		if time.Now().After(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

// Unlock releases the lock for sid.
func (s *Store) Unlock(ctx context.Context, sid string) error {
	_, err := s.engine.Delete(ctx, s.lockKey(sid))
	s.mu.Lock()
	delete(s.locks, sid)
	s.mu.Unlock()
	return err
}

// Read acquires the session lock and returns the record. A failed
// acquisition returns ErrLockTimeout; Handler.Read turns that into an
// empty session.
func (s *Store) Read(ctx context.Context, sid string) (*types.SessionRecord, error) {
	ok, err := s.Lock(ctx, sid, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.ErrLockTimeout
	}

	data, err := s.engine.Get(ctx, s.recordKey(sid))
	if err != nil {
		if types.IsCacheMiss(err) {
			return &types.SessionRecord{}, nil
		}
		return nil, err
	}

	record, err := decodeRecord(s.codec, data)
	if err != nil {
		// A corrupt record reads as empty rather than failing the session.
		s.logger.Warn("discarding unreadable session record", "sid", sid, "error", err)
		return &types.SessionRecord{}, nil
	}
	return record, nil
}

// Write upserts the record, preserving CreatedAt from any existing record
// for the same id.
func (s *Store) Write(ctx context.Context, sid string, data []byte, meta *types.SessionRecord) error {
	now := uint64(time.Now().Unix())

	record := &types.SessionRecord{
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if meta != nil {
		record.IPAddress = meta.IPAddress
		record.UserAgent = meta.UserAgent
	}

	if existing, err := s.engine.Get(ctx, s.recordKey(sid)); err == nil {
		if prev, derr := decodeRecord(s.codec, existing); derr == nil && prev.CreatedAt != 0 {
			record.CreatedAt = prev.CreatedAt
		}
	}

	encoded, err := encodeRecord(s.codec, record)
	if err != nil {
		return err
	}
	return s.engine.Set(ctx, s.recordKey(sid), encoded, s.ttl)
}

// Destroy removes both the record and its lock.
func (s *Store) Destroy(ctx context.Context, sid string) error {
	_, err := s.engine.Delete(ctx, s.recordKey(sid))
	if uerr := s.Unlock(ctx, sid); err == nil {
		err = uerr
	}
	return err
}

// UpdateTimestamp extends the record's TTL without rewriting it.
func (s *Store) UpdateTimestamp(ctx context.Context, sid string) (bool, error) {
	return s.engine.Touch(ctx, s.recordKey(sid), s.ttl)
}

// GC releases locally-tracked locks older than the lock timeout. Record
// expiry itself rides on entry TTLs, so there is nothing else to sweep.
func (s *Store) GC(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.lockTimeout)

	s.mu.Lock()
	var stale []string
	for sid, acquired := range s.locks {
		if acquired.Before(cutoff) {
			stale = append(stale, sid)
		}
	}
	s.mu.Unlock()

	for _, sid := range stale {
		if err := s.Unlock(ctx, sid); err != nil {
			s.logger.Warn("failed to release stale lock", "sid", sid, "error", err)
		}
	}
	return len(stale), nil
}

func encodeRecord(codec *serializer.Registry, r *types.SessionRecord) ([]byte, error) {
	return codec.Encode(r)
}

func decodeRecord(codec *serializer.Registry, data []byte) (*types.SessionRecord, error) {
	var r types.SessionRecord
	if err := codec.Decode(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
