// Package metrics provides cache operation metrics collection and
// publishing.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/meshcache/meshcache/internal/types"
)

// Snapshot is a point-in-time view of the tracked counters.
type Snapshot struct {
	Hits                 int64
	Misses               int64
	Sets                 int64
	Deletes              int64
	Errors               int64
	BytesWritten         int64
	CircuitStateChanges  int64
	HitsByEngine         map[string]int64
	MissesByEngine       map[string]int64
}

// Tracker records per-operation observations with atomic counters. It
// implements types.MetricsRecorder.
type Tracker struct {
	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
	errors  atomic.Int64

	bytesWritten   atomic.Int64
	cbStateChanges atomic.Int64

	perEngine perEngineCounters
}

type perEngineCounters struct {
	memoryHits   atomic.Int64
	memoryMisses atomic.Int64
	redisHits    atomic.Int64
	redisMisses  atomic.Int64
	fileHits     atomic.Int64
	fileMisses   atomic.Int64
}

func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) RecordHit(engine string, key string, latency time.Duration) {
	t.hits.Add(1)
	switch engine {
	case "memory":
		t.perEngine.memoryHits.Add(1)
	case "redis":
		t.perEngine.redisHits.Add(1)
	case "file":
		t.perEngine.fileHits.Add(1)
	}
}

func (t *Tracker) RecordMiss(engine string, key string, latency time.Duration) {
	t.misses.Add(1)
	switch engine {
	case "memory":
		t.perEngine.memoryMisses.Add(1)
	case "redis":
		t.perEngine.redisMisses.Add(1)
	case "file":
		t.perEngine.fileMisses.Add(1)
	}
}

func (t *Tracker) RecordSet(engine string, key string, size int, latency time.Duration) {
	t.sets.Add(1)
	t.bytesWritten.Add(int64(size))
}

func (t *Tracker) RecordDelete(engine string, key string, latency time.Duration) {
	t.deletes.Add(1)
}

func (t *Tracker) RecordError(engine string, operation string, err error) {
	t.errors.Add(1)
}

func (t *Tracker) RecordCircuitBreakerStateChange(from, to string) {
	t.cbStateChanges.Add(1)
}

// Snapshot returns the current counter values.
func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{
		Hits:                t.hits.Load(),
		Misses:              t.misses.Load(),
		Sets:                t.sets.Load(),
		Deletes:             t.deletes.Load(),
		Errors:              t.errors.Load(),
		BytesWritten:        t.bytesWritten.Load(),
		CircuitStateChanges: t.cbStateChanges.Load(),
		HitsByEngine: map[string]int64{
			"memory": t.perEngine.memoryHits.Load(),
			"redis":  t.perEngine.redisHits.Load(),
			"file":   t.perEngine.fileHits.Load(),
		},
		MissesByEngine: map[string]int64{
			"memory": t.perEngine.memoryMisses.Load(),
			"redis":  t.perEngine.redisMisses.Load(),
			"file":   t.perEngine.fileMisses.Load(),
		},
	}
}

// Stats folds the snapshot into the facade's Stats shape.
func (t *Tracker) Stats() types.Stats {
	return types.Stats{
		Hits:    t.hits.Load(),
		Misses:  t.misses.Load(),
		Sets:    t.sets.Load(),
		Deletes: t.deletes.Load(),
		Errors:  t.errors.Load(),
	}
}

var _ types.MetricsRecorder = (*Tracker)(nil)

// NoopRecorder discards every observation.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (NoopRecorder) RecordHit(engine string, key string, latency time.Duration)       {}
func (NoopRecorder) RecordMiss(engine string, key string, latency time.Duration)      {}
func (NoopRecorder) RecordSet(engine string, key string, size int, latency time.Duration) {}
func (NoopRecorder) RecordDelete(engine string, key string, latency time.Duration)    {}
func (NoopRecorder) RecordError(engine string, operation string, err error)           {}
func (NoopRecorder) RecordCircuitBreakerStateChange(from, to string)                  {}

var _ types.MetricsRecorder = NoopRecorder{}
