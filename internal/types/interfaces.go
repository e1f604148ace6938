package types

import (
	"context"
	"time"
)

// Engine is the uniform contract shared by every cache backend. A zero TTL
// means "no expiry" at the engine level; the facade substitutes its default
// before dispatching.
type Engine interface {
	Name() string
	IsAvailable() bool

	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error

	GetMulti(ctx context.Context, keys []string) (map[string][]byte, error)
	SetMulti(ctx context.Context, items map[string][]byte, ttl time.Duration) (int, error)
	DeleteMulti(ctx context.Context, keys []string) (int, error)

	Increment(ctx context.Context, key string, delta int64) (int64, error)
	Touch(ctx context.Context, key string, ttl time.Duration) (bool, error)

	Count(ctx context.Context) (int64, error)
	Cleanup(ctx context.Context) (int64, error)

	Close() error
}

// Serializer encodes and decodes cache payloads.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, dest any) error
}

// MetricsRecorder receives per-operation observations from the facade.
type MetricsRecorder interface {
	RecordHit(engine string, key string, latency time.Duration)
	RecordMiss(engine string, key string, latency time.Duration)
	RecordSet(engine string, key string, size int, latency time.Duration)
	RecordDelete(engine string, key string, latency time.Duration)
	RecordError(engine string, operation string, err error)
	RecordCircuitBreakerStateChange(from, to string)
}

// Logger is the minimal structured logging surface callers may plug in.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}
