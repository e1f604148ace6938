package meshcache

import (
	"log/slog"
	"time"

	"github.com/meshcache/meshcache/internal/types"
)

// CacheOptions carries per-operation overrides.
type CacheOptions struct {
	// TTL overrides the default TTL for this operation.
	TTL time.Duration
	// NoExpiry stores the entry without expiry, overriding TTL.
	NoExpiry bool
	// Engine pins the operation to a named engine instead of Best().
	Engine string
}

// Option is a functional option for configuring cache operations.
type Option func(*CacheOptions)

// WithTTL sets this operation's TTL. The in-process and file engines keep
// whole seconds and drop any sub-second remainder; the remote engine hands
// the duration to the server unchanged.
func WithTTL(ttl time.Duration) Option {
	return func(o *CacheOptions) {
		o.TTL = ttl
	}
}

// WithTTLSeconds sets this operation's TTL in seconds.
func WithTTLSeconds(seconds int) Option {
	return func(o *CacheOptions) {
		o.TTL = time.Duration(seconds) * time.Second
	}
}

// WithNoExpiry stores the entry without expiry.
func WithNoExpiry() Option {
	return func(o *CacheOptions) {
		o.NoExpiry = true
	}
}

// WithEngine pins the operation to the engine registered under name.
func WithEngine(name string) Option {
	return func(o *CacheOptions) {
		o.Engine = name
	}
}

func applyOptions(opts ...Option) *CacheOptions {
	options := &CacheOptions{}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// ManagerOptions holds construction-time configuration for the facade.
type ManagerOptions struct {
	// Logger is the structured logger to use.
	Logger *slog.Logger

	// Recorder receives per-operation observations in addition to the
	// facade's built-in counters.
	Recorder types.MetricsRecorder

	// ExtraEngines are registered alongside the configured ones.
	ExtraEngines []ExtraEngine

	// DisableRemote skips the remote engine regardless of config.
	DisableRemote bool

	// DisableFile skips the file engine regardless of config.
	DisableFile bool
}

// ExtraEngine registers a caller-provided engine with the selector.
type ExtraEngine struct {
	Name   string
	Engine types.Engine
	Level  int
}

// ManagerOption is a functional option for the facade constructor.
type ManagerOption func(*ManagerOptions)

// WithLogger installs a structured logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(o *ManagerOptions) {
		o.Logger = logger
	}
}

// WithRecorder installs an external metrics recorder.
func WithRecorder(r types.MetricsRecorder) ManagerOption {
	return func(o *ManagerOptions) {
		o.Recorder = r
	}
}

// WithExtraEngine registers an additional engine at construction.
func WithExtraEngine(name string, e types.Engine, level int) ManagerOption {
	return func(o *ManagerOptions) {
		o.ExtraEngines = append(o.ExtraEngines, ExtraEngine{Name: name, Engine: e, Level: level})
	}
}

// WithoutRemote disables the remote engine.
func WithoutRemote() ManagerOption {
	return func(o *ManagerOptions) {
		o.DisableRemote = true
	}
}

// WithoutFile disables the file engine.
func WithoutFile() ManagerOption {
	return func(o *ManagerOptions) {
		o.DisableFile = true
	}
}
