package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/meshcache/meshcache/internal/types"
)

// registration pairs an engine with its static performance level and the
// cached availability probe.
type registration struct {
	engine    types.Engine
	level     int
	available bool
}

// Selector is the sole engine registry. Engines register with a name and a
// performance level 1..4 (higher is faster); Best picks the preferred
// engine when available, else the fastest available one. Availability is
// cached until Refresh.
type Selector struct {
	mu        sync.RWMutex
	engines   map[string]*registration
	preferred string
	logger    *slog.Logger
	closed    bool
}

// NewSelector creates a selector preferring the named engine. An empty or
// "auto" preference ranks purely by level.
func NewSelector(preferred string, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	if preferred == "auto" {
		preferred = ""
	}
	return &Selector{
		engines:   make(map[string]*registration),
		preferred: preferred,
		logger:    logger.With("component", "engine-selector"),
	}
}

// Register adds an engine under name. The availability predicate is probed
// once here and cached.
func (s *Selector) Register(name string, e types.Engine, level int) error {
	if level < 1 || level > 4 {
		return fmt.Errorf("selector: performance level %d out of range 1..4", level)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.ErrClosed
	}

	s.engines[name] = &registration{
		engine:    e,
		level:     level,
		available: e.IsAvailable(),
	}
	s.logger.Debug("engine registered", "engine", name, "level", level)

	return nil
}

// Best returns the engine to dispatch to: the preferred engine when
// available, otherwise the available engine with the highest level,
// breaking ties alphabetically by name.
func (s *Selector) Best() (types.Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, types.ErrClosed
	}

	if s.preferred != "" {
		if r, ok := s.engines[s.preferred]; ok && r.available {
			return r.engine, nil
		}
	}

	names := make([]string, 0, len(s.engines))
	for name, r := range s.engines {
		if r.available {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, types.ErrEngineUnavailable
	}

	sort.Slice(names, func(i, j int) bool {
		li, lj := s.engines[names[i]].level, s.engines[names[j]].level
		if li != lj {
			return li > lj
		}
		return names[i] < names[j]
	})

	return s.engines[names[0]].engine, nil
}

// Engine returns the engine registered under name, or nil.
func (s *Selector) Engine(name string) types.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.engines[name]; ok {
		return r.engine
	}
	return nil
}

// Names returns the registered engine names, sorted.
func (s *Selector) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.engines))
	for name := range s.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Refresh re-probes every engine's availability predicate.
func (s *Selector) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, r := range s.engines {
		was := r.available
		r.available = r.engine.IsAvailable()
		if was != r.available {
			s.logger.Info("engine availability changed", "engine", name, "available", r.available)
		}
	}
}

// Benchmark times n set/get/delete cycles on every available engine and
// reports operations per second by engine name.
func (s *Selector) Benchmark(ctx context.Context, n int) map[string]float64 {
	s.mu.RLock()
	targets := make(map[string]types.Engine)
	for name, r := range s.engines {
		if r.available {
			targets[name] = r.engine
		}
	}
	s.mu.RUnlock()

	results := make(map[string]float64, len(targets))
	for name, e := range targets {
		start := time.Now()
		for i := 0; i < n; i++ {
			key := fmt.Sprintf("benchmark.%s.%d", name, i)
			value := []byte(fmt.Sprintf("value.%d", i))
			_ = e.Set(ctx, key, value, 0)
			_, _ = e.Get(ctx, key)
			_, _ = e.Delete(ctx, key)
		}
		elapsed := time.Since(start)
		if elapsed <= 0 {
			elapsed = time.Nanosecond
		}
		results[name] = float64(3*n) / elapsed.Seconds()
	}
	return results
}

// Shutdown closes every registered engine and empties the registry.
func (s *Selector) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for name, r := range s.engines {
		if err := r.engine.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing %s: %w", name, err)
		}
	}
	s.engines = make(map[string]*registration)

	return firstErr
}
