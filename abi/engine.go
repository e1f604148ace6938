// Package main builds the C-ABI shared library. The exported surface is a
// stable wire contract consumed by foreign runtimes: every export catches
// internal faults and translates them to the documented failure value, and
// no fault propagates across the boundary.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/meshcache/meshcache/internal/config"
	"github.com/meshcache/meshcache/internal/engine"
)

// libraryVersion is reported by the version() export.
const libraryVersion = "1.0.0"

var (
	engineOnce sync.Once
	memEngine  *engine.MemoryEngine
)

// sharedEngine returns the process-global memory engine, creating it from
// environment configuration on first use.
func sharedEngine() *engine.MemoryEngine {
	engineOnce.Do(func() {
		cfg, err := config.FromEnv()
		if err != nil {
			cfg = config.DefaultConfig()
		}
		memEngine, err = engine.NewMemoryEngine(cfg.Memory, nil)
		if err != nil {
			// Fall back to an engine with default sizing; the ABI
			// surface must stay usable.
			memEngine, _ = engine.NewMemoryEngine(config.DefaultConfig().Memory, nil)
		}
	})
	return memEngine
}

func memorySet(key, value string, ttl uint64) bool {
	e := sharedEngine()
	if e == nil {
		return false
	}
	return e.Set(context.Background(), key, []byte(value), time.Duration(ttl)*time.Second) == nil
}

func memoryGet(key string) (string, bool) {
	e := sharedEngine()
	if e == nil {
		return "", false
	}
	value, err := e.Get(context.Background(), key)
	if err != nil {
		return "", false
	}
	return string(value), true
}

func memoryDelete(key string) bool {
	e := sharedEngine()
	if e == nil {
		return false
	}
	ok, err := e.Delete(context.Background(), key)
	return err == nil && ok
}

func memoryClear() bool {
	e := sharedEngine()
	if e == nil {
		return false
	}
	return e.Clear(context.Background()) == nil
}

func memoryExists(key string) bool {
	e := sharedEngine()
	if e == nil {
		return false
	}
	ok, err := e.Exists(context.Background(), key)
	return err == nil && ok
}

func memoryCleanup() uint64 {
	e := sharedEngine()
	if e == nil {
		return 0
	}
	n, err := e.Cleanup(context.Background())
	if err != nil {
		return 0
	}
	return uint64(n)
}

func memoryCount() uint64 {
	e := sharedEngine()
	if e == nil {
		return 0
	}
	n, err := e.Count(context.Background())
	if err != nil {
		return 0
	}
	return uint64(n)
}

func memorySetMultiple(keys, values []string, ttls []uint64) uint64 {
	e := sharedEngine()
	if e == nil {
		return 0
	}

	var stored uint64
	for i := range keys {
		ttl := time.Duration(ttls[i]) * time.Second
		if e.Set(context.Background(), keys[i], []byte(values[i]), ttl) == nil {
			stored++
		}
	}
	return stored
}

// memoryGetMultiple returns a JSON object mapping each requested key to
// its string value or null, in request order.
func memoryGetMultiple(keys []string) (string, bool) {
	e := sharedEngine()
	if e == nil {
		return "", false
	}

	var buf []byte
	buf = append(buf, '{')
	for i, key := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		name, err := json.Marshal(key)
		if err != nil {
			return "", false
		}
		buf = append(buf, name...)
		buf = append(buf, ':')

		value, gerr := e.Get(context.Background(), key)
		if gerr != nil {
			buf = append(buf, "null"...)
			continue
		}
		encoded, err := json.Marshal(string(value))
		if err != nil {
			return "", false
		}
		buf = append(buf, encoded...)
	}
	buf = append(buf, '}')

	return string(buf), true
}

// benchmarkMemory runs n set/get/delete cycles and returns the elapsed
// seconds.
func benchmarkMemory(operations uint64) float64 {
	e := sharedEngine()
	if e == nil {
		return 0
	}

	ctx := context.Background()
	start := time.Now()
	for i := uint64(0); i < operations; i++ {
		key := fmt.Sprintf("benchmark_key_%d", i)
		value := fmt.Sprintf("benchmark_value_%d", i)
		_ = e.Set(ctx, key, []byte(value), 3600*time.Second)
		_, _ = e.Get(ctx, key)
		_, _ = e.Delete(ctx, key)
	}
	return time.Since(start).Seconds()
}
