// Package meshcache provides a multi-backend cache library behind one
// uniform contract.
//
// Three interchangeable engines back the facade: a native in-process
// store with TTL and LRU eviction, a Redis-protocol remote engine driven
// by a cluster-aware connection pool, and a sharded filesystem store. An
// engine selector picks the best available backend at runtime and falls
// back transparently when one degrades.
//
// # Quick Start
//
// Create a facade with default configuration:
//
//	cache, err := meshcache.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cache.Close()
//
//	ctx := context.Background()
//	err = cache.Set(ctx, "user.123", User{Name: "Alice"})
//
//	var user User
//	err = cache.Get(ctx, "user.123", &user)
//
// # Engines
//
// Engines register with the selector under a name and a performance
// level. The configured preferred engine wins when available; otherwise
// the fastest available engine is used. Pin a single operation with
// WithEngine:
//
//	cache.Set(ctx, "shared.state", v, meshcache.WithEngine("redis"))
//
// # Remember
//
// Remember returns the cached value or computes and stores it once,
// deduplicating concurrent computations for the same key:
//
//	var result Report
//	err := cache.Remember(ctx, "report.daily", &result,
//	    func(ctx context.Context) (any, error) {
//	        return buildReport(ctx)
//	    },
//	    meshcache.WithTTL(time.Hour),
//	)
//
// # Tagged invalidation
//
// SetWithTags indexes a key under tags for group invalidation. The tag
// index lives in-process and does not survive restarts:
//
//	cache.SetWithTags(ctx, "user.123", u, []string{"users"})
//	cache.InvalidateTags(ctx, []string{"users"})
//
// # Sessions
//
// The session layer turns the cache contract into a mutual-exclusion
// primitive: locks are set-if-absent entries whose TTL equals the
// acquisition timeout.
//
//	h := cache.Sessions()
//	h.Open("", "SESSID")
//	sid := h.CreateSID()
//	h.Write(sid, payload)
//
// # Failure policy
//
// Engine faults are absorbed: reads degrade to miss, writes to "not
// stored", and the errors counter ticks. Invalid keys propagate as
// ErrInvalidKey. The only fatal construction failure is an invalid
// cluster configuration.
package meshcache
