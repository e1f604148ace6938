package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meshcache/meshcache/internal/cluster"
	"github.com/meshcache/meshcache/internal/config"
	"github.com/meshcache/meshcache/internal/resilience"
	"github.com/meshcache/meshcache/internal/types"
)

// RemoteEngine speaks the Redis protocol through the connection pool.
// Reads route through the cluster router's read preference; writes go to
// the master. Transient faults are retried under the resilience policy.
//
// Cancellation semantics: go-redis writes the command before re-checking
// the context, so an operation cancelled during dispatch may have executed
// remotely; its connection is still re-pooled. A cancellation observed
// while waiting for the response destroys the connection, because a reply
// may still be in flight on the wire.
type RemoteEngine struct {
	pool   *cluster.Pool
	router *cluster.Router // nil outside cluster mode
	policy *resilience.Policy
	cfg    config.RemoteConfig
	logger *slog.Logger

	closed chan struct{}
}

// NewRemoteEngine builds the engine, its pool, and (in cluster mode) the
// router with optional auto-discovery and background health checks.
func NewRemoteEngine(cfg config.RemoteConfig, clusterCfg config.ClusterConfig, retry config.RetryConfig, circuit config.CircuitConfig, logger *slog.Logger) (*RemoteEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "remote-engine")

	pool, err := cluster.NewPool(cfg, logger)
	if err != nil {
		return nil, err
	}

	e := &RemoteEngine{
		pool:   pool,
		policy: resilience.NewPolicy(retry, circuit),
		cfg:    cfg,
		logger: logger,
		closed: make(chan struct{}),
	}

	if clusterCfg.Enabled {
		router := cluster.NewRouter(clusterCfg, logger)

		if clusterCfg.AutoDiscovery {
			if err := e.discover(router, clusterCfg); err != nil {
				logger.Warn("auto-discovery failed, using configured nodes", "error", err)
			}
		}

		warnings, err := router.Validate()
		for _, w := range warnings {
			logger.Warn("cluster validation", "warning", w)
		}
		if err != nil {
			pool.Close()
			router.Stop()
			return nil, err
		}

		router.RunHealthChecks(clusterCfg.HealthCheckInterval, func(ctx context.Context, n *cluster.Node) error {
			return pool.Ping(ctx, "", n)
		})

		e.router = router
	}

	return e, nil
}

func (e *RemoteEngine) discover(router *cluster.Router, clusterCfg config.ClusterConfig) error {
	var fn cluster.DiscoverFunc
	switch types.ClusterType(clusterCfg.Type) {
	case types.ClusterTypeSentinel:
		fn = cluster.DiscoverSentinel
	default:
		fn = cluster.DiscoverClusterNodes
	}

	seed := redis.NewClient(&redis.Options{
		Addr:        e.cfg.Address(),
		Password:    e.cfg.Password.Value(),
		DialTimeout: e.cfg.ConnectTimeout,
		ReadTimeout: e.cfg.ReadTimeout,
	})
	defer seed.Close()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ConnectTimeout)
	defer cancel()

	found, err := fn(ctx, seed)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		return nil
	}

	nodes := make([]*cluster.Node, 0, len(found))
	for _, nc := range found {
		nodes = append(nodes, cluster.NewNode(nc))
	}
	router.ReplaceNodes(nodes)
	e.logger.Info("cluster topology discovered", "nodes", len(nodes))

	return nil
}

func (e *RemoteEngine) Name() string {
	return "redis"
}

func (e *RemoteEngine) IsAvailable() bool {
	select {
	case <-e.closed:
		return false
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return e.pool.Ping(ctx, e.cfg.Address(), nil) == nil
}

func (e *RemoteEngine) prefixKey(key string) string {
	return e.cfg.KeyPrefix + key
}

// readConn walks healthy candidates of the preferred read class, marking
// dial failures unhealthy, then falls through to the generic acquire path.
func (e *RemoteEngine) readConn(ctx context.Context) (*cluster.PooledConn, error) {
	if e.router != nil {
		for {
			node, err := e.router.ReadNode()
			if err != nil {
				break
			}
			pc, err := e.pool.AcquireNode(ctx, node)
			if err == nil {
				return pc, nil
			}
			if types.IsPoolExhausted(err) {
				return nil, err
			}
			e.router.MarkUnhealthy(node.Key())
		}
	}
	return e.pool.Acquire(ctx)
}

// writeConn routes to the master, failing with ErrNoHealthyNode once every
// master candidate is down.
func (e *RemoteEngine) writeConn(ctx context.Context) (*cluster.PooledConn, error) {
	if e.router != nil {
		for {
			node, err := e.router.WriteNode()
			if err != nil {
				return nil, err
			}
			pc, err := e.pool.AcquireNode(ctx, node)
			if err == nil {
				return pc, nil
			}
			if types.IsPoolExhausted(err) {
				return nil, err
			}
			e.router.MarkUnhealthy(node.Key())
		}
	}
	return e.pool.Acquire(ctx)
}

// finish returns the connection to the pool, or destroys it when the
// context died mid-response and the connection state is unknown.
func (e *RemoteEngine) finish(ctx context.Context, pc *cluster.PooledConn, err error) {
	if err != nil && ctx.Err() != nil {
		e.pool.Destroy(pc)
		return
	}
	e.pool.Release(pc)
}

func (e *RemoteEngine) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.ReadTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.ReadTimeout)
	}
	return context.WithCancel(ctx)
}

func (e *RemoteEngine) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := e.policy.ExecuteWithResult(ctx, func(ctx context.Context) (any, error) {
		opCtx, cancel := e.opCtx(ctx)
		defer cancel()

		pc, err := e.readConn(opCtx)
		if err != nil {
			return nil, err
		}

		data, err := pc.Conn().Get(opCtx, e.prefixKey(key)).Bytes()
		e.finish(opCtx, pc, err)
		if err != nil {
			if err == redis.Nil {
				return nil, types.ErrCacheMiss
			}
			return nil, types.NewCacheError("Get", key, "redis", err)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func (e *RemoteEngine) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return e.policy.Execute(ctx, func(ctx context.Context) error {
		opCtx, cancel := e.opCtx(ctx)
		defer cancel()

		pc, err := e.writeConn(opCtx)
		if err != nil {
			return err
		}

		err = pc.Conn().Set(opCtx, e.prefixKey(key), value, ttl).Err()
		e.finish(opCtx, pc, err)
		if err != nil {
			return types.NewCacheError("Set", key, "redis", err)
		}
		return nil
	})
}

// Add is SET NX EX: atomic set-if-absent on the master.
func (e *RemoteEngine) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	result, err := e.policy.ExecuteWithResult(ctx, func(ctx context.Context) (any, error) {
		opCtx, cancel := e.opCtx(ctx)
		defer cancel()

		pc, err := e.writeConn(opCtx)
		if err != nil {
			return false, err
		}

		ok, err := pc.Conn().SetNX(opCtx, e.prefixKey(key), value, ttl).Result()
		e.finish(opCtx, pc, err)
		if err != nil {
			return false, types.NewCacheError("Add", key, "redis", err)
		}
		return ok, nil
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

func (e *RemoteEngine) Delete(ctx context.Context, key string) (bool, error) {
	result, err := e.policy.ExecuteWithResult(ctx, func(ctx context.Context) (any, error) {
		opCtx, cancel := e.opCtx(ctx)
		defer cancel()

		pc, err := e.writeConn(opCtx)
		if err != nil {
			return false, err
		}

		n, err := pc.Conn().Del(opCtx, e.prefixKey(key)).Result()
		e.finish(opCtx, pc, err)
		if err != nil {
			return false, types.NewCacheError("Delete", key, "redis", err)
		}
		return n > 0, nil
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

func (e *RemoteEngine) Exists(ctx context.Context, key string) (bool, error) {
	result, err := e.policy.ExecuteWithResult(ctx, func(ctx context.Context) (any, error) {
		opCtx, cancel := e.opCtx(ctx)
		defer cancel()

		pc, err := e.readConn(opCtx)
		if err != nil {
			return false, err
		}

		n, err := pc.Conn().Exists(opCtx, e.prefixKey(key)).Result()
		e.finish(opCtx, pc, err)
		if err != nil {
			return false, types.NewCacheError("Exists", key, "redis", err)
		}
		return n > 0, nil
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

func (e *RemoteEngine) Clear(ctx context.Context) error {
	return e.policy.Execute(ctx, func(ctx context.Context) error {
		opCtx, cancel := e.opCtx(ctx)
		defer cancel()

		pc, err := e.writeConn(opCtx)
		if err != nil {
			return err
		}

		err = pc.Conn().FlushDB(opCtx).Err()
		e.finish(opCtx, pc, err)
		if err != nil {
			return types.NewCacheError("Clear", "", "redis", err)
		}
		return nil
	})
}

// GetMulti issues one MGET, falling back to per-key gets when the batch
// fails. Missing keys map to nil values.
func (e *RemoteEngine) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}

	opCtx, cancel := e.opCtx(ctx)
	defer cancel()

	pc, err := e.readConn(opCtx)
	if err != nil {
		return nil, err
	}

	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = e.prefixKey(k)
	}

	values, err := pc.Conn().MGet(opCtx, prefixed...).Result()
	e.finish(opCtx, pc, err)
	if err != nil {
		return e.getMultiFallback(ctx, keys)
	}

	result := make(map[string][]byte, len(keys))
	for i, v := range values {
		if s, ok := v.(string); ok {
			result[keys[i]] = []byte(s)
		} else {
			result[keys[i]] = nil
		}
	}
	return result, nil
}

func (e *RemoteEngine) getMultiFallback(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, err := e.Get(ctx, k)
		if err != nil {
			result[k] = nil
			continue
		}
		result[k] = v
	}
	return result, nil
}

// SetMulti uses a single MSET when there is no TTL and a pipelined batch
// of per-key SETEX otherwise. A failed pipeline falls back to per-key
// sets; the returned count reflects the commands that succeeded.
func (e *RemoteEngine) SetMulti(ctx context.Context, items map[string][]byte, ttl time.Duration) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	opCtx, cancel := e.opCtx(ctx)
	defer cancel()

	pc, err := e.writeConn(opCtx)
	if err != nil {
		return 0, err
	}

	if ttl <= 0 {
		pairs := make([]any, 0, len(items)*2)
		for k, v := range items {
			pairs = append(pairs, e.prefixKey(k), v)
		}
		err = pc.Conn().MSet(opCtx, pairs...).Err()
		e.finish(opCtx, pc, err)
		if err != nil {
			return e.setMultiFallback(ctx, items, ttl)
		}
		return len(items), nil
	}

	pipe := pc.Conn().Pipeline()
	order := make([]string, 0, len(items))
	for k, v := range items {
		pipe.SetEx(opCtx, e.prefixKey(k), v, ttl)
		order = append(order, k)
	}
	cmds, execErr := pipe.Exec(opCtx)
	e.finish(opCtx, pc, execErr)

	stored := 0
	failed := make(map[string][]byte)
	for i, cmd := range cmds {
		if cmd.Err() == nil {
			stored++
		} else if i < len(order) {
			failed[order[i]] = items[order[i]]
		}
	}
	if execErr != nil && len(cmds) == 0 {
		return e.setMultiFallback(ctx, items, ttl)
	}

	// Retry only the keys whose command failed.
	for k, v := range failed {
		if e.Set(ctx, k, v, ttl) == nil {
			stored++
		}
	}

	return stored, nil
}

func (e *RemoteEngine) setMultiFallback(ctx context.Context, items map[string][]byte, ttl time.Duration) (int, error) {
	stored := 0
	for k, v := range items {
		if err := e.Set(ctx, k, v, ttl); err == nil {
			stored++
		}
	}
	return stored, nil
}

func (e *RemoteEngine) DeleteMulti(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	result, err := e.policy.ExecuteWithResult(ctx, func(ctx context.Context) (any, error) {
		opCtx, cancel := e.opCtx(ctx)
		defer cancel()

		pc, err := e.writeConn(opCtx)
		if err != nil {
			return 0, err
		}

		prefixed := make([]string, len(keys))
		for i, k := range keys {
			prefixed[i] = e.prefixKey(k)
		}

		n, err := pc.Conn().Del(opCtx, prefixed...).Result()
		e.finish(opCtx, pc, err)
		if err != nil {
			return 0, types.NewCacheError("DeleteMulti", "", "redis", err)
		}
		return int(n), nil
	})
	if err != nil {
		return 0, err
	}
	return result.(int), nil
}

// Increment is INCRBY on the master; a non-numeric existing value is
// surfaced as ErrTypeMismatch.
func (e *RemoteEngine) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	result, err := e.policy.ExecuteWithResult(ctx, func(ctx context.Context) (any, error) {
		opCtx, cancel := e.opCtx(ctx)
		defer cancel()

		pc, err := e.writeConn(opCtx)
		if err != nil {
			return int64(0), err
		}

		n, err := pc.Conn().IncrBy(opCtx, e.prefixKey(key), delta).Result()
		e.finish(opCtx, pc, err)
		if err != nil {
			if strings.Contains(err.Error(), "not an integer") {
				return int64(0), types.NewCacheError("Increment", key, "redis", types.ErrTypeMismatch)
			}
			return int64(0), types.NewCacheError("Increment", key, "redis", err)
		}
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

func (e *RemoteEngine) Touch(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	result, err := e.policy.ExecuteWithResult(ctx, func(ctx context.Context) (any, error) {
		opCtx, cancel := e.opCtx(ctx)
		defer cancel()

		pc, err := e.writeConn(opCtx)
		if err != nil {
			return false, err
		}

		var ok bool
		if ttl > 0 {
			ok, err = pc.Conn().Expire(opCtx, e.prefixKey(key), ttl).Result()
		} else {
			ok, err = pc.Conn().Persist(opCtx, e.prefixKey(key)).Result()
		}
		e.finish(opCtx, pc, err)
		if err != nil {
			return false, types.NewCacheError("Touch", key, "redis", err)
		}
		return ok, nil
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

func (e *RemoteEngine) Count(ctx context.Context) (int64, error) {
	result, err := e.policy.ExecuteWithResult(ctx, func(ctx context.Context) (any, error) {
		opCtx, cancel := e.opCtx(ctx)
		defer cancel()

		pc, err := e.readConn(opCtx)
		if err != nil {
			return int64(0), err
		}

		n, err := pc.Conn().DBSize(opCtx).Result()
		e.finish(opCtx, pc, err)
		if err != nil {
			return int64(0), types.NewCacheError("Count", "", "redis", err)
		}
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

// Cleanup is a no-op: the server expires keys natively.
func (e *RemoteEngine) Cleanup(ctx context.Context) (int64, error) {
	return 0, nil
}

// Ping probes the default address.
func (e *RemoteEngine) Ping(ctx context.Context) error {
	return e.pool.Ping(ctx, e.cfg.Address(), nil)
}

// Router exposes the cluster router, or nil outside cluster mode.
func (e *RemoteEngine) Router() *cluster.Router {
	return e.router
}

// Pool exposes the connection pool.
func (e *RemoteEngine) Pool() *cluster.Pool {
	return e.pool
}

func (e *RemoteEngine) Close() error {
	select {
	case <-e.closed:
		return nil
	default:
		close(e.closed)
	}
	if e.router != nil {
		e.router.Stop()
	}
	return e.pool.Close()
}

var _ types.Engine = (*RemoteEngine)(nil)
