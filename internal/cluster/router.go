package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/meshcache/meshcache/internal/config"
	"github.com/meshcache/meshcache/internal/types"
)

// Router classifies cluster nodes and picks the node a command should run
// on. The node set changes only through AddNode, RemoveNode and
// ReplaceNodes under the router lock; health flips may run concurrently
// with selection.
type Router struct {
	mu       sync.RWMutex
	nodes    map[string]*Node
	ctype    types.ClusterType
	readPref types.ReadPreference
	logger   *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRouter builds a router from cluster configuration. The node set may
// later be replaced by auto-discovery.
func NewRouter(cfg config.ClusterConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Router{
		nodes:    make(map[string]*Node),
		ctype:    types.ClusterType(cfg.Type),
		readPref: types.ReadPreference(cfg.ReadPreference),
		logger:   logger.With("component", "cluster-router"),
		stopCh:   make(chan struct{}),
	}
	if r.readPref == "" {
		r.readPref = types.ReadAny
	}

	for _, nc := range cfg.Nodes {
		r.AddNode(NewNode(nc))
	}

	return r
}

// AddNode registers a node, replacing any previous descriptor for the same
// host:port.
func (r *Router) AddNode(n *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[n.Key()] = n
}

// RemoveNode drops the descriptor for key (host:port).
func (r *Router) RemoveNode(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.nodes[key]
	delete(r.nodes, key)
	return ok
}

// Node returns the descriptor for key, or nil.
func (r *Router) Node(key string) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[key]
}

// Nodes returns a snapshot of all descriptors.
func (r *Router) Nodes() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}

// ReplaceNodes swaps the whole node set; used by auto-discovery.
func (r *Router) ReplaceNodes(nodes []*Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		r.nodes[n.Key()] = n
	}
}

// ReadNode picks the node that should service a read, honoring the
// configured read preference. Returns ErrNoHealthyNode when no healthy
// node matches; callers fall through to the generic acquire path.
func (r *Router) ReadNode() (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch r.readPref {
	case types.ReadPrimary:
		if m := r.healthyMasterLocked(); m != nil {
			return m, nil
		}
		return nil, types.ErrNoHealthyNode

	case types.ReadSecondary:
		slaves := r.healthyByRoleLocked(types.RoleSlave)
		if n := weightedPick(slaves); n != nil {
			return n, nil
		}
		return nil, types.ErrNoHealthyNode

	default: // any
		var healthy []*Node
		for _, n := range r.nodes {
			if n.Healthy() && n.Role != types.RoleSentinel {
				healthy = append(healthy, n)
			}
		}
		if n := weightedPick(healthy); n != nil {
			return n, nil
		}
		return nil, types.ErrNoHealthyNode
	}
}

// WriteNode always routes to the healthy master.
func (r *Router) WriteNode() (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if m := r.healthyMasterLocked(); m != nil {
		return m, nil
	}
	return nil, types.ErrNoHealthyNode
}

func (r *Router) healthyMasterLocked() *Node {
	for _, n := range r.nodes {
		if n.Role == types.RoleMaster && n.Healthy() {
			return n
		}
	}
	return nil
}

func (r *Router) healthyByRoleLocked(role types.NodeRole) []*Node {
	var out []*Node
	for _, n := range r.nodes {
		if n.Role == role && n.Healthy() {
			out = append(out, n)
		}
	}
	return out
}

// weightedPick draws r in [1, sum(weights)] and returns the first node
// whose cumulative weight reaches it.
func weightedPick(nodes []*Node) *Node {
	if len(nodes) == 0 {
		return nil
	}

	var total uint64
	for _, n := range nodes {
		total += uint64(n.Weight)
	}

	draw := rand.Uint64N(total) + 1
	var cum uint64
	for _, n := range nodes {
		cum += uint64(n.Weight)
		if cum >= draw {
			return n
		}
	}
	return nodes[len(nodes)-1]
}

// MarkUnhealthy flips a node out of rotation by key.
func (r *Router) MarkUnhealthy(key string) {
	if n := r.Node(key); n != nil {
		n.MarkUnhealthy(time.Now().Unix())
		r.logger.Warn("node marked unhealthy", "node", key)
	}
}

// MarkHealthy flips a node back into rotation by key.
func (r *Router) MarkHealthy(key string) {
	if n := r.Node(key); n != nil {
		n.MarkHealthy(time.Now().Unix())
		r.logger.Info("node restored", "node", key)
	}
}

// Validate enforces cluster-type minimums. Errors are fatal; warnings are
// returned for the caller to log.
func (r *Router) Validate() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var warnings []string

	masters := 0
	slaves := 0
	sentinels := 0
	for _, n := range r.nodes {
		switch n.Role {
		case types.RoleMaster:
			masters++
		case types.RoleSlave:
			slaves++
		case types.RoleSentinel:
			sentinels++
		}
	}

	switch r.ctype {
	case types.ClusterTypeCluster:
		if len(r.nodes) < 3 {
			warnings = append(warnings,
				fmt.Sprintf("cluster mode expects at least 3 nodes, have %d", len(r.nodes)))
		}

	case types.ClusterTypeSentinel:
		if sentinels < 3 {
			warnings = append(warnings,
				fmt.Sprintf("sentinel mode expects at least 3 sentinels, have %d", sentinels))
		}
		if masters == 0 {
			return warnings, fmt.Errorf("%w: sentinel mode requires a master", types.ErrClusterMisconfigured)
		}

	case types.ClusterTypeReplica:
		if masters == 0 {
			return warnings, fmt.Errorf("%w: replica mode requires a master", types.ErrClusterMisconfigured)
		}
		if slaves == 0 {
			warnings = append(warnings, "replica mode recommends at least one slave")
		}

	default:
		return warnings, fmt.Errorf("%w: unknown cluster type %q", types.ErrClusterMisconfigured, r.ctype)
	}

	return warnings, nil
}

// RunHealthChecks probes every node at interval until the router is
// stopped. A successful probe restores an unhealthy node; a failed one
// removes it from rotation.
func (r *Router) RunHealthChecks(interval time.Duration, probe func(ctx context.Context, n *Node) error) {
	if interval <= 0 {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.probeAll(probe)
			}
		}
	}()
}

func (r *Router) probeAll(probe func(ctx context.Context, n *Node) error) {
	for _, n := range r.Nodes() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := probe(ctx, n)
		cancel()

		now := time.Now().Unix()
		if err != nil {
			if n.Healthy() {
				r.logger.Warn("health probe failed", "node", n.Key(), "error", err)
			}
			n.MarkUnhealthy(now)
			continue
		}
		if !n.Healthy() {
			r.logger.Info("health probe succeeded, node restored", "node", n.Key())
		}
		n.MarkHealthy(now)
	}
}

// Stop terminates the health-check loop and waits for it to exit.
func (r *Router) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	r.wg.Wait()
}
