// Package cluster provides node classification, read/write routing, and
// the connection pool for the remote engine.
package cluster

import (
	"fmt"
	"sync/atomic"

	"github.com/meshcache/meshcache/internal/config"
	"github.com/meshcache/meshcache/internal/types"
)

// Node describes one remote server. Role, Priority and Weight are fixed at
// construction; health status and last-check flip concurrently.
type Node struct {
	Host     string
	Port     int
	Role     types.NodeRole
	Priority int32
	Weight   uint32

	unhealthy atomic.Bool
	lastCheck atomic.Int64
}

// NewNode builds a node from config. A zero weight is lifted to 1 so
// weighted selection stays well-defined.
func NewNode(cfg config.NodeConfig) *Node {
	weight := cfg.Weight
	if weight == 0 {
		weight = 1
	}
	return &Node{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Role:     types.ParseNodeRole(cfg.Role),
		Priority: cfg.Priority,
		Weight:   weight,
	}
}

// Key returns the node's uniqueness key, host:port.
func (n *Node) Key() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// Addr is an alias of Key for dialing.
func (n *Node) Addr() string {
	return n.Key()
}

// Status returns the node's health state.
func (n *Node) Status() types.NodeStatus {
	if n.unhealthy.Load() {
		return types.StatusUnhealthy
	}
	return types.StatusActive
}

// Healthy reports whether the node is active.
func (n *Node) Healthy() bool {
	return !n.unhealthy.Load()
}

// MarkUnhealthy flips the node out of rotation. Safe for concurrent use.
func (n *Node) MarkUnhealthy(now int64) {
	n.unhealthy.Store(true)
	n.lastCheck.Store(now)
}

// MarkHealthy returns the node to rotation. Safe for concurrent use.
func (n *Node) MarkHealthy(now int64) {
	n.unhealthy.Store(false)
	n.lastCheck.Store(now)
}

// LastCheck returns the unix timestamp of the most recent health probe.
func (n *Node) LastCheck() int64 {
	return n.lastCheck.Load()
}
