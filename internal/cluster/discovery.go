package cluster

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/meshcache/meshcache/internal/config"
)

// DiscoverFunc fetches the live node set from a seed connection. The
// routine is backend-specific; the router's contract is only that, when
// auto-discovery is enabled, it runs once at initialization and replaces
// the configured node set.
type DiscoverFunc func(ctx context.Context, client *redis.Client) ([]config.NodeConfig, error)

// DiscoverClusterNodes implements discovery for Redis-cluster topologies
// via CLUSTER NODES.
func DiscoverClusterNodes(ctx context.Context, client *redis.Client) ([]config.NodeConfig, error) {
	out, err := client.ClusterNodes(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("cluster nodes: %w", err)
	}
	return parseClusterNodesOutput(out), nil
}

// parseClusterNodesOutput parses the CLUSTER NODES text format:
// "<id> <ip:port@cport> <flags> <master-id> ...". Nodes in failed state
// are skipped.
func parseClusterNodesOutput(out string) []config.NodeConfig {
	var nodes []config.NodeConfig

	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}

		addr := fields[1]
		if i := strings.IndexByte(addr, '@'); i >= 0 {
			addr = addr[:i]
		}
		host, portStr, ok := strings.Cut(addr, ":")
		if !ok || host == "" {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}

		flags := fields[2]
		if strings.Contains(flags, "fail") {
			continue
		}

		role := "unknown"
		if strings.Contains(flags, "master") {
			role = "master"
		} else if strings.Contains(flags, "slave") || strings.Contains(flags, "replica") {
			role = "slave"
		}

		nodes = append(nodes, config.NodeConfig{
			Host:   host,
			Port:   port,
			Role:   role,
			Weight: 1,
		})
	}

	return nodes
}

// DiscoverSentinel implements discovery for sentinel topologies via
// SENTINEL MASTERS and SENTINEL SLAVES.
func DiscoverSentinel(ctx context.Context, client *redis.Client) ([]config.NodeConfig, error) {
	reply, err := client.Do(ctx, "SENTINEL", "MASTERS").Result()
	if err != nil {
		return nil, fmt.Errorf("sentinel masters: %w", err)
	}

	var nodes []config.NodeConfig
	masters, _ := reply.([]any)
	for _, m := range masters {
		props := replyToMap(m)
		name := props["name"]
		host, port := props["ip"], props["port"]
		if host == "" || port == "" {
			continue
		}
		if n, ok := nodeFromProps(host, port, "master"); ok {
			nodes = append(nodes, n)
		}

		if name == "" {
			continue
		}
		slavesReply, err := client.Do(ctx, "SENTINEL", "SLAVES", name).Result()
		if err != nil {
			continue
		}
		slaves, _ := slavesReply.([]any)
		for _, s := range slaves {
			sp := replyToMap(s)
			if n, ok := nodeFromProps(sp["ip"], sp["port"], "slave"); ok {
				nodes = append(nodes, n)
			}
		}
	}

	return nodes, nil
}

func nodeFromProps(host, portStr, role string) (config.NodeConfig, bool) {
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return config.NodeConfig{}, false
	}
	return config.NodeConfig{Host: host, Port: port, Role: role, Weight: 1}, true
}

// replyToMap flattens a sentinel field/value array reply into a map.
func replyToMap(reply any) map[string]string {
	out := make(map[string]string)
	fields, _ := reply.([]any)
	for i := 0; i+1 < len(fields); i += 2 {
		k, _ := fields[i].(string)
		v, _ := fields[i+1].(string)
		if k != "" {
			out[k] = v
		}
	}
	return out
}
