package cluster

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/meshcache/meshcache/internal/config"
	"github.com/meshcache/meshcache/internal/types"
)

// PooledConn is a dedicated remote connection lent out by the pool. The
// pool owns it while idle; the borrower owns it exclusively until Release
// or Destroy.
type PooledConn struct {
	ID        string
	Node      *Node // nil when drawn from the shared (non-cluster) pool
	CreatedAt time.Time
	LastUsed  time.Time

	key  string
	conn *redis.Conn
}

// Conn exposes the underlying dedicated connection for command dispatch.
func (c *PooledConn) Conn() *redis.Conn {
	return c.conn
}

// Pool maintains idle remote connections, shared and per-node, within
// [PoolMin, PoolMax]. Acquire hands out ping-verified connections;
// Release probes health before returning them to the idle set.
type Pool struct {
	cfg    config.RemoteConfig
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*redis.Client
	idle    map[string][]*PooledConn
	total   int
	closed  bool
}

// NewPool creates a pool and warms it up to PoolMin connections against
// the configured default address. Warm-up failures degrade gracefully;
// an inverted [min, max] bound is rejected outright.
func NewPool(cfg config.RemoteConfig, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PoolMax <= 0 {
		return nil, fmt.Errorf("pool: max must be positive, got %d", cfg.PoolMax)
	}
	if cfg.PoolMin > cfg.PoolMax {
		return nil, fmt.Errorf("pool: min %d exceeds max %d", cfg.PoolMin, cfg.PoolMax)
	}

	p := &Pool{
		cfg:     cfg,
		logger:  logger.With("component", "connection-pool"),
		clients: make(map[string]*redis.Client),
		idle:    make(map[string][]*PooledConn),
	}

	p.warmUp()

	return p, nil
}

func (p *Pool) warmUp() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
	defer cancel()

	var warmed []*PooledConn
	for i := 0; i < p.cfg.PoolMin; i++ {
		pc, err := p.create(ctx, "", p.cfg.Address(), nil)
		if err != nil {
			p.logger.Warn("pool warm-up stopped early", "warmed", len(warmed), "error", err)
			break
		}
		warmed = append(warmed, pc)
	}
	for _, pc := range warmed {
		p.Release(pc)
	}
}

// Acquire returns a verified connection to the default address, creating
// one when no idle connection survives its ping and the pool is below max.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	return p.acquire(ctx, "", p.cfg.Address(), nil)
}

// AcquireNode is Acquire against a specific cluster node.
func (p *Pool) AcquireNode(ctx context.Context, node *Node) (*PooledConn, error) {
	return p.acquire(ctx, node.Key(), node.Addr(), node)
}

func (p *Pool) acquire(ctx context.Context, key, addr string, node *Node) (*PooledConn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, types.ErrClosed
		}
		var pc *PooledConn
		if list := p.idle[key]; len(list) > 0 {
			pc = list[len(list)-1]
			p.idle[key] = list[:len(list)-1]
		}
		p.mu.Unlock()

		if pc == nil {
			break
		}
		if err := pc.conn.Ping(ctx).Err(); err != nil {
			p.destroy(pc)
			continue
		}
		pc.LastUsed = time.Now()
		return pc, nil
	}

	return p.create(ctx, key, addr, node)
}

func (p *Pool) create(ctx context.Context, key, addr string, node *Node) (*PooledConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, types.ErrClosed
	}
	if p.total >= p.cfg.PoolMax {
		p.mu.Unlock()
		return nil, types.ErrPoolExhausted
	}
	p.total++
	client := p.clientLocked(key, addr)
	p.mu.Unlock()

	conn := client.Conn()
	if err := conn.Ping(ctx).Err(); err != nil {
		_ = conn.Close()
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s: %v", types.ErrConnectionFailed, addr, err)
	}

	now := time.Now()
	return &PooledConn{
		ID:        uuid.NewString(),
		Node:      node,
		CreatedAt: now,
		LastUsed:  now,
		key:       key,
		conn:      conn,
	}, nil
}

// clientLocked returns (creating on demand) the per-address client that
// dedicated connections are drawn from. Callers hold p.mu.
func (p *Pool) clientLocked(key, addr string) *redis.Client {
	if c, ok := p.clients[key]; ok {
		return c
	}

	opts := &redis.Options{
		Addr:         addr,
		Password:     p.cfg.Password.Value(),
		DB:           p.cfg.DB,
		DialTimeout:  p.cfg.ConnectTimeout,
		ReadTimeout:  p.cfg.ReadTimeout,
		WriteTimeout: p.cfg.ReadTimeout,
		PoolSize:     p.cfg.PoolMax,
	}
	if p.cfg.EnableTLS {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: p.cfg.TLSSkipVerify}
	}

	c := redis.NewClient(opts)
	p.clients[key] = c
	return c
}

// Release probes the connection and returns it to the idle set when
// healthy, trimming the pool back to max. Unhealthy connections are
// destroyed.
func (p *Pool) Release(pc *PooledConn) {
	if pc == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ReadTimeout)
	err := pc.conn.Ping(ctx).Err()
	cancel()
	if err != nil {
		p.destroy(pc)
		return
	}

	p.mu.Lock()
	if p.closed || p.total > p.cfg.PoolMax {
		p.mu.Unlock()
		p.destroy(pc)
		return
	}
	pc.LastUsed = time.Now()
	p.idle[pc.key] = append(p.idle[pc.key], pc)
	p.mu.Unlock()
}

// Destroy closes the connection without returning it to the pool. Used
// when a response wait was cancelled and the connection state is unknown.
func (p *Pool) Destroy(pc *PooledConn) {
	if pc == nil {
		return
	}
	p.destroy(pc)
}

func (p *Pool) destroy(pc *PooledConn) {
	_ = pc.conn.Close()
	p.mu.Lock()
	p.total--
	p.mu.Unlock()
}

// Ping probes addr through the per-address client, bypassing the idle set.
func (p *Pool) Ping(ctx context.Context, addr string, node *Node) error {
	key := ""
	if node != nil {
		key = node.Key()
		addr = node.Addr()
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return types.ErrClosed
	}
	client := p.clientLocked(key, addr)
	p.mu.Unlock()

	return client.Ping(ctx).Err()
}

// Total returns the number of connections currently owned or lent out.
func (p *Pool) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// IdleCount returns the number of idle connections across all nodes.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, list := range p.idle {
		n += len(list)
	}
	return n
}

// Close destroys all idle connections and underlying clients.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	clients := p.clients
	p.idle = make(map[string][]*PooledConn)
	p.clients = make(map[string]*redis.Client)
	p.mu.Unlock()

	for _, list := range idle {
		for _, pc := range list {
			_ = pc.conn.Close()
		}
	}
	for _, c := range clients {
		_ = c.Close()
	}
	return nil
}
