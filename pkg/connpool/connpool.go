// Package connpool maintains healthy, reusable connections to hypervisor
// endpoints. One Pool exists per endpoint URI; a Manager lazily creates and
// tracks the pool for each URI it is asked about.
//
// Connection handles are not assumed to be safe for unsynchronized concurrent
// access, so all pool state is guarded by a single mutex per pool.
package connpool

import (
	"errors"
	"sync"
	"time"
)

// ErrUnavailable is returned by Get when the pool is at capacity and no
// healthy connection exists. It is a capacity exhaustion condition and
// callers should treat it as retryable, not as a hard failure.
var ErrUnavailable = errors.New("no connection available")

// Conn is the minimal surface a pooled handle must provide.
type Conn interface {
	Ping() error
	Close() error
}

// Config holds the sizing and health knobs for a Pool.
type Config struct {
	MinConns            int
	MaxConns            int
	TTL                 time.Duration
	HealthCheckInterval time.Duration
}

// DefaultConfig returns the pool sizing used when a zero Config is given.
func DefaultConfig() Config {
	return Config{
		MinConns:            1,
		MaxConns:            5,
		TTL:                 30 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}
}

// PooledConn wraps a connection handle with its pool bookkeeping.
type PooledConn[C Conn] struct {
	Conn          C
	CreatedAt     time.Time
	LastUsed      time.Time
	CheckoutCount int

	healthy  bool
	checkout int // active checkouts
}

// Pool manages the connections to a single endpoint URI.
type Pool[C Conn] struct {
	uri    string
	dial   func(string) (C, error)
	config Config

	mutex           sync.Mutex
	conns           []*PooledConn[C]
	lastHealthCheck time.Time
	reconnects      uint64
	closed          bool
}

// NewPool creates a pool for uri. Connections are established lazily through
// dial on the first Get.
func NewPool[C Conn](uri string, dial func(string) (C, error), config Config) *Pool[C] {
	if config.MaxConns <= 0 {
		config = DefaultConfig()
	}
	if config.MinConns < 1 {
		config.MinConns = 1
	}
	if config.MaxConns < config.MinConns {
		config.MaxConns = config.MinConns
	}
	return &Pool[C]{
		uri:    uri,
		dial:   dial,
		config: config,
	}
}

// URI returns the endpoint this pool connects to.
func (p *Pool[C]) URI() string {
	return p.uri
}

// Reconnects returns how many times an unhealthy connection has been
// replaced.
func (p *Pool[C]) Reconnects() uint64 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.reconnects
}

// Len returns the current number of pooled connections.
func (p *Pool[C]) Len() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.conns)
}

// Get checks out a connection. It runs the gated health check, evicts
// connections past their TTL, tops the pool back up to MinConns, and then
// hands out an idle healthy connection, growing the pool up to MaxConns when
// none is idle. A saturated pool shares its least busy healthy connection
// rather than failing; ErrUnavailable is returned only when no healthy
// connection exists and none can be created.
func (p *Pool[C]) Get() (*PooledConn[C], error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return nil, ErrUnavailable
	}

	p.healthCheck()
	p.evictExpired()
	if err := p.ensureMin(); err != nil && len(p.conns) == 0 {
		return nil, err
	}

	if pc := p.pick(); pc != nil {
		p.checkoutLocked(pc)
		return pc, nil
	}

	if len(p.conns) < p.config.MaxConns {
		pc, err := p.add()
		if err != nil {
			return nil, err
		}
		p.checkoutLocked(pc)
		return pc, nil
	}

	return nil, ErrUnavailable
}

// Put returns a checked out connection to the pool.
func (p *Pool[C]) Put(pc *PooledConn[C]) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if pc.checkout > 0 {
		pc.checkout--
	}
	pc.LastUsed = time.Now()
}

// Discard closes a checked out connection and removes it from the pool. Used
// by callers that hit an error indicating the handle has gone bad.
func (p *Pool[C]) Discard(pc *PooledConn[C]) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	_ = pc.Conn.Close()
	for i, c := range p.conns {
		if c == pc {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
}

// CloseAll releases every pooled connection. The pool refuses further
// checkouts afterwards.
func (p *Pool[C]) CloseAll() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, pc := range p.conns {
		_ = pc.Conn.Close()
	}
	p.conns = nil
	p.closed = true
}

// pick returns an idle healthy connection, preferring the least busy one when
// every connection is checked out and the pool cannot grow.
func (p *Pool[C]) pick() *PooledConn[C] {
	for _, pc := range p.conns {
		if pc.healthy && pc.checkout == 0 {
			return pc
		}
	}
	if len(p.conns) < p.config.MaxConns {
		return nil
	}
	var best *PooledConn[C]
	for _, pc := range p.conns {
		if !pc.healthy {
			continue
		}
		if best == nil || pc.checkout < best.checkout {
			best = pc
		}
	}
	return best
}

func (p *Pool[C]) checkoutLocked(pc *PooledConn[C]) {
	pc.checkout++
	pc.CheckoutCount++
	pc.LastUsed = time.Now()
}

// healthCheck pings every pooled connection, closing and replacing unhealthy
// ones. Skipped entirely when HealthCheckInterval has not elapsed since the
// previous run.
func (p *Pool[C]) healthCheck() {
	if time.Since(p.lastHealthCheck) < p.config.HealthCheckInterval {
		return
	}
	p.lastHealthCheck = time.Now()

	alive := p.conns[:0]
	for _, pc := range p.conns {
		if err := pc.Conn.Ping(); err != nil {
			pc.healthy = false
			_ = pc.Conn.Close()
			continue
		}
		pc.healthy = true
		alive = append(alive, pc)
	}
	removed := len(p.conns) - len(alive)
	p.conns = alive

	if removed > 0 {
		for len(p.conns) < p.config.MinConns {
			if _, err := p.add(); err != nil {
				break
			}
			p.reconnects++
		}
	}
}

func (p *Pool[C]) evictExpired() {
	if p.config.TTL <= 0 {
		return
	}
	alive := p.conns[:0]
	for _, pc := range p.conns {
		if pc.checkout == 0 && time.Since(pc.CreatedAt) > p.config.TTL {
			_ = pc.Conn.Close()
			continue
		}
		alive = append(alive, pc)
	}
	p.conns = alive
}

func (p *Pool[C]) ensureMin() error {
	var err error
	for len(p.conns) < p.config.MinConns {
		if _, err = p.add(); err != nil {
			break
		}
	}
	return err
}

func (p *Pool[C]) add() (*PooledConn[C], error) {
	conn, err := p.dial(p.uri)
	if err != nil {
		return nil, err
	}
	pc := &PooledConn[C]{
		Conn:      conn,
		CreatedAt: time.Now(),
		LastUsed:  time.Now(),
		healthy:   true,
	}
	p.conns = append(p.conns, pc)
	return pc, nil
}

// Manager tracks one Pool per endpoint URI.
type Manager[C Conn] struct {
	mutex  sync.Mutex
	pools  map[string]*Pool[C]
	dial   func(string) (C, error)
	config Config
}

// NewManager creates a Manager that dials new connections with dial and sizes
// every pool with config.
func NewManager[C Conn](dial func(string) (C, error), config Config) *Manager[C] {
	return &Manager[C]{
		pools:  map[string]*Pool[C]{},
		dial:   dial,
		config: config,
	}
}

// Pool returns the pool for uri, creating it on first use.
func (m *Manager[C]) Pool(uri string) *Pool[C] {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	p, ok := m.pools[uri]
	if !ok {
		p = NewPool(uri, m.dial, m.config)
		m.pools[uri] = p
	}
	return p
}

// CloseAll shuts down every pool. Used at process shutdown.
func (m *Manager[C]) CloseAll() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, p := range m.pools {
		p.CloseAll()
	}
}
