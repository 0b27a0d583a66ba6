// Package pool keeps a bounded set of reusable connections to the backend
// socket.
//
// The idle set is guarded by one mutex held only across the in-memory pop or
// push; dialing, liveness checks and closing always happen outside the lock.
// A checked-out connection is owned exclusively by its caller until it is
// handed back with Checkin or Discard.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaspardpetit/udsgate/core/logx"
	"github.com/gaspardpetit/udsgate/internal/metrics"
)

// ErrConnect reports that a brand-new connection to the backend could not be
// established. It is the only failure Checkout exposes.
var ErrConnect = errors.New("backend unreachable")

const DefaultMaxIdle = 10

// Config holds pool settings.
type Config struct {
	Network     string // "unix" unless overridden
	Address     string
	MinIdle     int // pre-warm target used by Initialize
	MaxIdle     int
	DialTimeout time.Duration
}

// Conn is a pooled backend connection.
type Conn struct {
	net.Conn
	id       uint64
	created  time.Time
	reused   bool
	idle     bool // guarded by Pool.mu
	released atomic.Bool
}

// ID returns the connection's pool-local identifier.
func (c *Conn) ID() uint64 { return c.id }

// Reused reports whether this checkout was served from the idle set.
func (c *Conn) Reused() bool { return c.reused }

// Stats is a snapshot of pool counters.
type Stats struct {
	Idle      int    `json:"idle"`
	MaxIdle   int    `json:"max_idle"`
	MinIdle   int    `json:"min_idle"`
	Hits      uint64 `json:"hits"`
	Dials     uint64 `json:"dials"`
	DialFails uint64 `json:"dial_failures"`
	Discarded uint64 `json:"discarded"`
}

// Dialer opens a raw connection to the backend.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// Pool owns the idle set of backend connections.
type Pool struct {
	cfg  Config
	dial Dialer

	mu     sync.Mutex
	idle   []*Conn
	closed bool

	nextID    atomic.Uint64
	hits      atomic.Uint64
	dials     atomic.Uint64
	dialFails atomic.Uint64
	discarded atomic.Uint64
}

// New returns an empty pool. Connections are created lazily until
// Initialize is called.
func New(cfg Config) *Pool {
	if cfg.Network == "" {
		cfg.Network = "unix"
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = DefaultMaxIdle
	}
	if cfg.MinIdle > cfg.MaxIdle {
		cfg.MinIdle = cfg.MaxIdle
	}
	d := &net.Dialer{Timeout: cfg.DialTimeout}
	return &Pool{cfg: cfg, dial: d.DialContext}
}

// WithDialer replaces the dial function. It must be called before use.
func (p *Pool) WithDialer(d Dialer) *Pool {
	p.dial = d
	return p
}

// Config returns the effective configuration.
func (p *Pool) Config() Config { return p.cfg }

// Initialize establishes connections until MinIdle are idle. It does not
// retry; callers wrap it in retry.Do so an unready backend is retried at the
// call site. Connections established before a failure are kept.
func (p *Pool) Initialize(ctx context.Context) error {
	for p.Idle() < p.cfg.MinIdle {
		c, err := p.connect(ctx)
		if err != nil {
			return err
		}
		if !p.push(c) {
			p.release(c, "overflow")
			return nil
		}
	}
	logx.Log.Debug().Int("idle", p.Idle()).Str("addr", p.cfg.Address).Msg("pool initialized")
	return nil
}

// Checkout hands out an exclusively owned connection, reusing a live idle one
// when possible and dialing otherwise.
func (p *Pool) Checkout(ctx context.Context) (*Conn, error) {
	for i := 0; i < p.cfg.MaxIdle; i++ {
		c := p.pop()
		if c == nil {
			break
		}
		if err := connCheck(c.Conn); err != nil {
			logx.Log.Debug().Err(err).Uint64("conn", c.id).Msg("discarding stale pooled connection")
			p.release(c, "dead")
			continue
		}
		c.reused = true
		p.hits.Add(1)
		metrics.RecordCheckout(true)
		return c, nil
	}
	c, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	metrics.RecordCheckout(false)
	return c, nil
}

// Checkin returns c to the idle set when it is still alive and the set has
// room; otherwise the connection is closed. Checking in a connection that was
// already released, or is already idle, is a no-op.
func (p *Pool) Checkin(c *Conn) {
	if c == nil || c.released.Load() {
		return
	}
	if err := connCheck(c.Conn); err != nil {
		p.release(c, "dead")
		return
	}
	if !p.push(c) {
		p.release(c, "overflow")
	}
}

// Discard closes c without returning it to the pool. Used when an exchange
// failed or was interrupted and the stream state is unknown.
func (p *Pool) Discard(c *Conn) {
	if c == nil {
		return
	}
	p.release(c, "broken")
}

// CloseAll drains and closes every idle connection. Later checkins close
// their connection instead of pooling it. Safe to call multiple times.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	for _, c := range idle {
		c.idle = false
	}
	p.mu.Unlock()
	metrics.SetPoolIdle(0)
	for _, c := range idle {
		p.release(c, "drain")
	}
	if len(idle) > 0 {
		logx.Log.Info().Int("closed", len(idle)).Msg("connection pool drained")
	}
}

// Idle returns the current idle set size.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Idle:      p.Idle(),
		MaxIdle:   p.cfg.MaxIdle,
		MinIdle:   p.cfg.MinIdle,
		Hits:      p.hits.Load(),
		Dials:     p.dials.Load(),
		DialFails: p.dialFails.Load(),
		Discarded: p.discarded.Load(),
	}
}

func (p *Pool) connect(ctx context.Context) (*Conn, error) {
	p.dials.Add(1)
	nc, err := p.dial(ctx, p.cfg.Network, p.cfg.Address)
	if err != nil {
		p.dialFails.Add(1)
		metrics.RecordDial(false)
		return nil, fmt.Errorf("%w: dial %s %s: %w", ErrConnect, p.cfg.Network, p.cfg.Address, err)
	}
	metrics.RecordDial(true)
	c := &Conn{Conn: nc, id: p.nextID.Add(1), created: time.Now()}
	logx.Log.Debug().Uint64("conn", c.id).Str("addr", p.cfg.Address).Msg("backend connection established")
	return c, nil
}

func (p *Pool) pop() *Conn {
	p.mu.Lock()
	n := len(p.idle)
	if n == 0 {
		p.mu.Unlock()
		return nil
	}
	c := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	c.idle = false
	p.mu.Unlock()
	metrics.SetPoolIdle(n - 1)
	return c
}

// push adds c to the idle set. It reports false when the pool is closed or
// full, leaving c to the caller. A connection already idle counts as pushed.
func (p *Pool) push(c *Conn) bool {
	p.mu.Lock()
	if c.idle {
		p.mu.Unlock()
		return true
	}
	if p.closed || len(p.idle) >= p.cfg.MaxIdle {
		p.mu.Unlock()
		return false
	}
	c.idle = true
	c.reused = false
	p.idle = append(p.idle, c)
	n := len(p.idle)
	p.mu.Unlock()
	metrics.SetPoolIdle(n)
	return true
}

func (p *Pool) release(c *Conn, reason string) {
	if !c.released.CompareAndSwap(false, true) {
		return
	}
	_ = c.Conn.Close()
	p.discarded.Add(1)
	metrics.RecordDiscard(reason)
	logx.Log.Debug().Uint64("conn", c.id).Str("reason", reason).Dur("age", time.Since(c.created)).Msg("backend connection released")
}
