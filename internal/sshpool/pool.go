package sshpool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/rcrowley/go-metrics"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/simfleet/internal/config"
	"github.com/gluk-w/simfleet/internal/logutil"
)

var (
	// ErrExhausted is returned by Acquire when every connection slot of the
	// host is checked out. Acquire never blocks on capacity; callers retry.
	ErrExhausted = errors.New("connection pool exhausted")

	// ErrUnknownHost is returned for an address that is not in the pool.
	ErrUnknownHost = errors.New("host not in connection pool")

	// ErrClosed is returned after CloseAll.
	ErrClosed = errors.New("connection pool closed")
)

// Conn is the part of *ssh.Client the pool and its users need.
type Conn interface {
	NewSession() (*ssh.Session, error)
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
	Close() error
}

// Dialer opens a new authenticated connection to host.
type Dialer func(ctx context.Context, host config.Host) (Conn, error)

// Prober returns nil if conn can still run commands.
type Prober func(conn Conn) error

// Options configures a Pool. Dial and Probe are required.
type Options struct {
	Dial  Dialer
	Probe Prober
	// Registry receives the pool counters. Nil means a private registry.
	Registry metrics.Registry
}

// Stats is a point-in-time view of one host's slots.
type Stats struct {
	Idle     int
	Active   int
	Capacity int
}

type hostPool struct {
	host   config.Host
	idle   []Conn
	active int
}

// Pool caches live SSH connections per host. For every host,
// idle + active never exceeds the host's capacity, where active counts
// connections checked out to callers (including ones being probed or dialed).
type Pool struct {
	mu     sync.Mutex
	hosts  map[string]*hostPool
	closed bool

	dial  Dialer
	probe Prober

	registry      metrics.Registry
	dials         metrics.Counter
	dialFailures  metrics.Counter
	probeFailures metrics.Counter
	reuses        metrics.Counter
}

// New creates a pool for hosts. Connections are opened lazily.
func New(hosts []config.Host, opts Options) *Pool {
	reg := opts.Registry
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	p := &Pool{
		hosts:         make(map[string]*hostPool, len(hosts)),
		dial:          opts.Dial,
		probe:         opts.Probe,
		registry:      reg,
		dials:         metrics.GetOrRegisterCounter("pool.dials", reg),
		dialFailures:  metrics.GetOrRegisterCounter("pool.dial_failures", reg),
		probeFailures: metrics.GetOrRegisterCounter("pool.probe_failures", reg),
		reuses:        metrics.GetOrRegisterCounter("pool.reuses", reg),
	}
	for _, h := range hosts {
		p.hosts[h.Address] = &hostPool{host: h}
	}
	return p
}

// Registry returns the registry holding the pool counters.
func (p *Pool) Registry() metrics.Registry {
	return p.registry
}

// Acquire checks out a live connection to address. An idle connection is
// reused if it passes the liveness probe; dead ones are closed and
// discarded. When no idle connection survives and the host has a free slot,
// a new connection is dialed. Otherwise ErrExhausted is returned at once.
func (p *Pool) Acquire(ctx context.Context, address string) (Conn, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		hp, ok := p.hosts[address]
		if !ok {
			p.mu.Unlock()
			return nil, fmt.Errorf("%s: %w", logutil.SanitizeForLog(address), ErrUnknownHost)
		}

		if n := len(hp.idle); n > 0 {
			conn := hp.idle[n-1]
			hp.idle = hp.idle[:n-1]
			hp.active++
			p.mu.Unlock()

			if err := p.checkAlive(conn); err != nil {
				p.probeFailures.Inc(1)
				log.Printf("[pool] discarding dead connection to %s: %v", logutil.SanitizeForLog(address), err)
				conn.Close()
				p.releaseSlot(hp)
				continue
			}
			p.reuses.Inc(1)
			return conn, nil
		}

		if hp.active >= hp.host.Capacity {
			p.mu.Unlock()
			return nil, fmt.Errorf("%s: %w", logutil.SanitizeForLog(address), ErrExhausted)
		}
		hp.active++
		p.mu.Unlock()

		conn, err := p.dial(ctx, hp.host)
		if err != nil {
			p.dialFailures.Inc(1)
			p.releaseSlot(hp)
			return nil, fmt.Errorf("connect to %s: %w", logutil.SanitizeForLog(address), err)
		}
		p.dials.Inc(1)
		log.Printf("[pool] opened connection to %s", logutil.SanitizeForLog(address))
		return conn, nil
	}
}

// Release returns conn to the pool. A connection that fails the liveness
// probe, or arrives after CloseAll, is closed instead of pooled. The slot is
// freed on every path.
func (p *Pool) Release(address string, conn Conn) {
	p.mu.Lock()
	hp, ok := p.hosts[address]
	p.mu.Unlock()
	if !ok {
		conn.Close()
		return
	}

	err := p.checkAlive(conn)
	if err != nil {
		p.probeFailures.Inc(1)
		log.Printf("[pool] connection to %s died while in use: %v", logutil.SanitizeForLog(address), err)
	}

	p.mu.Lock()
	if hp.active > 0 {
		hp.active--
	}
	if err == nil && !p.closed {
		hp.idle = append(hp.idle, conn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	conn.Close()
}

// checkAlive runs the prober on conn. A prober that panics marks the
// connection dead.
func (p *Pool) checkAlive(conn Conn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("liveness check panicked: %v", r)
		}
	}()
	return p.probe(conn)
}

func (p *Pool) releaseSlot(hp *hostPool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if hp.active > 0 {
		hp.active--
	}
}

// CloseAll closes every idle connection and rejects further Acquire calls.
// Connections still checked out are closed when released. Safe to call
// more than once.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	var conns []Conn
	for _, hp := range p.hosts {
		conns = append(conns, hp.idle...)
		hp.idle = nil
	}
	wasClosed := p.closed
	p.closed = true
	p.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if !wasClosed {
		log.Printf("[pool] closed %d idle connections", len(conns))
	}
}

// Stats returns the slot usage of address.
func (p *Pool) Stats(address string) (Stats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	hp, ok := p.hosts[address]
	if !ok {
		return Stats{}, fmt.Errorf("%s: %w", logutil.SanitizeForLog(address), ErrUnknownHost)
	}
	return Stats{Idle: len(hp.idle), Active: hp.active, Capacity: hp.host.Capacity}, nil
}
