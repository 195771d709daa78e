// Package pool caches live transport connections keyed by account and
// folder so repeated mailbox operations reuse them. It is the one
// internally concurrent component of the core: acquisition and the
// background idle sweep share a mutex, so an entry being evicted is never
// handed out.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zkemails/zkemails/internal/model"
)

const (
	// idleTimeout is how long a connection may sit unused before the
	// sweep closes it.
	idleTimeout = 5 * time.Minute

	// sweepInterval is how often the sweep runs.
	sweepInterval = 1 * time.Minute
)

// Conn is a pooled transport connection.
type Conn interface {
	// Live reports whether the connection still responds; the pool
	// probes it before handing a cached connection out.
	Live() bool

	Close() error
}

// Dialer creates new connections for the pool.
type Dialer interface {
	Dial(ctx context.Context, cfg model.AccountConfig, folder string) (Conn, error)
}

// Key identifies one cached connection.
type Key struct {
	Account string
	Host    string
	Port    string
	Folder  string
}

// entry is one cached connection with its last-use time.
type entry struct {
	conn     Conn
	lastUsed time.Time
}

// Pool reuses transport connections per (account, host, port, folder).
// It is an owned resource: construct one per session and Close it when the
// session ends.
type Pool struct {
	dialer        Dialer
	idleTimeout   time.Duration
	sweepInterval time.Duration

	mu      sync.Mutex
	entries map[Key]*entry
	closed  bool

	stopCh chan struct{}
}

// New creates a pool around the given dialer and starts the background
// idle sweep.
func New(dialer Dialer) *Pool {
	return newWithIntervals(dialer, idleTimeout, sweepInterval)
}

// newWithIntervals exists so tests can run the sweep on short timers.
func newWithIntervals(dialer Dialer, idle, interval time.Duration) *Pool {
	p := &Pool{
		dialer:        dialer,
		idleTimeout:   idle,
		sweepInterval: interval,
		entries:       make(map[Key]*entry),
		stopCh:        make(chan struct{}),
	}
	go p.sweep()
	return p
}

// Acquire returns a cached live connection for the account and folder,
// dialing a replacement when none exists or the cached one fails its
// liveness probe.
func (p *Pool) Acquire(ctx context.Context, cfg model.AccountConfig, folder string) (Conn, error) {
	key := Key{
		Account: cfg.Email,
		Host:    cfg.IMAPHost,
		Port:    cfg.IMAPPort,
		Folder:  folder,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("acquiring connection: pool is closed")
	}
	if e, ok := p.entries[key]; ok {
		if e.conn.Live() {
			e.lastUsed = time.Now()
			conn := e.conn
			p.mu.Unlock()
			return conn, nil
		}
		// Dead connection; close and replace.
		e.conn.Close()
		delete(p.entries, key)
	}
	p.mu.Unlock()

	conn, err := p.dialer.Dial(ctx, cfg, folder)
	if err != nil {
		return nil, fmt.Errorf("dialing %s:%s for %s: %w", cfg.IMAPHost, cfg.IMAPPort, cfg.Email, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return nil, fmt.Errorf("acquiring connection: pool is closed")
	}
	// A concurrent Acquire may have raced us here; keep ours and close
	// the other, the next probe sorts out liveness.
	if old, ok := p.entries[key]; ok {
		old.conn.Close()
	}
	p.entries[key] = &entry{conn: conn, lastUsed: time.Now()}
	p.mu.Unlock()

	return conn, nil
}

// Invalidate removes and closes the entry holding conn after a
// caller-observed failure, so the next Acquire creates fresh state. This
// is the pool's only error-recovery mechanism; it never retries.
func (p *Pool) Invalidate(conn Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, e := range p.entries {
		if e.conn == conn {
			e.conn.Close()
			delete(p.entries, key)
			logrus.WithFields(logrus.Fields{
				"account": key.Account,
				"folder":  key.Folder,
			}).Debug("Invalidated pooled connection")
			return
		}
	}
}

// Close stops the sweep and closes every cached connection.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)

	for key, e := range p.entries {
		e.conn.Close()
		delete(p.entries, key)
	}
	p.mu.Unlock()
}

// size returns the number of cached entries.
func (p *Pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// sweep evicts idle entries on a fixed period until the pool closes.
func (p *Pool) sweep() {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

// evictIdle closes and removes entries idle longer than the threshold.
func (p *Pool) evictIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-p.idleTimeout)
	for key, e := range p.entries {
		if e.lastUsed.Before(cutoff) {
			e.conn.Close()
			delete(p.entries, key)
			logrus.WithFields(logrus.Fields{
				"account": key.Account,
				"folder":  key.Folder,
			}).Debug("Evicted idle connection")
		}
	}
}
