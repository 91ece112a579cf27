// Package pool implements the reference-counted connection pool shared
// across brokers that connect to the same endpoint.
//
// Grounded on internal/client/broker.go's connect-or-reuse pattern and on
// spec §9's note that the pool must be an explicit object (no hidden
// package-level singleton), with a default instance offered purely for
// caller convenience.
package pool

import (
	"sync"

	"github.com/relaymesh/relaymesh/internal/uerr"
)

// Connection is anything a broker driver opens once and shares. It need
// not be safe for concurrent use — callers serialize access themselves
// (see spec §5: a broker instance is owned by exactly one consumer unit
// and one publisher unit).
type Connection interface {
	Open() error
	Close() error
	IsClosed() bool
}

type entry struct {
	conn     Connection
	refcount int
}

// Pool is a process-wide registry of connections keyed by a caller-chosen
// hash string (host/port/credentials for AMQP, the bootstrap set for
// Kafka).
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty pool.
func New() *Pool {
	return &Pool{entries: make(map[string]*entry)}
}

// Default is a package-level convenience instance. Tests and callers that
// want isolation should construct their own Pool with New() instead.
var Default = New()

// Manager is a handle holding a strong reference to one keyed connection.
type Manager struct {
	pool *Pool
	key  string
}

// NewManager returns a manager for key. If a connection is already
// registered under key, the manager aliases to it and conn is discarded;
// otherwise conn is installed. Mirrors spec §4.B's new_manager semantics.
func (p *Pool) NewManager(key string, conn Connection) *Manager {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[key]; !ok {
		p.entries[key] = &entry{conn: conn}
	}
	return &Manager{pool: p, key: key}
}

// Connect opens the underlying connection if not already open (or if it
// observes the connection reporting closed — transparent reconnection),
// increments the pool's refcount for this key, and returns the raw
// connection.
func (m *Manager) Connect() (Connection, error) {
	m.pool.mu.Lock()
	defer m.pool.mu.Unlock()

	e, ok := m.pool.entries[m.key]
	if !ok {
		return nil, uerr.New(uerr.PoolConnectFailed, "connection manager outlived its pool entry")
	}
	if e.refcount == 0 || e.conn.IsClosed() {
		if err := e.conn.Open(); err != nil {
			return nil, uerr.Wrap(uerr.PoolConnectFailed, "connection open failed", err)
		}
	}
	e.refcount++
	return e.conn, nil
}

// Close decrements the refcount; when it reaches zero the underlying
// connection is closed and the entry is removed from the pool.
func (m *Manager) Close() error {
	m.pool.mu.Lock()
	defer m.pool.mu.Unlock()

	e, ok := m.pool.entries[m.key]
	if !ok {
		return nil
	}
	if e.refcount > 0 {
		e.refcount--
	}
	if e.refcount == 0 {
		delete(m.pool.entries, m.key)
		return e.conn.Close()
	}
	return nil
}

// Refcount reports the current reference count for the manager's key,
// mainly for tests asserting the pool's paired-connect/close invariant.
func (m *Manager) Refcount() int {
	m.pool.mu.Lock()
	defer m.pool.mu.Unlock()
	if e, ok := m.pool.entries[m.key]; ok {
		return e.refcount
	}
	return 0
}
