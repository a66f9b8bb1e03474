package conn

import (
	"context"
	"fmt"
	"sync"

	"github.com/civicly/chatsync/internal/auth"
	"github.com/civicly/chatsync/internal/errs"
)

// Manager pools connections by server URL. Consumers acquire a shared Conn
// under an owner id; the transport is closed only when the last owner
// releases it.
type Manager struct {
	opts     Options
	capacity int

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewManager builds a pool capped at capacity live connections.
func NewManager(capacity int, opts Options) *Manager {
	if capacity < 1 {
		capacity = 1
	}
	return &Manager{
		opts:     opts,
		capacity: capacity,
		conns:    make(map[string]*Conn),
	}
}

// Acquire returns the pooled connection for url, dialing a new one when none
// is open. The dial happens asynchronously: the handle is usable
// immediately, and consumers observe readiness through StateEvents or OnUp.
func (m *Manager) Acquire(ctx context.Context, url string, identity auth.Identity, ownerID string) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.conns[url]; ok && !c.closed.Load() {
		c.addOwner(ownerID)
		return c, nil
	}

	if len(m.conns) >= m.capacity {
		return nil, fmt.Errorf("connection pool at capacity (%d): %w", m.capacity, errs.ErrTransport)
	}

	c := newConn(url, identity, m.opts)
	c.addOwner(ownerID)
	m.conns[url] = c
	c.connectAsync(ctx)
	return c, nil
}

// Release drops ownerID's claim on the url's connection, closing it when no
// owners remain.
func (m *Manager) Release(url, ownerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[url]
	if !ok {
		return
	}
	if c.removeOwner(ownerID) == 0 {
		c.close()
		delete(m.conns, url)
	}
}

// Close force-closes every pooled connection regardless of owners.
// Engine teardown only.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for url, c := range m.conns {
		c.close()
		delete(m.conns, url)
	}
}
