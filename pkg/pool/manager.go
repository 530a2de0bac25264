package pool

import (
	"context"
	"sync"

	"github.com/paddock-io/paddock/pkg/driver"
	"github.com/paddock-io/paddock/pkg/types"
)

// HostResolver supplies endpoint addresses for host ids. The registry
// satisfies it.
type HostResolver interface {
	Get(hostID string) (*types.Host, error)
}

// Manager owns one pool per host, created lazily on first checkout and
// closed on host deregistration or shutdown.
type Manager struct {
	cfg      Config
	driver   driver.Driver
	resolver HostResolver
	reporter StateReporter

	mu    sync.Mutex
	pools map[string]*Pool
}

// NewManager creates a pool manager
func NewManager(cfg Config, drv driver.Driver, resolver HostResolver, reporter StateReporter) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		driver:   drv,
		resolver: resolver,
		reporter: reporter,
		pools:    make(map[string]*Pool),
	}
}

// Checkout returns a healthy connection to the host, creating the pool
// on first use
func (m *Manager) Checkout(ctx context.Context, hostID string) (*Conn, error) {
	p, err := m.pool(hostID)
	if err != nil {
		return nil, err
	}
	return p.Checkout(ctx)
}

// Checkin returns a connection to its pool
func (m *Manager) Checkin(pc *Conn) {
	m.mu.Lock()
	p, ok := m.pools[pc.HostID()]
	m.mu.Unlock()
	if !ok {
		// Pool closed while the conn was out
		pc.conn.Close()
		return
	}
	p.Checkin(pc)
}

// Healthy reports whether the host has at least one live or obtainable
// connection. A host with no pool yet is considered obtainable.
func (m *Manager) Healthy(hostID string) bool {
	m.mu.Lock()
	p, ok := m.pools[hostID]
	m.mu.Unlock()
	if !ok {
		return true
	}
	return p.Healthy()
}

// Metrics returns the counter snapshot for a host's pool
func (m *Manager) Metrics(hostID string) (types.PoolMetrics, error) {
	m.mu.Lock()
	p, ok := m.pools[hostID]
	m.mu.Unlock()
	if !ok {
		return types.PoolMetrics{}, nil
	}
	return p.Metrics(), nil
}

// ClosePool shuts down and removes the pool for a host. Called on
// deregistration so no connection outlives its host record.
func (m *Manager) ClosePool(hostID string) {
	m.mu.Lock()
	p, ok := m.pools[hostID]
	delete(m.pools, hostID)
	m.mu.Unlock()
	if ok {
		p.Close()
	}
}

// Shutdown closes every pool
func (m *Manager) Shutdown() {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.pools = make(map[string]*Pool)
	m.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
}

func (m *Manager) pool(hostID string) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pools[hostID]; ok {
		return p, nil
	}

	host, err := m.resolver.Get(hostID)
	if err != nil {
		return nil, err
	}

	p := newPool(hostID, host.Endpoint, m.cfg, m.driver, m.reporter)
	m.pools[hostID] = p
	return p, nil
}
