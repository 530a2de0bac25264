package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paddock-io/paddock/pkg/driver"
	"github.com/paddock-io/paddock/pkg/log"
	"github.com/paddock-io/paddock/pkg/metrics"
	"github.com/paddock-io/paddock/pkg/types"
	"github.com/rs/zerolog"
)

// Config holds per-host pool tuning
type Config struct {
	MinConnections   int
	MaxConnections   int
	TTL              time.Duration
	HealthInterval   time.Duration
	ProbeTimeout     time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	FailureThreshold int // consecutive all-connection failures before escalating
}

// DefaultConfig mirrors the tuning the engine ships with
func DefaultConfig() Config {
	return Config{
		MinConnections:   1,
		MaxConnections:   10,
		TTL:              5 * time.Minute,
		HealthInterval:   time.Minute,
		ProbeTimeout:     5 * time.Second,
		BackoffBase:      time.Second,
		BackoffMax:       time.Minute,
		FailureThreshold: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinConnections <= 0 {
		c.MinConnections = d.MinConnections
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	return c
}

// Conn is a pooled driver connection. Callers must Checkin every
// checked-out Conn before blocking on anything else.
type Conn struct {
	conn      driver.Conn
	hostID    string
	createdAt time.Time
	lastUsed  time.Time
}

// Driver returns the underlying driver connection
func (c *Conn) Driver() driver.Conn { return c.conn }

// HostID returns the host this connection belongs to
func (c *Conn) HostID() string { return c.hostID }

// Pool is a bounded pool of driver connections to one host. Connections
// are created lazily on checkout, recycled at TTL expiry or on health
// check failure, and replaced lazily on the next checkout.
type Pool struct {
	hostID   string
	endpoint string
	cfg      Config
	driver   driver.Driver
	registry StateReporter
	logger   zerolog.Logger

	idle    chan *Conn
	permits chan struct{} // free slots; a live conn holds one permit

	active     atomic.Int64
	checkouts  atomic.Uint64
	failures   atomic.Uint64
	reconnects atomic.Uint64

	mu          sync.Mutex
	down        bool // escalated to registry as unreachable
	consecFails int
	backoff     time.Duration
	nextAttempt time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// StateReporter is the slice of the registry the pool escalates to
type StateReporter interface {
	SetState(hostID string, state types.HostState) error
	Touch(hostID string) error
}

// newPool creates and starts a pool for one host
func newPool(hostID, endpoint string, cfg Config, drv driver.Driver, reg StateReporter) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		hostID:   hostID,
		endpoint: endpoint,
		cfg:      cfg,
		driver:   drv,
		registry: reg,
		logger:   log.WithComponent("pool").With().Str("host_id", hostID).Logger(),
		idle:     make(chan *Conn, cfg.MaxConnections),
		permits:  make(chan struct{}, cfg.MaxConnections),
		backoff:  cfg.BackoffBase,
		stopCh:   make(chan struct{}),
	}
	for i := 0; i < cfg.MaxConnections; i++ {
		p.permits <- struct{}{}
	}

	p.wg.Add(1)
	go p.healthLoop()
	return p
}

// Checkout returns a healthy connection, creating one if the pool is
// below max and none is idle. It blocks until the context expires, then
// fails with PoolExhaustedError.
func (p *Pool) Checkout(ctx context.Context) (*Conn, error) {
	for {
		select {
		case <-p.stopCh:
			return nil, &types.HostUnreachableError{HostID: p.hostID, Endpoint: p.endpoint, Err: context.Canceled}
		default:
		}

		// Prefer an idle connection
		select {
		case pc := <-p.idle:
			if p.stale(pc) {
				p.discard(pc)
				continue
			}
			return p.lease(pc), nil
		default:
		}

		select {
		case pc := <-p.idle:
			if p.stale(pc) {
				p.discard(pc)
				continue
			}
			return p.lease(pc), nil
		case <-p.permits:
			pc, err := p.dial(ctx)
			if err != nil {
				p.permits <- struct{}{}
				p.noteFailure(err)
				return nil, &types.HostUnreachableError{HostID: p.hostID, Endpoint: p.endpoint, Err: err}
			}
			return p.lease(pc), nil
		case <-ctx.Done():
			return nil, &types.PoolExhaustedError{HostID: p.hostID, Max: p.cfg.MaxConnections}
		case <-p.stopCh:
			return nil, &types.HostUnreachableError{HostID: p.hostID, Endpoint: p.endpoint, Err: context.Canceled}
		}
	}
}

// Checkin returns a connection to the idle set. Expired or unhealthy
// connections are closed instead; replacement happens lazily on the
// next checkout.
func (p *Pool) Checkin(pc *Conn) {
	p.active.Add(-1)
	metrics.PoolActive.WithLabelValues(p.hostID).Dec()

	if time.Since(pc.createdAt) > p.cfg.TTL {
		p.discard(pc)
		return
	}

	probeCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	err := pc.conn.HealthCheck(probeCtx)
	cancel()
	if err != nil {
		p.failures.Add(1)
		metrics.PoolFailures.WithLabelValues(p.hostID).Inc()
		p.discard(pc)
		return
	}

	pc.lastUsed = time.Now()
	select {
	case p.idle <- pc:
	default:
		p.discard(pc)
	}
}

// lease marks a connection checked out
func (p *Pool) lease(pc *Conn) *Conn {
	pc.lastUsed = time.Now()
	p.active.Add(1)
	p.checkouts.Add(1)
	metrics.PoolActive.WithLabelValues(p.hostID).Inc()
	metrics.PoolCheckouts.WithLabelValues(p.hostID).Inc()
	return pc
}

// dial opens a new connection; the caller already holds a permit
func (p *Pool) dial(ctx context.Context) (*Conn, error) {
	conn, err := p.driver.Open(ctx, p.endpoint)
	if err != nil {
		return nil, err
	}
	p.noteSuccess()
	now := time.Now()
	pc := &Conn{conn: conn, hostID: p.hostID, createdAt: now, lastUsed: now}
	metrics.PoolSize.WithLabelValues(p.hostID).Set(float64(p.size()))
	return pc, nil
}

// stale reports whether an idle connection has outlived its TTL
func (p *Pool) stale(pc *Conn) bool {
	return time.Since(pc.createdAt) > p.cfg.TTL
}

// discard closes a connection and frees its permit
func (p *Pool) discard(pc *Conn) {
	if err := pc.conn.Close(); err != nil {
		p.logger.Debug().Err(err).Msg("error closing connection")
	}
	p.permits <- struct{}{}
	metrics.PoolSize.WithLabelValues(p.hostID).Set(float64(p.size()))
}

// size is the number of live connections (permits not held by the pool)
func (p *Pool) size() int {
	return p.cfg.MaxConnections - len(p.permits)
}

// Healthy reports whether the pool believes the host is reachable
func (p *Pool) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.down
}

// Metrics returns a snapshot of the pool counters
func (p *Pool) Metrics() types.PoolMetrics {
	return types.PoolMetrics{
		Size:           p.size(),
		Active:         int(p.active.Load()),
		CheckoutCount:  p.checkouts.Load(),
		FailureCount:   p.failures.Load(),
		ReconnectCount: p.reconnects.Load(),
	}
}

// Close shuts the pool down, closing every idle connection. Checked-out
// connections are closed as they are discarded by callers.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	for {
		select {
		case pc := <-p.idle:
			pc.conn.Close()
			p.permits <- struct{}{}
		default:
			metrics.PoolSize.WithLabelValues(p.hostID).Set(0)
			return
		}
	}
}

// healthLoop probes idle connections on a fixed interval, evicts
// failures, and drives reconnect-with-backoff when the pool is empty
func (p *Pool) healthLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.probeIdle()
			p.reconnect()
		case <-p.stopCh:
			return
		}
	}
}

// probeIdle health-checks every idle connection and evicts failures
func (p *Pool) probeIdle() {
	var conns []*Conn
drain:
	for {
		select {
		case pc := <-p.idle:
			conns = append(conns, pc)
		default:
			break drain
		}
	}

	healthy := 0
	for _, pc := range conns {
		if p.stale(pc) {
			p.discard(pc)
			continue
		}
		probeCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
		err := pc.conn.HealthCheck(probeCtx)
		cancel()
		if err != nil {
			p.logger.Debug().Err(err).Msg("idle connection failed health check")
			p.failures.Add(1)
			metrics.PoolFailures.WithLabelValues(p.hostID).Inc()
			p.discard(pc)
			continue
		}
		healthy++
		select {
		case p.idle <- pc:
		default:
			p.discard(pc)
		}
	}

	if len(conns) > 0 && healthy == 0 {
		p.noteFailure(nil)
	} else if healthy > 0 {
		p.noteSuccess()
		if err := p.registry.Touch(p.hostID); err != nil {
			p.logger.Debug().Err(err).Msg("failed to record health check")
		}
	}
}

// reconnect tops the pool back up to min connections, honoring the
// backoff window while the host keeps failing
func (p *Pool) reconnect() {
	if p.size() >= p.cfg.MinConnections {
		return
	}

	p.mu.Lock()
	wait := time.Until(p.nextAttempt)
	p.mu.Unlock()
	if wait > 0 {
		return
	}

	select {
	case <-p.permits:
	default:
		return
	}

	p.reconnects.Add(1)
	metrics.PoolReconnects.WithLabelValues(p.hostID).Inc()

	dialCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	pc, err := p.dial(dialCtx)
	cancel()
	if err != nil {
		p.permits <- struct{}{}
		p.failures.Add(1)
		metrics.PoolFailures.WithLabelValues(p.hostID).Inc()
		p.noteFailure(err)
		return
	}

	select {
	case p.idle <- pc:
	default:
		p.discard(pc)
	}
}

// noteSuccess resets backoff and, if the host had been escalated as
// unreachable, reports the recovery
func (p *Pool) noteSuccess() {
	p.mu.Lock()
	wasDown := p.down
	p.down = false
	p.consecFails = 0
	p.backoff = p.cfg.BackoffBase
	p.nextAttempt = time.Time{}
	p.mu.Unlock()

	if wasDown {
		p.logger.Info().Msg("host reachable again")
		if err := p.registry.SetState(p.hostID, types.HostStateActive); err != nil {
			p.logger.Warn().Err(err).Msg("failed to mark host active")
		}
		if err := p.registry.Touch(p.hostID); err != nil {
			p.logger.Debug().Err(err).Msg("failed to record health check")
		}
	}
}

// noteFailure doubles the backoff window and escalates to the registry
// once the failure threshold is crossed. Escalation happens once; the
// backoff keeps the pool from storming an already-unreachable host.
func (p *Pool) noteFailure(err error) {
	p.mu.Lock()
	p.consecFails++
	p.nextAttempt = time.Now().Add(p.backoff)
	p.backoff *= 2
	if p.backoff > p.cfg.BackoffMax {
		p.backoff = p.cfg.BackoffMax
	}
	escalate := p.consecFails >= p.cfg.FailureThreshold && !p.down
	if escalate {
		p.down = true
	}
	p.mu.Unlock()

	if escalate {
		p.logger.Warn().Err(err).Int("failures", p.cfg.FailureThreshold).
			Msg("escalating host to unreachable")
		if serr := p.registry.SetState(p.hostID, types.HostStateUnreachable); serr != nil {
			p.logger.Warn().Err(serr).Msg("failed to mark host unreachable")
		}
	}
}
