package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/paddock-io/paddock/pkg/driver"
	"github.com/paddock-io/paddock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingReporter captures registry escalations from the pool
type recordingReporter struct {
	mu      sync.Mutex
	states  []types.HostState
	touches int
}

func (r *recordingReporter) SetState(hostID string, state types.HostState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return nil
}

func (r *recordingReporter) Touch(hostID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touches++
	return nil
}

func (r *recordingReporter) lastState() (types.HostState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return "", false
	}
	return r.states[len(r.states)-1], true
}

func newTestPool(t *testing.T, fake *driver.Fake, cfg Config) (*Pool, *recordingReporter) {
	t.Helper()
	reporter := &recordingReporter{}
	p := newPool("h1", "fake:///h1", cfg, fake, reporter)
	t.Cleanup(p.Close)
	return p, reporter
}

func TestCheckoutCreatesLazily(t *testing.T) {
	fake := driver.NewFake()
	fake.AddEndpoint("fake:///h1", types.Resources{VCPUs: 8})
	p, _ := newTestPool(t, fake, Config{MaxConnections: 4})

	assert.Equal(t, 0, fake.OpenCount("fake:///h1"))

	pc, err := p.Checkout(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fake.OpenCount("fake:///h1"))

	p.Checkin(pc)
	assert.Equal(t, 1, fake.OpenCount("fake:///h1"))

	// A second checkout reuses the idle connection
	pc2, err := p.Checkout(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fake.TotalOpens("fake:///h1"))
	p.Checkin(pc2)
}

// TestPoolBound asserts the pool never creates more than max live
// connections under concurrent checkout pressure, and that exhaustion
// yields PoolExhaustedError rather than unbounded growth.
func TestPoolBound(t *testing.T) {
	fake := driver.NewFake()
	fake.AddEndpoint("fake:///h1", types.Resources{VCPUs: 8})
	p, _ := newTestPool(t, fake, Config{MaxConnections: 3})

	var held []*Conn
	for i := 0; i < 3; i++ {
		pc, err := p.Checkout(context.Background())
		require.NoError(t, err)
		held = append(held, pc)
	}
	assert.Equal(t, 3, fake.OpenCount("fake:///h1"))

	// All busy: a fourth checkout times out with PoolExhausted
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Checkout(ctx)
	var exhausted *types.PoolExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Max)
	assert.Equal(t, 3, fake.OpenCount("fake:///h1"))

	// Returning one unblocks the next waiter
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		pc, err := p.Checkout(ctx)
		if err == nil {
			p.Checkin(pc)
		}
		done <- err
	}()
	p.Checkin(held[0])
	require.NoError(t, <-done)

	for _, pc := range held[1:] {
		p.Checkin(pc)
	}
	assert.LessOrEqual(t, fake.OpenCount("fake:///h1"), 3)
}

func TestConcurrentCheckoutPressure(t *testing.T) {
	fake := driver.NewFake()
	fake.AddEndpoint("fake:///h1", types.Resources{VCPUs: 8})
	p, _ := newTestPool(t, fake, Config{MaxConnections: 4})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			pc, err := p.Checkout(ctx)
			if err != nil {
				return
			}
			time.Sleep(time.Millisecond)
			p.Checkin(pc)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, fake.OpenCount("fake:///h1"), 4)
	m := p.Metrics()
	assert.LessOrEqual(t, m.Size, 4)
	assert.Equal(t, 0, m.Active)
}

func TestCheckinRecyclesExpired(t *testing.T) {
	fake := driver.NewFake()
	fake.AddEndpoint("fake:///h1", types.Resources{VCPUs: 8})
	p, _ := newTestPool(t, fake, Config{MaxConnections: 2, TTL: 20 * time.Millisecond})

	pc, err := p.Checkout(context.Background())
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	p.Checkin(pc)

	// Expired on return: closed, not pooled
	assert.Equal(t, 0, fake.OpenCount("fake:///h1"))

	// Replacement happens lazily on the next checkout
	pc2, err := p.Checkout(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, fake.TotalOpens("fake:///h1"))
	p.Checkin(pc2)
}

func TestCheckinClosesUnhealthy(t *testing.T) {
	fake := driver.NewFake()
	fake.AddEndpoint("fake:///h1", types.Resources{VCPUs: 8})
	p, _ := newTestPool(t, fake, Config{MaxConnections: 2})

	pc, err := p.Checkout(context.Background())
	require.NoError(t, err)

	fake.SetHealthError("fake:///h1", errors.New("connection reset"))
	p.Checkin(pc)
	assert.Equal(t, 0, fake.OpenCount("fake:///h1"))
	assert.GreaterOrEqual(t, p.Metrics().FailureCount, uint64(1))
}

func TestCheckoutFailsWhenUnreachable(t *testing.T) {
	fake := driver.NewFake()
	fake.AddEndpoint("fake:///h1", types.Resources{VCPUs: 8})
	fake.SetOpenError("fake:///h1", errors.New("connection refused"))
	p, _ := newTestPool(t, fake, Config{MaxConnections: 2})

	_, err := p.Checkout(context.Background())
	var unreachable *types.HostUnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, "h1", unreachable.HostID)
}

// TestEscalationAndRecovery walks the unreachable round trip: repeated
// failures escalate the host to Unreachable exactly once, and the first
// successful reconnect reports recovery.
func TestEscalationAndRecovery(t *testing.T) {
	fake := driver.NewFake()
	fake.AddEndpoint("fake:///h1", types.Resources{VCPUs: 8})
	fake.SetOpenError("fake:///h1", errors.New("connection refused"))

	p, reporter := newTestPool(t, fake, Config{
		MaxConnections:   2,
		HealthInterval:   5 * time.Millisecond,
		BackoffBase:      time.Millisecond,
		BackoffMax:       5 * time.Millisecond,
		FailureThreshold: 2,
	})

	require.Eventually(t, func() bool {
		state, ok := reporter.lastState()
		return ok && state == types.HostStateUnreachable
	}, time.Second, 5*time.Millisecond, "host never escalated to unreachable")
	assert.False(t, p.Healthy())

	// Escalation happens once, then backoff quiets the pool
	reporter.mu.Lock()
	unreachableCount := 0
	for _, s := range reporter.states {
		if s == types.HostStateUnreachable {
			unreachableCount++
		}
	}
	reporter.mu.Unlock()
	assert.Equal(t, 1, unreachableCount)

	// Endpoint comes back: the reconnect loop recovers the host
	fake.SetOpenError("fake:///h1", nil)
	require.Eventually(t, func() bool {
		state, ok := reporter.lastState()
		return ok && state == types.HostStateActive
	}, time.Second, 5*time.Millisecond, "host never recovered")
	assert.True(t, p.Healthy())
}

func TestHealthLoopEvictsFailedIdle(t *testing.T) {
	fake := driver.NewFake()
	fake.AddEndpoint("fake:///h1", types.Resources{VCPUs: 8})
	p, _ := newTestPool(t, fake, Config{
		MaxConnections:   2,
		MinConnections:   1,
		HealthInterval:   5 * time.Millisecond,
		BackoffBase:      time.Millisecond,
		FailureThreshold: 100, // keep escalation out of this test
	})

	pc, err := p.Checkout(context.Background())
	require.NoError(t, err)
	p.Checkin(pc)
	require.Equal(t, 1, fake.OpenCount("fake:///h1"))

	fake.SetHealthError("fake:///h1", errors.New("connection reset"))
	require.Eventually(t, func() bool {
		return p.Metrics().FailureCount >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestManagerMetricsAndClose(t *testing.T) {
	fake := driver.NewFake()
	fake.AddEndpoint("fake:///h1", types.Resources{VCPUs: 8})

	resolver := staticResolver{"h1": "fake:///h1"}
	mgr := NewManager(Config{MaxConnections: 2}, fake, resolver, &recordingReporter{})
	defer mgr.Shutdown()

	// No pool yet: healthy by default, zero metrics
	assert.True(t, mgr.Healthy("h1"))
	m, err := mgr.Metrics("h1")
	require.NoError(t, err)
	assert.Equal(t, types.PoolMetrics{}, m)

	pc, err := mgr.Checkout(context.Background(), "h1")
	require.NoError(t, err)
	mgr.Checkin(pc)

	m, err = mgr.Metrics("h1")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Size)
	assert.Equal(t, uint64(1), m.CheckoutCount)

	mgr.ClosePool("h1")
	assert.Equal(t, 0, fake.OpenCount("fake:///h1"))
}

type staticResolver map[string]string

func (r staticResolver) Get(hostID string) (*types.Host, error) {
	endpoint, ok := r[hostID]
	if !ok {
		return nil, types.ErrHostNotFound
	}
	return &types.Host{ID: hostID, Endpoint: endpoint}, nil
}
