package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/paddock-io/paddock/pkg/types"
)

// Fake is an in-memory Driver used by tests and simulation mode. Every
// failure mode the engine must handle (unreachable endpoint, failing
// health checks, incompatible targets, pre-copy and cutover failures)
// is injectable per endpoint.
type Fake struct {
	mu        sync.Mutex
	endpoints map[string]*fakeEndpoint

	// PrecopyDuration is how long a simulated live pre-copy takes
	// before converging. Zero means converge immediately.
	PrecopyDuration time.Duration
}

type fakeEndpoint struct {
	capacity   types.Resources
	openErr    error
	healthErr  error
	compatErr  error
	precopyErr error
	cutoverErr error

	open       int // live connections
	totalOpens int
}

// NewFake creates a fake driver with no endpoints. Open fails for any
// endpoint not added first.
func NewFake() *Fake {
	return &Fake{endpoints: make(map[string]*fakeEndpoint)}
}

// AddEndpoint registers an endpoint with the given declared capacity
func (f *Fake) AddEndpoint(endpoint string, capacity types.Resources) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoints[endpoint] = &fakeEndpoint{capacity: capacity}
}

// SetOpenError makes Open fail for endpoint; nil clears it
func (f *Fake) SetOpenError(endpoint string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ep, ok := f.endpoints[endpoint]; ok {
		ep.openErr = err
	}
}

// SetHealthError makes HealthCheck fail on all of endpoint's
// connections; nil clears it
func (f *Fake) SetHealthError(endpoint string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ep, ok := f.endpoints[endpoint]; ok {
		ep.healthErr = err
	}
}

// SetCompatError makes CheckCompat fail when endpoint is the source
func (f *Fake) SetCompatError(endpoint string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ep, ok := f.endpoints[endpoint]; ok {
		ep.compatErr = err
	}
}

// SetPrecopyError makes live migration tasks from endpoint fail during
// pre-copy
func (f *Fake) SetPrecopyError(endpoint string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ep, ok := f.endpoints[endpoint]; ok {
		ep.precopyErr = err
	}
}

// SetCutoverError makes Cutover fail for migrations from endpoint. Pass
// a *PartialCompletionError to simulate an ambiguous outcome.
func (f *Fake) SetCutoverError(endpoint string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ep, ok := f.endpoints[endpoint]; ok {
		ep.cutoverErr = err
	}
}

// OpenCount returns the number of currently open connections to
// endpoint
func (f *Fake) OpenCount(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ep, ok := f.endpoints[endpoint]; ok {
		return ep.open
	}
	return 0
}

// TotalOpens returns how many connections were ever opened to endpoint
func (f *Fake) TotalOpens(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ep, ok := f.endpoints[endpoint]; ok {
		return ep.totalOpens
	}
	return 0
}

// Open implements Driver
func (f *Fake) Open(ctx context.Context, endpoint string) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ep, ok := f.endpoints[endpoint]
	if !ok {
		return nil, fmt.Errorf("no hypervisor at %s", endpoint)
	}
	if ep.openErr != nil {
		return nil, ep.openErr
	}
	ep.open++
	ep.totalOpens++
	return &fakeConn{fake: f, endpoint: endpoint, ep: ep}, nil
}

type fakeConn struct {
	fake     *Fake
	endpoint string
	ep       *fakeEndpoint

	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) HealthCheck(ctx context.Context) error {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	return c.ep.healthErr
}

func (c *fakeConn) Capacity(ctx context.Context) (types.Resources, error) {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	return c.ep.capacity, nil
}

func (c *fakeConn) CheckCompat(ctx context.Context, workload *types.Workload, targetEndpoint string) error {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	if _, ok := c.fake.endpoints[targetEndpoint]; !ok {
		return fmt.Errorf("target %s not reachable from %s", targetEndpoint, c.endpoint)
	}
	return c.ep.compatErr
}

func (c *fakeConn) BeginLiveMigration(ctx context.Context, workload *types.Workload, targetEndpoint string) (MigrationTask, error) {
	c.fake.mu.Lock()
	precopyErr := c.ep.precopyErr
	cutoverErr := c.ep.cutoverErr
	duration := c.fake.PrecopyDuration
	c.fake.mu.Unlock()

	task := &fakeTask{
		progress:   make(chan Progress, 8),
		done:       make(chan struct{}),
		cutoverErr: cutoverErr,
	}

	go task.run(ctx, duration, precopyErr)
	return task, nil
}

func (c *fakeConn) OfflineMigrate(ctx context.Context, workload *types.Workload, targetEndpoint string) error {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	if c.ep.precopyErr != nil {
		return c.ep.precopyErr
	}
	if c.ep.cutoverErr != nil {
		return c.ep.cutoverErr
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.fake.mu.Lock()
	c.ep.open--
	c.fake.mu.Unlock()
	return nil
}

type fakeTask struct {
	progress   chan Progress
	done       chan struct{}
	cutoverErr error

	mu      sync.Mutex
	err     error
	aborted bool
}

func (t *fakeTask) run(ctx context.Context, duration time.Duration, precopyErr error) {
	defer close(t.done)
	defer close(t.progress)

	steps := []int{25, 50, 75, 100}
	for _, pct := range steps {
		if duration > 0 {
			select {
			case <-time.After(duration / time.Duration(len(steps))):
			case <-ctx.Done():
				t.setErr(ctx.Err())
				return
			}
		}
		t.mu.Lock()
		aborted := t.aborted
		t.mu.Unlock()
		if aborted {
			t.setErr(context.Canceled)
			return
		}
		select {
		case t.progress <- Progress{Percent: pct}:
		default:
		}
	}

	if precopyErr != nil {
		t.setErr(precopyErr)
	}
}

func (t *fakeTask) setErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

func (t *fakeTask) Progress() <-chan Progress { return t.progress }
func (t *fakeTask) Done() <-chan struct{}     { return t.done }

func (t *fakeTask) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *fakeTask) Cutover(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	return t.cutoverErr
}

func (t *fakeTask) Abort(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aborted = true
	return nil
}
