package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paddock-io/paddock/pkg/driver"
	"github.com/paddock-io/paddock/pkg/events"
	"github.com/paddock-io/paddock/pkg/log"
	"github.com/paddock-io/paddock/pkg/metrics"
	"github.com/paddock-io/paddock/pkg/storage"
	"github.com/paddock-io/paddock/pkg/types"
	"github.com/rs/zerolog"
)

// fallbackCapacity is used when a newly registered host declares no
// capacity and the driver probe fails
var fallbackCapacity = types.Resources{VCPUs: 4, MemoryMiB: 8192, DiskGiB: 100}

// hostTransitions is the validated host state transition table
var hostTransitions = map[types.HostState][]types.HostState{
	types.HostStateActive:      {types.HostStateDraining, types.HostStateUnreachable},
	types.HostStateDraining:    {types.HostStateMaintenance, types.HostStateActive},
	types.HostStateMaintenance: {types.HostStateActive},
	types.HostStateUnreachable: {types.HostStateActive},
}

// Registry is the authoritative record of known hosts. All mutation is
// linearized per host id; reads are served from the store directly.
type Registry struct {
	store  storage.Store
	driver driver.Driver
	sink   events.Sink
	logger zerolog.Logger

	locks sync.Map // host id -> *sync.Mutex
}

// RegisterRequest describes a host to add to the pool
type RegisterRequest struct {
	Endpoint string
	Name     string
	Labels   map[string]string
	Capacity types.Resources // zero value: probe the driver
}

// New creates a registry backed by store. The driver is used only to
// probe capacity at registration time.
func New(store storage.Store, drv driver.Driver, sink events.Sink) *Registry {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Registry{
		store:  store,
		driver: drv,
		sink:   sink,
		logger: log.WithComponent("registry"),
	}
}

// lockHost returns the mutex that linearizes mutations for a host id
func (r *Registry) lockHost(id string) *sync.Mutex {
	mu, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Register adds a new host. When the request declares no capacity the
// driver is probed; if the probe fails a conservative default is
// recorded so the host is still usable once reachable.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*types.Host, error) {
	if req.Endpoint == "" {
		return nil, fmt.Errorf("host endpoint is required")
	}

	capacity := req.Capacity
	if capacity.IsZero() {
		capacity = r.probeCapacity(ctx, req.Endpoint)
	}

	host := &types.Host{
		ID:        uuid.New().String(),
		Endpoint:  req.Endpoint,
		Name:      req.Name,
		Labels:    req.Labels,
		Capacity:  capacity,
		State:     types.HostStateActive,
		CreatedAt: time.Now(),
	}
	if host.Labels == nil {
		host.Labels = map[string]string{}
	}

	if err := r.store.CreateHost(host); err != nil {
		return nil, fmt.Errorf("failed to persist host: %w", err)
	}

	r.logger.Info().
		Str("host_id", host.ID).
		Str("endpoint", metrics.ScrubEndpoint(host.Endpoint)).
		Int64("vcpus", capacity.VCPUs).
		Int64("memory_mib", capacity.MemoryMiB).
		Msg("host registered")
	metrics.HostsTotal.WithLabelValues(string(host.State)).Inc()
	r.sink.Emit(events.EventHostRegistered, host.ID, map[string]string{"name": host.Name})

	return host, nil
}

// probeCapacity asks the driver for the host's declared capacity
func (r *Registry) probeCapacity(ctx context.Context, endpoint string) types.Resources {
	conn, err := r.driver.Open(ctx, endpoint)
	if err != nil {
		r.logger.Warn().Err(err).Str("endpoint", metrics.ScrubEndpoint(endpoint)).
			Msg("capacity probe failed, using fallback")
		return fallbackCapacity
	}
	defer conn.Close()

	capacity, err := conn.Capacity(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Str("endpoint", metrics.ScrubEndpoint(endpoint)).
			Msg("capacity query failed, using fallback")
		return fallbackCapacity
	}
	return capacity
}

// Deregister removes a host. It fails with HostInUseError while any
// workload is placed on the host.
func (r *Registry) Deregister(hostID string) error {
	mu := r.lockHost(hostID)
	mu.Lock()
	defer mu.Unlock()

	host, err := r.store.GetHost(hostID)
	if err != nil {
		return err
	}

	placements, err := r.store.ListPlacementsByHost(hostID)
	if err != nil {
		return fmt.Errorf("failed to list placements: %w", err)
	}
	if len(placements) > 0 {
		ids := make([]string, 0, len(placements))
		for _, p := range placements {
			ids = append(ids, p.WorkloadID)
		}
		return &types.HostInUseError{HostID: hostID, Workloads: ids}
	}

	if err := r.store.DeleteHost(hostID); err != nil {
		return err
	}

	metrics.HostsTotal.WithLabelValues(string(host.State)).Dec()
	r.logger.Info().Str("host_id", hostID).Msg("host deregistered")
	r.sink.Emit(events.EventHostDeregistered, hostID, nil)
	return nil
}

// Get returns a host by id
func (r *Registry) Get(hostID string) (*types.Host, error) {
	return r.store.GetHost(hostID)
}

// List returns hosts matching the selector; a nil selector matches all
func (r *Registry) List(selector types.LabelSelector) ([]*types.Host, error) {
	hosts, err := r.store.ListHosts()
	if err != nil {
		return nil, err
	}
	if len(selector) == 0 {
		return hosts, nil
	}

	var matched []*types.Host
	for _, h := range hosts {
		if selector.Matches(h.Labels) {
			matched = append(matched, h)
		}
	}
	return matched, nil
}

// SetState transitions a host's lifecycle state. Transitions outside
// the table fail with InvalidStateTransitionError; setting the current
// state is a no-op.
func (r *Registry) SetState(hostID string, to types.HostState) error {
	mu := r.lockHost(hostID)
	mu.Lock()
	defer mu.Unlock()

	host, err := r.store.GetHost(hostID)
	if err != nil {
		return err
	}
	if host.State == to {
		return nil
	}

	if !transitionAllowed(host.State, to) {
		return &types.InvalidStateTransitionError{
			Kind: "host",
			ID:   hostID,
			From: string(host.State),
			To:   string(to),
		}
	}

	from := host.State
	host.State = to
	if err := r.store.UpdateHost(host); err != nil {
		return err
	}
	metrics.HostsTotal.WithLabelValues(string(from)).Dec()
	metrics.HostsTotal.WithLabelValues(string(to)).Inc()

	r.logger.Info().
		Str("host_id", hostID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("host state changed")

	switch {
	case to == types.HostStateUnreachable:
		r.sink.Emit(events.EventHostUnreachable, hostID, nil)
	case from == types.HostStateUnreachable && to == types.HostStateActive:
		r.sink.Emit(events.EventHostRecovered, hostID, nil)
	}
	return nil
}

// Touch records a successful health check for a host
func (r *Registry) Touch(hostID string) error {
	mu := r.lockHost(hostID)
	mu.Lock()
	defer mu.Unlock()

	host, err := r.store.GetHost(hostID)
	if err != nil {
		return err
	}
	host.LastSeen = time.Now()
	return r.store.UpdateHost(host)
}

// UpdateLabels replaces a host's label set
func (r *Registry) UpdateLabels(hostID string, labels map[string]string) error {
	mu := r.lockHost(hostID)
	mu.Lock()
	defer mu.Unlock()

	host, err := r.store.GetHost(hostID)
	if err != nil {
		return err
	}
	if labels == nil {
		labels = map[string]string{}
	}
	host.Labels = labels
	return r.store.UpdateHost(host)
}

func transitionAllowed(from, to types.HostState) bool {
	for _, allowed := range hostTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
