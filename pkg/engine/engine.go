package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/paddock-io/paddock/pkg/capacity"
	"github.com/paddock-io/paddock/pkg/driver"
	"github.com/paddock-io/paddock/pkg/events"
	"github.com/paddock-io/paddock/pkg/log"
	"github.com/paddock-io/paddock/pkg/maintenance"
	"github.com/paddock-io/paddock/pkg/migration"
	"github.com/paddock-io/paddock/pkg/pool"
	"github.com/paddock-io/paddock/pkg/registry"
	"github.com/paddock-io/paddock/pkg/scheduler"
	"github.com/paddock-io/paddock/pkg/storage"
	"github.com/paddock-io/paddock/pkg/types"
	"github.com/rs/zerolog"
)

// Config aggregates tuning for every engine component
type Config struct {
	Pool        pool.Config        `yaml:"pool"`
	Migration   migration.Config   `yaml:"migration"`
	Maintenance maintenance.Config `yaml:"maintenance"`
	Overcommit  capacity.Overcommit `yaml:"overcommit"`
}

// Engine is the host orchestration core. It owns the registry, capacity
// tracker, connection pools, scheduler, migration coordinator, and
// maintenance controller, and exposes the operations the API layer
// builds on. Engines are self-contained: multiple instances can coexist
// in one process.
type Engine struct {
	store  storage.Store
	driver driver.Driver
	sink   events.Sink
	logger zerolog.Logger

	registry    *registry.Registry
	tracker     *capacity.Tracker
	pools       *pool.Manager
	scheduler   *scheduler.Scheduler
	coordinator *migration.Coordinator
	maintenance *maintenance.Controller
}

// New constructs an engine on top of the given store, driver, and event
// sink, rebuilding capacity accounting from persisted placements.
func New(cfg Config, store storage.Store, drv driver.Driver, sink events.Sink) (*Engine, error) {
	if sink == nil {
		sink = events.NopSink{}
	}

	reg := registry.New(store, drv, sink)
	tracker := capacity.NewTracker(cfg.Overcommit)
	pools := pool.NewManager(cfg.Pool, drv, reg, reg)
	sched := scheduler.New(reg, tracker, pools)
	coord := migration.NewCoordinator(cfg.Migration, reg, tracker, pools, sched, store, sink)
	maint := maintenance.NewController(cfg.Maintenance, reg, coord, store, sink)

	e := &Engine{
		store:       store,
		driver:      drv,
		sink:        sink,
		logger:      log.WithComponent("engine"),
		registry:    reg,
		tracker:     tracker,
		pools:       pools,
		scheduler:   sched,
		coordinator: coord,
		maintenance: maint,
	}

	if err := e.restore(); err != nil {
		return nil, err
	}
	return e, nil
}

// restore rebuilds the in-memory capacity counters from the store
func (e *Engine) restore() error {
	hosts, err := e.store.ListHosts()
	if err != nil {
		return fmt.Errorf("failed to load hosts: %w", err)
	}
	for _, h := range hosts {
		e.tracker.AddHost(h.ID, h.Capacity)
	}

	placements, err := e.store.ListPlacements()
	if err != nil {
		return fmt.Errorf("failed to load placements: %w", err)
	}
	for _, p := range placements {
		if err := e.tracker.Reserve(p.HostID, p.Resources); err != nil {
			// An overcommitted record can only come from a config
			// change (lowered overcommit factor); surface it, keep the
			// placement.
			e.logger.Warn().Err(err).
				Str("workload_id", p.WorkloadID).
				Str("host_id", p.HostID).
				Msg("persisted placement exceeds current capacity")
			continue
		}
		if err := e.tracker.Commit(p.HostID, p.Resources); err != nil {
			return err
		}
	}
	return nil
}

// RegisterHost adds a host to the pool
func (e *Engine) RegisterHost(ctx context.Context, req registry.RegisterRequest) (*types.Host, error) {
	host, err := e.registry.Register(ctx, req)
	if err != nil {
		return nil, err
	}
	e.tracker.AddHost(host.ID, host.Capacity)
	return host, nil
}

// DeregisterHost removes a host. Fails with HostInUseError while any
// workload remains placed there.
func (e *Engine) DeregisterHost(hostID string) error {
	if err := e.registry.Deregister(hostID); err != nil {
		return err
	}
	// Connections must not outlive the host record
	e.pools.ClosePool(hostID)
	e.tracker.RemoveHost(hostID)
	return nil
}

// GetHost returns a host by id
func (e *Engine) GetHost(hostID string) (*types.Host, error) {
	return e.registry.Get(hostID)
}

// ListHosts returns hosts matching the selector; nil matches all
func (e *Engine) ListHosts(selector types.LabelSelector) ([]*types.Host, error) {
	return e.registry.List(selector)
}

// GetAllocation returns the live capacity accounting for a host
func (e *Engine) GetAllocation(hostID string) (capacity.Allocation, error) {
	alloc, ok := e.tracker.Get(hostID)
	if !ok {
		return capacity.Allocation{}, types.ErrHostNotFound
	}
	return alloc, nil
}

// PlaceWorkload schedules a new workload and records its placement,
// returning the chosen host id
func (e *Engine) PlaceWorkload(workload *types.Workload, selector types.LabelSelector) (string, error) {
	hostID, err := e.scheduler.PlaceNew(workload.Requires, selector)
	if err != nil {
		return "", err
	}

	placement := &types.Placement{
		WorkloadID: workload.ID,
		HostID:     hostID,
		Resources:  workload.Requires,
		CreatedAt:  time.Now(),
	}
	if err := e.store.CreatePlacement(placement); err != nil {
		// The reservation is still provisional; give it back
		if uerr := e.tracker.Unreserve(hostID, workload.Requires); uerr != nil {
			e.logger.Error().Err(uerr).Str("host_id", hostID).
				Msg("failed to release reservation after placement error")
		}
		return "", fmt.Errorf("failed to persist placement: %w", err)
	}

	if err := e.tracker.Commit(hostID, workload.Requires); err != nil {
		return "", err
	}

	e.sink.Emit(events.EventSystemPlaced, hostID, map[string]string{"workload_id": workload.ID})
	return hostID, nil
}

// RemoveWorkload deletes a workload's placement and releases its
// allocation. Rejected while the workload is mid-migration.
func (e *Engine) RemoveWorkload(workloadID string) error {
	if id, ok := e.coordinator.InFlight(workloadID); ok {
		return &types.MigrationInProgressError{WorkloadID: workloadID, MigrationID: id}
	}

	placement, err := e.store.GetPlacement(workloadID)
	if err != nil {
		return err
	}
	if err := e.store.DeletePlacement(workloadID); err != nil {
		return err
	}
	if err := e.tracker.Release(placement.HostID, placement.Resources); err != nil {
		return err
	}

	e.sink.Emit(events.EventSystemRemoved, placement.HostID, map[string]string{"workload_id": workloadID})
	return nil
}

// MigrateWorkload starts a migration of workloadID to targetHostID, or
// to a scheduler-chosen host when targetHostID is empty. It returns the
// migration id immediately; progress is observed via
// GetMigrationStatus.
func (e *Engine) MigrateWorkload(ctx context.Context, workloadID, targetHostID string, mode types.MigrationMode) (string, error) {
	placement, err := e.store.GetPlacement(workloadID)
	if err != nil {
		return "", err
	}

	return e.coordinator.Start(ctx, migration.Request{
		Workload: &types.Workload{
			ID:       workloadID,
			Requires: placement.Resources,
		},
		TargetHostID: targetHostID,
		Mode:         mode,
	})
}

// GetMigrationStatus returns a migration record by id
func (e *Engine) GetMigrationStatus(migrationID string) (*types.Migration, error) {
	return e.coordinator.Status(migrationID)
}

// AwaitMigration blocks until the migration reaches a terminal state
// or the context expires
func (e *Engine) AwaitMigration(ctx context.Context, migrationID string) (*types.Migration, error) {
	return e.coordinator.Await(ctx, migrationID)
}

// ListMigrations returns migration records, newest first, optionally
// filtered by workload
func (e *Engine) ListMigrations(workloadID string, limit int) ([]*types.Migration, error) {
	return e.coordinator.List(workloadID, limit)
}

// CancelMigration requests cancellation of a running migration
func (e *Engine) CancelMigration(migrationID string) error {
	return e.coordinator.Cancel(migrationID)
}

// PruneMigrations deletes terminal migration records older than the
// cutoff, returning how many were removed
func (e *Engine) PruneMigrations(olderThan time.Time) (int, error) {
	return e.coordinator.Prune(olderThan)
}

// EnterMaintenance drains a host and marks it Maintenance. See
// maintenance.Controller.Enter for partial-failure semantics.
func (e *Engine) EnterMaintenance(ctx context.Context, hostID string) (*types.EvacuationReport, error) {
	return e.maintenance.Enter(ctx, hostID)
}

// ExitMaintenance returns a host to Active
func (e *Engine) ExitMaintenance(hostID string) error {
	return e.maintenance.Exit(hostID)
}

// GetPoolMetrics returns the connection pool counters for a host
func (e *Engine) GetPoolMetrics(hostID string) (types.PoolMetrics, error) {
	if _, err := e.registry.Get(hostID); err != nil {
		return types.PoolMetrics{}, err
	}
	return e.pools.Metrics(hostID)
}

// Close waits for in-flight migrations and shuts down every connection
// pool. The store is owned by the caller and is not closed.
func (e *Engine) Close() {
	e.coordinator.Shutdown()
	e.pools.Shutdown()
}
