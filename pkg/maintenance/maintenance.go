package maintenance

import (
	"context"
	"sync"

	"github.com/paddock-io/paddock/pkg/events"
	"github.com/paddock-io/paddock/pkg/log"
	"github.com/paddock-io/paddock/pkg/migration"
	"github.com/paddock-io/paddock/pkg/registry"
	"github.com/paddock-io/paddock/pkg/storage"
	"github.com/paddock-io/paddock/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config holds maintenance tuning
type Config struct {
	// Concurrency bounds how many workloads are evacuated at a time,
	// limiting burst load on target hosts.
	Concurrency int
	// Mode is the migration mode used for evacuations.
	Mode types.MigrationMode
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.Mode == "" {
		c.Mode = types.MigrationModeLive
	}
	return c
}

// Controller drains hosts for maintenance and brings them back
type Controller struct {
	cfg         Config
	registry    *registry.Registry
	coordinator *migration.Coordinator
	store       storage.Store
	sink        events.Sink
	logger      zerolog.Logger
}

// NewController creates a maintenance controller
func NewController(cfg Config, reg *registry.Registry, coord *migration.Coordinator,
	store storage.Store, sink events.Sink) *Controller {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Controller{
		cfg:         cfg.withDefaults(),
		registry:    reg,
		coordinator: coord,
		store:       store,
		sink:        sink,
		logger:      log.WithComponent("maintenance"),
	}
}

// Enter drains a host: it transitions Active→Draining, migrates every
// resident workload to scheduler-chosen targets, then transitions
// Draining→Maintenance. If any evacuation fails the host stays Draining
// and the report names the workloads left behind; the caller decides
// whether to retry or abort.
func (c *Controller) Enter(ctx context.Context, hostID string) (*types.EvacuationReport, error) {
	if err := c.registry.SetState(hostID, types.HostStateDraining); err != nil {
		return nil, err
	}

	placements, err := c.store.ListPlacementsByHost(hostID)
	if err != nil {
		return nil, err
	}

	report := &types.EvacuationReport{
		HostID: hostID,
		Failed: make(map[string]string),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)

	for _, p := range placements {
		placement := p
		g.Go(func() error {
			reason := c.evacuate(gctx, placement)

			mu.Lock()
			defer mu.Unlock()
			if reason == "" {
				report.Evacuated = append(report.Evacuated, placement.WorkloadID)
			} else {
				report.Failed[placement.WorkloadID] = reason
			}
			// Evacuation failures are collected, not propagated: one
			// stuck workload must not cancel the others.
			return nil
		})
	}
	g.Wait()

	if !report.Succeeded() {
		c.logger.Warn().
			Str("host_id", hostID).
			Int("evacuated", len(report.Evacuated)).
			Int("failed", len(report.Failed)).
			Msg("drain incomplete, host stays draining")
		return report, nil
	}

	if err := c.registry.SetState(hostID, types.HostStateMaintenance); err != nil {
		return report, err
	}

	c.logger.Info().
		Str("host_id", hostID).
		Int("evacuated", len(report.Evacuated)).
		Msg("host entered maintenance")
	c.sink.Emit(events.EventHostMaintenanceEntered, hostID, nil)
	return report, nil
}

// evacuate migrates one workload off the draining host, returning a
// failure reason or "" on success
func (c *Controller) evacuate(ctx context.Context, placement *types.Placement) string {
	workload := &types.Workload{
		ID:       placement.WorkloadID,
		Requires: placement.Resources,
	}

	id, err := c.coordinator.Start(ctx, migration.Request{
		Workload: workload,
		Mode:     c.cfg.Mode,
	})
	if err != nil {
		return err.Error()
	}

	record, err := c.coordinator.Await(ctx, id)
	if err != nil {
		return err.Error()
	}
	if record.State != types.MigrationStateCompleted {
		return record.FailureReason
	}
	return ""
}

// Exit transitions a host Maintenance→Active, making it eligible for
// the scheduler again. Nothing migrates back automatically.
func (c *Controller) Exit(hostID string) error {
	if err := c.registry.SetState(hostID, types.HostStateActive); err != nil {
		return err
	}

	c.logger.Info().Str("host_id", hostID).Msg("host exited maintenance")
	c.sink.Emit(events.EventHostMaintenanceExited, hostID, nil)
	return nil
}
