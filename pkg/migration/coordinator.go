package migration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paddock-io/paddock/pkg/capacity"
	"github.com/paddock-io/paddock/pkg/driver"
	"github.com/paddock-io/paddock/pkg/events"
	"github.com/paddock-io/paddock/pkg/log"
	"github.com/paddock-io/paddock/pkg/metrics"
	"github.com/paddock-io/paddock/pkg/pool"
	"github.com/paddock-io/paddock/pkg/registry"
	"github.com/paddock-io/paddock/pkg/scheduler"
	"github.com/paddock-io/paddock/pkg/storage"
	"github.com/paddock-io/paddock/pkg/types"
	"github.com/rs/zerolog"
)

// migrationTransitions is the validated migration state machine. Failed
// is additionally reachable from every non-terminal state.
var migrationTransitions = map[types.MigrationState]types.MigrationState{
	types.MigrationStatePending:     types.MigrationStatePreChecking,
	types.MigrationStatePreChecking: types.MigrationStatePreparing,
	types.MigrationStatePreparing:   types.MigrationStateCutover,
	types.MigrationStateCutover:     types.MigrationStateCompleted,
}

// Config holds migration tuning
type Config struct {
	PrecopyTimeout time.Duration // live pre-copy convergence deadline
	CutoverTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PrecopyTimeout <= 0 {
		c.PrecopyTimeout = 30 * time.Minute
	}
	if c.CutoverTimeout <= 0 {
		c.CutoverTimeout = 2 * time.Minute
	}
	return c
}

// Request describes one migration to drive
type Request struct {
	Workload     *types.Workload
	TargetHostID string // empty: scheduler chooses
	Mode         types.MigrationMode
}

// Coordinator drives workloads from source to target hosts through the
// migration state machine. Each migration runs on its own goroutine so
// the coordinator keeps servicing other migrations and placements.
type Coordinator struct {
	cfg       Config
	registry  *registry.Registry
	tracker   *capacity.Tracker
	pools     *pool.Manager
	scheduler *scheduler.Scheduler
	store     storage.Store
	sink      events.Sink
	logger    zerolog.Logger

	mu       sync.Mutex
	inflight map[string]string                 // workload id -> migration id
	states   map[string]types.MigrationState   // migration id -> live state
	cancels  map[string]context.CancelFunc
	doneChs  map[string]chan struct{}

	wg sync.WaitGroup
}

// NewCoordinator creates a migration coordinator
func NewCoordinator(cfg Config, reg *registry.Registry, tracker *capacity.Tracker,
	pools *pool.Manager, sched *scheduler.Scheduler, store storage.Store, sink events.Sink) *Coordinator {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Coordinator{
		cfg:       cfg.withDefaults(),
		registry:  reg,
		tracker:   tracker,
		pools:     pools,
		scheduler: sched,
		store:     store,
		sink:      sink,
		logger:    log.WithComponent("migration"),
		inflight:  make(map[string]string),
		states:    make(map[string]types.MigrationState),
		cancels:   make(map[string]context.CancelFunc),
		doneChs:   make(map[string]chan struct{}),
	}
}

// Start begins a migration and returns its id. Migrations are
// serialized per workload: a second request while one is mid-flight
// fails with MigrationInProgressError.
func (c *Coordinator) Start(ctx context.Context, req Request) (string, error) {
	placement, err := c.store.GetPlacement(req.Workload.ID)
	if err != nil {
		return "", err
	}

	record := &types.Migration{
		ID:           uuid.New().String(),
		WorkloadID:   req.Workload.ID,
		SourceHostID: placement.HostID,
		TargetHostID: req.TargetHostID,
		Mode:         req.Mode,
		State:        types.MigrationStatePending,
		CreatedAt:    time.Now(),
	}

	c.mu.Lock()
	if existing, ok := c.inflight[req.Workload.ID]; ok {
		c.mu.Unlock()
		return "", &types.MigrationInProgressError{WorkloadID: req.Workload.ID, MigrationID: existing}
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.inflight[req.Workload.ID] = record.ID
	c.states[record.ID] = record.State
	c.cancels[record.ID] = cancel
	c.doneChs[record.ID] = make(chan struct{})
	c.mu.Unlock()

	if err := c.store.CreateMigration(record); err != nil {
		cancel()
		c.finish(record)
		return "", fmt.Errorf("failed to persist migration: %w", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(runCtx, record, req)
	}()

	return record.ID, nil
}

// Cancel requests cancellation of a migration. Clean before resources
// are committed, best-effort during Preparing, rejected during Cutover.
func (c *Coordinator) Cancel(migrationID string) error {
	c.mu.Lock()
	state, ok := c.states[migrationID]
	cancel := c.cancels[migrationID]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", types.ErrMigrationNotFound, migrationID)
	}
	switch state {
	case types.MigrationStateCutover:
		return &types.CannotCancelError{MigrationID: migrationID, State: state}
	case types.MigrationStateCompleted, types.MigrationStateFailed:
		return &types.CannotCancelError{MigrationID: migrationID, State: state}
	}
	cancel()
	return nil
}

// InFlight reports whether a migration is currently running for the
// workload, and its id
func (c *Coordinator) InFlight(workloadID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.inflight[workloadID]
	return id, ok
}

// Status returns the migration record
func (c *Coordinator) Status(migrationID string) (*types.Migration, error) {
	return c.store.GetMigration(migrationID)
}

// List returns migration records, newest first, optionally filtered by
// workload. limit <= 0 means no limit.
func (c *Coordinator) List(workloadID string, limit int) ([]*types.Migration, error) {
	var records []*types.Migration
	var err error
	if workloadID != "" {
		records, err = c.store.ListMigrationsByWorkload(workloadID)
	} else {
		records, err = c.store.ListMigrations()
	}
	if err != nil {
		return nil, err
	}

	sortByCreatedDesc(records)
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Prune deletes terminal migration records older than the cutoff
func (c *Coordinator) Prune(olderThan time.Time) (int, error) {
	records, err := c.store.ListMigrations()
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, m := range records {
		if m.State.Terminal() && m.CreatedAt.Before(olderThan) {
			if err := c.store.DeleteMigration(m.ID); err != nil {
				return pruned, err
			}
			pruned++
		}
	}
	return pruned, nil
}

// Await blocks until the migration reaches a terminal state or ctx
// expires, then returns the record
func (c *Coordinator) Await(ctx context.Context, migrationID string) (*types.Migration, error) {
	c.mu.Lock()
	done, ok := c.doneChs[migrationID]
	c.mu.Unlock()

	if ok {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.store.GetMigration(migrationID)
}

// Shutdown waits for in-flight migrations to finish
func (c *Coordinator) Shutdown() {
	c.wg.Wait()
}

// run drives one migration through the state machine
func (c *Coordinator) run(ctx context.Context, record *types.Migration, req Request) {
	defer c.finish(record)

	logger := c.logger.With().
		Str("migration_id", record.ID).
		Str("workload_id", record.WorkloadID).
		Logger()

	// Pending -> PreChecking: pick/validate target and run the driver
	// compatibility check. No resources are held past a failure here.
	if err := c.transition(record, types.MigrationStatePreChecking); err != nil {
		c.fail(record, err.Error())
		return
	}

	reserved, err := c.precheck(ctx, record, req)
	if err != nil {
		if reserved {
			c.unreserve(record)
		}
		logger.Warn().Err(err).Msg("migration precheck failed")
		c.fail(record, (&types.PrecheckFailedError{MigrationID: record.ID, Reason: err.Error()}).Error())
		return
	}

	c.sink.Emit(events.EventSystemMigrating, record.SourceHostID, map[string]string{
		"workload_id": record.WorkloadID,
		"target_host": record.TargetHostID,
		"migration":   record.ID,
	})

	// PreChecking -> Preparing: the target reservation is held from
	// here until rollback or completion.
	if err := c.transition(record, types.MigrationStatePreparing); err != nil {
		c.unreserve(record)
		c.fail(record, err.Error())
		return
	}

	var task driver.MigrationTask
	if record.Mode == types.MigrationModeLive {
		task, err = c.prepareLive(ctx, record, req)
		if err != nil {
			c.rollback(record, err)
			return
		}
	}

	// Preparing -> Cutover: short uninterruptible critical section.
	if err := c.transition(record, types.MigrationStateCutover); err != nil {
		c.abortTask(task)
		c.rollback(record, err)
		return
	}

	start := time.Now()
	if record.Mode == types.MigrationModeLive {
		err = c.cutoverLive(record, task)
	} else {
		err = c.cutoverOffline(ctx, record, req)
	}
	if err != nil {
		var partial *driver.PartialCompletionError
		if errors.As(err, &partial) {
			// The driver cannot say which host holds the usable
			// workload. Keep the target reservation so nothing is
			// scheduled into contested headroom; the operator
			// reconciles manually.
			ambig := &types.AmbiguousStateError{
				MigrationID:  record.ID,
				WorkloadID:   record.WorkloadID,
				SourceHostID: record.SourceHostID,
				TargetHostID: record.TargetHostID,
				Err:          err,
			}
			logger.Error().Err(err).Msg("cutover partially completed, operator reconciliation required")
			c.fail(record, ambig.Error())
			return
		}
		c.rollback(record, err)
		return
	}
	record.DowntimeMS = time.Since(start).Milliseconds()
	metrics.MigrationDowntime.Observe(time.Since(start).Seconds())

	// Placement flips atomically with the capacity hand-off: commit the
	// target reservation, release the source allocation.
	if err := c.commitPlacement(record); err != nil {
		c.fail(record, (&types.RollbackFailedError{MigrationID: record.ID, HostID: record.TargetHostID, Err: err}).Error())
		return
	}

	if err := c.transition(record, types.MigrationStateCompleted); err != nil {
		c.fail(record, err.Error())
		return
	}
	record.CompletedAt = time.Now()
	if err := c.store.UpdateMigration(record); err != nil {
		logger.Warn().Err(err).Msg("failed to persist completed migration")
	}

	metrics.MigrationsTotal.WithLabelValues(string(record.Mode), "completed").Inc()
	c.sink.Emit(events.EventSystemMigrated, record.TargetHostID, map[string]string{
		"workload_id": record.WorkloadID,
		"source_host": record.SourceHostID,
		"migration":   record.ID,
	})
	logger.Info().
		Str("source", record.SourceHostID).
		Str("target", record.TargetHostID).
		Int64("downtime_ms", record.DowntimeMS).
		Msg("migration completed")
}

// precheck validates the target and runs the driver compatibility
// check. Returns whether a target reservation is being held.
func (c *Coordinator) precheck(ctx context.Context, record *types.Migration, req Request) (bool, error) {
	reserved := false

	if record.TargetHostID == "" {
		// Scheduler-chosen target: PlaceMigration reserves atomically so
		// a concurrent placement cannot race into the same headroom, and
		// never picks the source.
		target, err := c.scheduler.PlaceMigration(req.Workload.Requires, nil, record.SourceHostID)
		if err != nil {
			return false, err
		}
		record.TargetHostID = target
		reserved = true
		if err := c.store.UpdateMigration(record); err != nil {
			return reserved, err
		}
	} else {
		if record.TargetHostID == record.SourceHostID {
			return false, fmt.Errorf("target host equals source host %s", record.SourceHostID)
		}
		if err := c.scheduler.ValidateMigrationTarget(req.Workload, record.TargetHostID); err != nil {
			return false, err
		}
	}

	target, err := c.registry.Get(record.TargetHostID)
	if err != nil {
		return reserved, err
	}

	src, err := c.pools.Checkout(ctx, record.SourceHostID)
	if err != nil {
		return reserved, err
	}
	err = src.Driver().CheckCompat(ctx, req.Workload, target.Endpoint)
	c.pools.Checkin(src)
	if err != nil {
		return reserved, err
	}

	if !reserved {
		if err := c.tracker.Reserve(record.TargetHostID, req.Workload.Requires); err != nil {
			return false, err
		}
		reserved = true
	}
	return reserved, nil
}

// prepareLive starts the driver's iterative pre-copy and waits for it
// to converge, polling progress. The source connection is checked back
// in before waiting so the pool is never starved.
func (c *Coordinator) prepareLive(ctx context.Context, record *types.Migration, req Request) (driver.MigrationTask, error) {
	target, err := c.registry.Get(record.TargetHostID)
	if err != nil {
		return nil, err
	}

	src, err := c.pools.Checkout(ctx, record.SourceHostID)
	if err != nil {
		return nil, err
	}
	task, err := src.Driver().BeginLiveMigration(ctx, req.Workload, target.Endpoint)
	c.pools.Checkin(src)
	if err != nil {
		return nil, err
	}

	logger := c.logger.With().Str("migration_id", record.ID).Logger()
	timeout := time.NewTimer(c.cfg.PrecopyTimeout)
	defer timeout.Stop()

	for {
		select {
		case p, ok := <-task.Progress():
			if ok {
				logger.Debug().Int("percent", p.Percent).Msg("pre-copy progress")
			}
		case <-task.Done():
			if err := task.Err(); err != nil {
				return nil, fmt.Errorf("pre-copy failed: %w", err)
			}
			return task, nil
		case <-timeout.C:
			c.abortTask(task)
			return nil, fmt.Errorf("pre-copy did not converge within %s", c.cfg.PrecopyTimeout)
		case <-ctx.Done():
			c.abortTask(task)
			return nil, ctx.Err()
		}
	}
}

// cutoverLive performs the pause-and-transfer step of a live migration
func (c *Coordinator) cutoverLive(record *types.Migration, task driver.MigrationTask) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CutoverTimeout)
	defer cancel()
	return task.Cutover(ctx)
}

// cutoverOffline transfers a powered-off workload in one driver call
func (c *Coordinator) cutoverOffline(ctx context.Context, record *types.Migration, req Request) error {
	target, err := c.registry.Get(record.TargetHostID)
	if err != nil {
		return err
	}
	src, err := c.pools.Checkout(ctx, record.SourceHostID)
	if err != nil {
		return err
	}
	defer c.pools.Checkin(src)
	return src.Driver().OfflineMigrate(ctx, req.Workload, target.Endpoint)
}

// commitPlacement flips the placement record to the target host and
// hands the capacity over: target reservation becomes an allocation,
// the source allocation is released
func (c *Coordinator) commitPlacement(record *types.Migration) error {
	placement, err := c.store.GetPlacement(record.WorkloadID)
	if err != nil {
		return err
	}

	if err := c.tracker.Commit(record.TargetHostID, placement.Resources); err != nil {
		return err
	}
	if err := c.tracker.Release(record.SourceHostID, placement.Resources); err != nil {
		return err
	}

	placement.HostID = record.TargetHostID
	return c.store.UpdatePlacement(placement)
}

// rollback releases the target reservation and marks the migration
// Failed, leaving the workload untouched on the source host
func (c *Coordinator) rollback(record *types.Migration, cause error) {
	c.logger.Warn().Err(cause).
		Str("migration_id", record.ID).
		Msg("migration failed, rolling back reservation")

	if err := c.unreserve(record); err != nil {
		failure := &types.RollbackFailedError{MigrationID: record.ID, HostID: record.TargetHostID, Err: err}
		c.logger.Error().Err(err).Str("migration_id", record.ID).
			Msg("rollback failed, reservation stuck")
		c.fail(record, failure.Error())
		return
	}
	c.fail(record, cause.Error())
}

func (c *Coordinator) unreserve(record *types.Migration) error {
	placement, err := c.store.GetPlacement(record.WorkloadID)
	if err != nil {
		return err
	}
	return c.tracker.Unreserve(record.TargetHostID, placement.Resources)
}

// fail marks the record Failed with the given reason
func (c *Coordinator) fail(record *types.Migration, reason string) {
	if record.State.Terminal() {
		return
	}
	c.setState(record, types.MigrationStateFailed)
	record.FailureReason = reason
	record.CompletedAt = time.Now()
	if err := c.store.UpdateMigration(record); err != nil {
		c.logger.Warn().Err(err).Str("migration_id", record.ID).
			Msg("failed to persist failed migration")
	}

	metrics.MigrationsTotal.WithLabelValues(string(record.Mode), "failed").Inc()
	c.sink.Emit(events.EventMigrationFailed, record.SourceHostID, map[string]string{
		"workload_id": record.WorkloadID,
		"migration":   record.ID,
		"reason":      reason,
	})
}

// transition advances the record along the validated state machine
func (c *Coordinator) transition(record *types.Migration, to types.MigrationState) error {
	if migrationTransitions[record.State] != to {
		return &types.InvalidStateTransitionError{
			Kind: "migration",
			ID:   record.ID,
			From: string(record.State),
			To:   string(to),
		}
	}
	c.setState(record, to)
	return c.store.UpdateMigration(record)
}

// setState records the transition with its timestamp and mirrors it
// into the live state map used by Cancel
func (c *Coordinator) setState(record *types.Migration, to types.MigrationState) {
	record.Transitions = append(record.Transitions, types.MigrationTransition{
		From: record.State,
		To:   to,
		At:   time.Now(),
	})
	record.State = to

	c.mu.Lock()
	c.states[record.ID] = to
	c.mu.Unlock()
}

func (c *Coordinator) abortTask(task driver.MigrationTask) {
	if task == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := task.Abort(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("failed to abort driver migration task")
	}
}

// finish clears in-flight tracking and wakes waiters
func (c *Coordinator) finish(record *types.Migration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight[record.WorkloadID] == record.ID {
		delete(c.inflight, record.WorkloadID)
	}
	if cancel, ok := c.cancels[record.ID]; ok {
		cancel()
		delete(c.cancels, record.ID)
	}
	if done, ok := c.doneChs[record.ID]; ok {
		close(done)
		delete(c.doneChs, record.ID)
	}
}

func sortByCreatedDesc(records []*types.Migration) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}
