package migration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/paddock-io/paddock/pkg/capacity"
	"github.com/paddock-io/paddock/pkg/driver"
	"github.com/paddock-io/paddock/pkg/pool"
	"github.com/paddock-io/paddock/pkg/registry"
	"github.com/paddock-io/paddock/pkg/scheduler"
	"github.com/paddock-io/paddock/pkg/storage"
	"github.com/paddock-io/paddock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	registry *registry.Registry
	tracker  *capacity.Tracker
	pools    *pool.Manager
	sched    *scheduler.Scheduler
	store    storage.Store
	fake     *driver.Fake
	coord    *Coordinator
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake := driver.NewFake()
	reg := registry.New(store, fake, nil)
	tracker := capacity.NewTracker(capacity.Overcommit{})
	pools := pool.NewManager(pool.Config{MaxConnections: 4}, fake, reg, reg)
	t.Cleanup(pools.Shutdown)
	sched := scheduler.New(reg, tracker, pools)

	env := &testEnv{
		registry: reg,
		tracker:  tracker,
		pools:    pools,
		sched:    sched,
		store:    store,
		fake:     fake,
	}
	env.coord = NewCoordinator(cfg, reg, tracker, pools, sched, store, nil)
	t.Cleanup(env.coord.Shutdown)
	return env
}

var hostCap = types.Resources{VCPUs: 8, MemoryMiB: 16384, DiskGiB: 100}

func (e *testEnv) addHost(t *testing.T, name string) *types.Host {
	t.Helper()
	endpoint := "fake:///" + name
	e.fake.AddEndpoint(endpoint, hostCap)
	host, err := e.registry.Register(context.Background(), registry.RegisterRequest{
		Endpoint: endpoint,
		Name:     name,
		Capacity: hostCap,
	})
	require.NoError(t, err)
	e.tracker.AddHost(host.ID, hostCap)
	return host
}

// place records a workload on a host the way the engine does: placement
// persisted, capacity committed
func (e *testEnv) place(t *testing.T, workloadID, hostID string, res types.Resources) *types.Workload {
	t.Helper()
	require.NoError(t, e.tracker.Reserve(hostID, res))
	require.NoError(t, e.tracker.Commit(hostID, res))
	require.NoError(t, e.store.CreatePlacement(&types.Placement{
		WorkloadID: workloadID,
		HostID:     hostID,
		Resources:  res,
		CreatedAt:  time.Now(),
	}))
	return &types.Workload{ID: workloadID, Requires: res}
}

func (e *testEnv) await(t *testing.T, id string) *types.Migration {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	record, err := e.coord.Await(ctx, id)
	require.NoError(t, err)
	return record
}

var wlRes = types.Resources{VCPUs: 2, MemoryMiB: 4096, DiskGiB: 20}

func TestLiveMigrationCompletes(t *testing.T) {
	env := newTestEnv(t, Config{})
	src := env.addHost(t, "src")
	dst := env.addHost(t, "dst")
	workload := env.place(t, "w1", src.ID, wlRes)

	id, err := env.coord.Start(context.Background(), Request{
		Workload:     workload,
		TargetHostID: dst.ID,
		Mode:         types.MigrationModeLive,
	})
	require.NoError(t, err)

	record := env.await(t, id)
	assert.Equal(t, types.MigrationStateCompleted, record.State)
	assert.Equal(t, src.ID, record.SourceHostID)
	assert.Equal(t, dst.ID, record.TargetHostID)
	assert.Empty(t, record.FailureReason)
	assert.False(t, record.CompletedAt.IsZero())

	// Placement flipped to the target
	placement, err := env.store.GetPlacement("w1")
	require.NoError(t, err)
	assert.Equal(t, dst.ID, placement.HostID)

	// Capacity handed over: source empty, target holds the workload
	srcAlloc, _ := env.tracker.Get(src.ID)
	assert.True(t, srcAlloc.Allocated.IsZero())
	assert.True(t, srcAlloc.Reserved.IsZero())
	dstAlloc, _ := env.tracker.Get(dst.ID)
	assert.Equal(t, wlRes, dstAlloc.Allocated)
	assert.True(t, dstAlloc.Reserved.IsZero())
}

// TestStateMachineEdges asserts a completed migration walked exactly
// the defined transitions, in order.
func TestStateMachineEdges(t *testing.T) {
	env := newTestEnv(t, Config{})
	src := env.addHost(t, "src")
	dst := env.addHost(t, "dst")
	workload := env.place(t, "w1", src.ID, wlRes)

	id, err := env.coord.Start(context.Background(), Request{
		Workload: workload, TargetHostID: dst.ID, Mode: types.MigrationModeLive,
	})
	require.NoError(t, err)
	record := env.await(t, id)

	want := []types.MigrationState{
		types.MigrationStatePreChecking,
		types.MigrationStatePreparing,
		types.MigrationStateCutover,
		types.MigrationStateCompleted,
	}
	require.Len(t, record.Transitions, len(want))
	prev := types.MigrationStatePending
	for i, tr := range record.Transitions {
		assert.Equal(t, prev, tr.From)
		assert.Equal(t, want[i], tr.To)
		assert.False(t, tr.At.IsZero())
		prev = tr.To
	}
}

func TestSchedulerChosenTarget(t *testing.T) {
	env := newTestEnv(t, Config{})
	src := env.addHost(t, "src")
	dst := env.addHost(t, "dst")
	workload := env.place(t, "w1", src.ID, wlRes)

	id, err := env.coord.Start(context.Background(), Request{
		Workload: workload, Mode: types.MigrationModeLive,
	})
	require.NoError(t, err)

	record := env.await(t, id)
	require.Equal(t, types.MigrationStateCompleted, record.State)
	// The only other host wins; source is never picked for itself
	assert.Equal(t, dst.ID, record.TargetHostID)
}

// TestFailedPrecheckLeavesCapacityUntouched: capacity before equals
// capacity after a migration whose precheck fails.
func TestFailedPrecheckLeavesCapacityUntouched(t *testing.T) {
	env := newTestEnv(t, Config{})
	src := env.addHost(t, "src")
	dst := env.addHost(t, "dst")
	workload := env.place(t, "w1", src.ID, wlRes)

	env.fake.SetCompatError("fake:///src", errors.New("cpu features incompatible"))

	before, _ := env.tracker.Get(dst.ID)

	id, err := env.coord.Start(context.Background(), Request{
		Workload: workload, TargetHostID: dst.ID, Mode: types.MigrationModeLive,
	})
	require.NoError(t, err)

	record := env.await(t, id)
	assert.Equal(t, types.MigrationStateFailed, record.State)
	assert.Contains(t, record.FailureReason, "precheck failed")

	after, _ := env.tracker.Get(dst.ID)
	assert.Equal(t, before, after)

	// Workload still on the source
	placement, err := env.store.GetPlacement("w1")
	require.NoError(t, err)
	assert.Equal(t, src.ID, placement.HostID)
}

func TestPrecheckRejectsFullTarget(t *testing.T) {
	env := newTestEnv(t, Config{})
	src := env.addHost(t, "src")
	dst := env.addHost(t, "dst")
	workload := env.place(t, "w1", src.ID, wlRes)

	// Fill the target past the point where the workload fits
	require.NoError(t, env.tracker.Reserve(dst.ID, types.Resources{VCPUs: 7, MemoryMiB: 1024, DiskGiB: 10}))
	require.NoError(t, env.tracker.Commit(dst.ID, types.Resources{VCPUs: 7, MemoryMiB: 1024, DiskGiB: 10}))

	id, err := env.coord.Start(context.Background(), Request{
		Workload: workload, TargetHostID: dst.ID, Mode: types.MigrationModeLive,
	})
	require.NoError(t, err)

	record := env.await(t, id)
	assert.Equal(t, types.MigrationStateFailed, record.State)
}

func TestPrecheckRejectsSourceAsTarget(t *testing.T) {
	env := newTestEnv(t, Config{})
	src := env.addHost(t, "src")
	workload := env.place(t, "w1", src.ID, wlRes)

	id, err := env.coord.Start(context.Background(), Request{
		Workload: workload, TargetHostID: src.ID, Mode: types.MigrationModeLive,
	})
	require.NoError(t, err)

	record := env.await(t, id)
	assert.Equal(t, types.MigrationStateFailed, record.State)
	assert.Contains(t, record.FailureReason, "target host equals source host")
}

// TestPrecopyFailureRollsBack: a pre-copy failure after the target
// reservation releases it and leaves the workload on the source.
func TestPrecopyFailureRollsBack(t *testing.T) {
	env := newTestEnv(t, Config{})
	src := env.addHost(t, "src")
	dst := env.addHost(t, "dst")
	workload := env.place(t, "w1", src.ID, wlRes)

	env.fake.SetPrecopyError("fake:///src", errors.New("dirty page rate too high"))

	id, err := env.coord.Start(context.Background(), Request{
		Workload: workload, TargetHostID: dst.ID, Mode: types.MigrationModeLive,
	})
	require.NoError(t, err)

	record := env.await(t, id)
	assert.Equal(t, types.MigrationStateFailed, record.State)
	assert.Contains(t, record.FailureReason, "pre-copy failed")

	dstAlloc, _ := env.tracker.Get(dst.ID)
	assert.True(t, dstAlloc.Reserved.IsZero())

	placement, _ := env.store.GetPlacement("w1")
	assert.Equal(t, src.ID, placement.HostID)
}

// TestPartialCutoverReportsAmbiguousState: when the driver reports
// partial completion, the coordinator does not pick a side and keeps
// the target reservation held.
func TestPartialCutoverReportsAmbiguousState(t *testing.T) {
	env := newTestEnv(t, Config{})
	src := env.addHost(t, "src")
	dst := env.addHost(t, "dst")
	workload := env.place(t, "w1", src.ID, wlRes)

	env.fake.SetCutoverError("fake:///src", &driver.PartialCompletionError{Reason: "link lost mid-transfer"})

	id, err := env.coord.Start(context.Background(), Request{
		Workload: workload, TargetHostID: dst.ID, Mode: types.MigrationModeLive,
	})
	require.NoError(t, err)

	record := env.await(t, id)
	assert.Equal(t, types.MigrationStateFailed, record.State)
	assert.Contains(t, record.FailureReason, "ambiguous state")

	// Reservation stays held for operator reconciliation
	dstAlloc, _ := env.tracker.Get(dst.ID)
	assert.Equal(t, wlRes, dstAlloc.Reserved)
}

func TestCleanCutoverFailureRollsBack(t *testing.T) {
	env := newTestEnv(t, Config{})
	src := env.addHost(t, "src")
	dst := env.addHost(t, "dst")
	workload := env.place(t, "w1", src.ID, wlRes)

	env.fake.SetCutoverError("fake:///src", errors.New("target rejected final state"))

	id, err := env.coord.Start(context.Background(), Request{
		Workload: workload, TargetHostID: dst.ID, Mode: types.MigrationModeLive,
	})
	require.NoError(t, err)

	record := env.await(t, id)
	assert.Equal(t, types.MigrationStateFailed, record.State)

	dstAlloc, _ := env.tracker.Get(dst.ID)
	assert.True(t, dstAlloc.Reserved.IsZero())
	placement, _ := env.store.GetPlacement("w1")
	assert.Equal(t, src.ID, placement.HostID)
}

func TestOfflineMigrationCompletes(t *testing.T) {
	env := newTestEnv(t, Config{})
	src := env.addHost(t, "src")
	dst := env.addHost(t, "dst")
	workload := env.place(t, "w1", src.ID, wlRes)

	id, err := env.coord.Start(context.Background(), Request{
		Workload: workload, TargetHostID: dst.ID, Mode: types.MigrationModeOffline,
	})
	require.NoError(t, err)

	record := env.await(t, id)
	assert.Equal(t, types.MigrationStateCompleted, record.State)
	placement, _ := env.store.GetPlacement("w1")
	assert.Equal(t, dst.ID, placement.HostID)
}

// TestSecondMigrationRejected: migrations are serialized per workload.
func TestSecondMigrationRejected(t *testing.T) {
	env := newTestEnv(t, Config{})
	src := env.addHost(t, "src")
	dst := env.addHost(t, "dst")
	workload := env.place(t, "w1", src.ID, wlRes)

	// Slow the pre-copy down so the first migration is still running
	env.fake.PrecopyDuration = 500 * time.Millisecond

	id, err := env.coord.Start(context.Background(), Request{
		Workload: workload, TargetHostID: dst.ID, Mode: types.MigrationModeLive,
	})
	require.NoError(t, err)

	_, err = env.coord.Start(context.Background(), Request{
		Workload: workload, Mode: types.MigrationModeLive,
	})
	var inProgress *types.MigrationInProgressError
	require.ErrorAs(t, err, &inProgress)
	assert.Equal(t, id, inProgress.MigrationID)

	record := env.await(t, id)
	assert.Equal(t, types.MigrationStateCompleted, record.State)

	// After completion, a new migration is accepted again
	_, err = env.coord.Start(context.Background(), Request{
		Workload: workload, TargetHostID: src.ID, Mode: types.MigrationModeLive,
	})
	assert.NoError(t, err)
}

func TestCancelDuringPreparing(t *testing.T) {
	env := newTestEnv(t, Config{})
	src := env.addHost(t, "src")
	dst := env.addHost(t, "dst")
	workload := env.place(t, "w1", src.ID, wlRes)

	env.fake.PrecopyDuration = 2 * time.Second

	id, err := env.coord.Start(context.Background(), Request{
		Workload: workload, TargetHostID: dst.ID, Mode: types.MigrationModeLive,
	})
	require.NoError(t, err)

	// Wait until the migration is in Preparing, then cancel
	require.Eventually(t, func() bool {
		record, err := env.coord.Status(id)
		return err == nil && record.State == types.MigrationStatePreparing
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, env.coord.Cancel(id))

	record := env.await(t, id)
	assert.Equal(t, types.MigrationStateFailed, record.State)

	// Rollback released the target reservation
	dstAlloc, _ := env.tracker.Get(dst.ID)
	assert.True(t, dstAlloc.Reserved.IsZero())
}

func TestCancelTerminalMigrationRejected(t *testing.T) {
	env := newTestEnv(t, Config{})
	src := env.addHost(t, "src")
	dst := env.addHost(t, "dst")
	workload := env.place(t, "w1", src.ID, wlRes)

	id, err := env.coord.Start(context.Background(), Request{
		Workload: workload, TargetHostID: dst.ID, Mode: types.MigrationModeLive,
	})
	require.NoError(t, err)
	env.await(t, id)

	err = env.coord.Cancel(id)
	var cannotCancel *types.CannotCancelError
	assert.ErrorAs(t, err, &cannotCancel)
}

func TestListAndPrune(t *testing.T) {
	env := newTestEnv(t, Config{})
	src := env.addHost(t, "src")
	dst := env.addHost(t, "dst")
	w1 := env.place(t, "w1", src.ID, wlRes)
	w2 := env.place(t, "w2", src.ID, wlRes)

	for _, w := range []*types.Workload{w1, w2} {
		id, err := env.coord.Start(context.Background(), Request{
			Workload: w, TargetHostID: dst.ID, Mode: types.MigrationModeOffline,
		})
		require.NoError(t, err)
		env.await(t, id)
	}

	all, err := env.coord.List("", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byWorkload, err := env.coord.List("w1", 0)
	require.NoError(t, err)
	require.Len(t, byWorkload, 1)
	assert.Equal(t, "w1", byWorkload[0].WorkloadID)

	limited, err := env.coord.List("", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	// Records are retained until explicitly pruned
	pruned, err := env.coord.Prune(time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)

	all, err = env.coord.List("", 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestMigrationForUnknownWorkload(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addHost(t, "src")

	_, err := env.coord.Start(context.Background(), Request{
		Workload: &types.Workload{ID: "ghost", Requires: wlRes},
		Mode:     types.MigrationModeLive,
	})
	assert.ErrorIs(t, err, types.ErrWorkloadNotFound)
}
