package storage

import (
	"testing"
	"time"

	"github.com/paddock-io/paddock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestHostCRUD(t *testing.T) {
	store := newStore(t)

	host := &types.Host{
		ID:       "h1",
		Endpoint: "qemu+ssh://root@node1/system",
		Name:     "node1",
		Labels:   map[string]string{"zone": "a"},
		Capacity: types.Resources{VCPUs: 8, MemoryMiB: 16384, DiskGiB: 100},
		State:    types.HostStateActive,
	}
	require.NoError(t, store.CreateHost(host))

	got, err := store.GetHost("h1")
	require.NoError(t, err)
	assert.Equal(t, host.Endpoint, got.Endpoint)
	assert.Equal(t, host.Capacity, got.Capacity)
	assert.Equal(t, "a", got.Labels["zone"])

	got.State = types.HostStateDraining
	require.NoError(t, store.UpdateHost(got))
	got, err = store.GetHost("h1")
	require.NoError(t, err)
	assert.Equal(t, types.HostStateDraining, got.State)

	require.NoError(t, store.DeleteHost("h1"))
	_, err = store.GetHost("h1")
	assert.ErrorIs(t, err, types.ErrHostNotFound)

	hosts, err := store.ListHosts()
	require.NoError(t, err)
	assert.Empty(t, hosts)
}

func TestPlacementsByHost(t *testing.T) {
	store := newStore(t)

	res := types.Resources{VCPUs: 2, MemoryMiB: 2048, DiskGiB: 10}
	for _, p := range []struct{ workload, host string }{
		{"w1", "h1"}, {"w2", "h1"}, {"w3", "h2"},
	} {
		require.NoError(t, store.CreatePlacement(&types.Placement{
			WorkloadID: p.workload,
			HostID:     p.host,
			Resources:  res,
			CreatedAt:  time.Now(),
		}))
	}

	onH1, err := store.ListPlacementsByHost("h1")
	require.NoError(t, err)
	assert.Len(t, onH1, 2)
	onH2, err := store.ListPlacementsByHost("h2")
	require.NoError(t, err)
	assert.Len(t, onH2, 1)
	assert.Equal(t, "w3", onH2[0].WorkloadID)

	none, err := store.ListPlacementsByHost("h3")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = store.GetPlacement("nope")
	assert.ErrorIs(t, err, types.ErrWorkloadNotFound)
}

func TestMigrationRoundTrip(t *testing.T) {
	store := newStore(t)

	record := &types.Migration{
		ID:           "m1",
		WorkloadID:   "w1",
		SourceHostID: "h1",
		TargetHostID: "h2",
		Mode:         types.MigrationModeLive,
		State:        types.MigrationStateCompleted,
		Transitions: []types.MigrationTransition{
			{From: types.MigrationStatePending, To: types.MigrationStatePreChecking, At: time.Now()},
		},
		DowntimeMS: 42,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, store.CreateMigration(record))

	got, err := store.GetMigration("m1")
	require.NoError(t, err)
	assert.Equal(t, types.MigrationStateCompleted, got.State)
	assert.Equal(t, int64(42), got.DowntimeMS)
	require.Len(t, got.Transitions, 1)
	assert.Equal(t, types.MigrationStatePreChecking, got.Transitions[0].To)

	byWorkload, err := store.ListMigrationsByWorkload("w1")
	require.NoError(t, err)
	assert.Len(t, byWorkload, 1)

	require.NoError(t, store.DeleteMigration("m1"))
	_, err = store.GetMigration("m1")
	assert.ErrorIs(t, err, types.ErrMigrationNotFound)
}

// TestReopenPersists: records survive closing and reopening the store.
func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.CreateHost(&types.Host{ID: "h1", Endpoint: "fake:///a"}))
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetHost("h1")
	require.NoError(t, err)
	assert.Equal(t, "fake:///a", got.Endpoint)
}
