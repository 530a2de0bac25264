package capacity

import (
	"sync"

	"github.com/paddock-io/paddock/pkg/metrics"
	"github.com/paddock-io/paddock/pkg/types"
)

// Overcommit configures the effective-capacity multiplier per resource
// dimension. 1.0 (or 0) means no overcommit.
type Overcommit struct {
	VCPUs  float64
	Memory float64
	Disk   float64
}

// Allocation is a point-in-time view of one host's capacity accounting
type Allocation struct {
	Capacity  types.Resources // declared
	Effective types.Resources // declared × overcommit
	Allocated types.Resources // committed placements
	Reserved  types.Resources // in-flight reservations
}

// Available returns the headroom still schedulable on the host
func (a Allocation) Available() types.Resources {
	return a.Effective.Sub(a.Allocated).Sub(a.Reserved)
}

// Tracker maintains allocated-vs-available counters per host. Each host
// has its own lock so unrelated hosts' traffic never serializes; the
// invariant enforced is allocated + reserved ≤ effective capacity in
// every dimension, under any interleaving of Reserve calls.
type Tracker struct {
	mu         sync.RWMutex
	hosts      map[string]*hostAlloc
	overcommit Overcommit
}

type hostAlloc struct {
	mu        sync.Mutex
	capacity  types.Resources
	effective types.Resources
	allocated types.Resources
	reserved  types.Resources
}

// NewTracker creates a tracker with the given overcommit factors
func NewTracker(overcommit Overcommit) *Tracker {
	return &Tracker{
		hosts:      make(map[string]*hostAlloc),
		overcommit: overcommit,
	}
}

// AddHost starts tracking a host with the given declared capacity.
// Re-adding an existing host updates its capacity and keeps its
// allocation counters.
func (t *Tracker) AddHost(hostID string, capacity types.Resources) {
	t.mu.Lock()
	defer t.mu.Unlock()

	effective := types.Resources{
		VCPUs:     scale(capacity.VCPUs, t.overcommit.VCPUs),
		MemoryMiB: scale(capacity.MemoryMiB, t.overcommit.Memory),
		DiskGiB:   scale(capacity.DiskGiB, t.overcommit.Disk),
	}

	if h, ok := t.hosts[hostID]; ok {
		h.mu.Lock()
		h.capacity = capacity
		h.effective = effective
		h.mu.Unlock()
		return
	}
	t.hosts[hostID] = &hostAlloc{capacity: capacity, effective: effective}
}

// RemoveHost stops tracking a host
func (t *Tracker) RemoveHost(hostID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.hosts, hostID)
	metrics.HostAllocatedVCPUs.DeleteLabelValues(hostID)
	metrics.HostAllocatedMemoryMiB.DeleteLabelValues(hostID)
}

func (t *Tracker) host(hostID string) (*hostAlloc, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.hosts[hostID]
	return h, ok
}

// Reserve places a provisional hold of res against the host. It fails
// with CapacityError naming the first dimension that cannot satisfy the
// request; nothing is held on failure.
func (t *Tracker) Reserve(hostID string, res types.Resources) error {
	h, ok := t.host(hostID)
	if !ok {
		return types.ErrHostNotFound
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	used := h.allocated.Add(h.reserved)
	if avail := h.effective.VCPUs - used.VCPUs; res.VCPUs > avail {
		return &types.CapacityError{HostID: hostID, Dimension: "vcpus", Requested: res.VCPUs, Available: avail}
	}
	if avail := h.effective.MemoryMiB - used.MemoryMiB; res.MemoryMiB > avail {
		return &types.CapacityError{HostID: hostID, Dimension: "memory", Requested: res.MemoryMiB, Available: avail}
	}
	if avail := h.effective.DiskGiB - used.DiskGiB; res.DiskGiB > avail {
		return &types.CapacityError{HostID: hostID, Dimension: "disk", Requested: res.DiskGiB, Available: avail}
	}

	h.reserved = h.reserved.Add(res)
	return nil
}

// Commit converts a prior reservation of res into a committed
// allocation
func (t *Tracker) Commit(hostID string, res types.Resources) error {
	h, ok := t.host(hostID)
	if !ok {
		return types.ErrHostNotFound
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.reserved = clamp(h.reserved.Sub(res))
	h.allocated = h.allocated.Add(res)
	h.export(hostID)
	return nil
}

// Unreserve drops a reservation without committing it
func (t *Tracker) Unreserve(hostID string, res types.Resources) error {
	h, ok := t.host(hostID)
	if !ok {
		return types.ErrHostNotFound
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.reserved = clamp(h.reserved.Sub(res))
	return nil
}

// Release returns a committed allocation to the host's free pool
func (t *Tracker) Release(hostID string, res types.Resources) error {
	h, ok := t.host(hostID)
	if !ok {
		return types.ErrHostNotFound
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.allocated = clamp(h.allocated.Sub(res))
	h.export(hostID)
	return nil
}

// Get returns the current accounting for one host
func (t *Tracker) Get(hostID string) (Allocation, bool) {
	h, ok := t.host(hostID)
	if !ok {
		return Allocation{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return Allocation{
		Capacity:  h.capacity,
		Effective: h.effective,
		Allocated: h.allocated,
		Reserved:  h.reserved,
	}, true
}

// Snapshot returns the accounting for every tracked host. Each host is
// read under its own lock; the snapshot is consistent per host, not
// globally.
func (t *Tracker) Snapshot() map[string]Allocation {
	t.mu.RLock()
	ids := make([]string, 0, len(t.hosts))
	for id := range t.hosts {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	snap := make(map[string]Allocation, len(ids))
	for _, id := range ids {
		if alloc, ok := t.Get(id); ok {
			snap[id] = alloc
		}
	}
	return snap
}

// export publishes the host's committed allocation gauges. Callers hold
// the host lock.
func (h *hostAlloc) export(hostID string) {
	metrics.HostAllocatedVCPUs.WithLabelValues(hostID).Set(float64(h.allocated.VCPUs))
	metrics.HostAllocatedMemoryMiB.WithLabelValues(hostID).Set(float64(h.allocated.MemoryMiB))
}

func scale(v int64, factor float64) int64 {
	if factor == 0 || factor == 1 {
		return v
	}
	return int64(float64(v) * factor)
}

// clamp floors every dimension at zero, guarding double-release bugs
func clamp(r types.Resources) types.Resources {
	if r.VCPUs < 0 {
		r.VCPUs = 0
	}
	if r.MemoryMiB < 0 {
		r.MemoryMiB = 0
	}
	if r.DiskGiB < 0 {
		r.DiskGiB = 0
	}
	return r
}
