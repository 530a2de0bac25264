package scheduler

import (
	"sort"
	"time"

	"github.com/paddock-io/paddock/pkg/capacity"
	"github.com/paddock-io/paddock/pkg/log"
	"github.com/paddock-io/paddock/pkg/metrics"
	"github.com/paddock-io/paddock/pkg/registry"
	"github.com/paddock-io/paddock/pkg/types"
	"github.com/rs/zerolog"
)

// PoolHealth reports whether a host has at least one live or obtainable
// driver connection. The pool manager satisfies it.
type PoolHealth interface {
	Healthy(hostID string) bool
}

// Scheduler chooses target hosts for new and migrating workloads using
// a spread policy: the least-loaded eligible host wins.
type Scheduler struct {
	registry *registry.Registry
	tracker  *capacity.Tracker
	pools    PoolHealth
	logger   zerolog.Logger
}

// New creates a scheduler
func New(reg *registry.Registry, tracker *capacity.Tracker, pools PoolHealth) *Scheduler {
	return &Scheduler{
		registry: reg,
		tracker:  tracker,
		pools:    pools,
		logger:   log.WithComponent("scheduler"),
	}
}

// candidate pairs a host with its allocation snapshot for scoring
type candidate struct {
	host  *types.Host
	alloc capacity.Allocation
}

// cpuFraction scores load as allocated-plus-reserved vCPUs over
// declared vCPUs. Reservations count so an in-flight placement pushes
// the next one elsewhere.
func (c candidate) cpuFraction() float64 {
	if c.alloc.Capacity.VCPUs == 0 {
		return 1
	}
	used := c.alloc.Allocated.VCPUs + c.alloc.Reserved.VCPUs
	return float64(used) / float64(c.alloc.Capacity.VCPUs)
}

func (c candidate) memFraction() float64 {
	if c.alloc.Capacity.MemoryMiB == 0 {
		return 1
	}
	used := c.alloc.Allocated.MemoryMiB + c.alloc.Reserved.MemoryMiB
	return float64(used) / float64(c.alloc.Capacity.MemoryMiB)
}

// PlaceNew selects a host for a new workload and reserves the
// requirement against it. The caller must Commit or Unreserve the
// reservation on the returned host. If capacity moves between selection
// and reservation, selection is retried once before failing with
// NoEligibleHostError.
func (s *Scheduler) PlaceNew(requires types.Resources, selector types.LabelSelector) (string, error) {
	return s.place(requires, selector, "")
}

// PlaceMigration selects and reserves a migration target the same way
// PlaceNew does, never choosing the source host.
func (s *Scheduler) PlaceMigration(requires types.Resources, selector types.LabelSelector, sourceHostID string) (string, error) {
	return s.place(requires, selector, sourceHostID)
}

func (s *Scheduler) place(requires types.Resources, selector types.LabelSelector, exclude string) (string, error) {
	start := time.Now()
	defer func() {
		metrics.SchedulingLatency.Observe(time.Since(start).Seconds())
	}()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		candidates, examined, err := s.candidates(requires, selector, exclude)
		if err != nil {
			metrics.PlacementsTotal.WithLabelValues("error").Inc()
			return "", err
		}
		if len(candidates) == 0 {
			metrics.PlacementsTotal.WithLabelValues("no_host").Inc()
			return "", &types.NoEligibleHostError{
				Requires: requires,
				Selector: selector,
				Examined: examined,
				LastError: lastErr,
			}
		}

		sortCandidates(candidates)

		picked := candidates[0]
		if err := s.tracker.Reserve(picked.host.ID, requires); err != nil {
			// Raced: capacity moved between snapshot and reserve
			s.logger.Debug().Err(err).Str("host_id", picked.host.ID).
				Msg("reservation raced, retrying selection")
			lastErr = err
			continue
		}

		s.logger.Info().
			Str("host_id", picked.host.ID).
			Int64("vcpus", requires.VCPUs).
			Int64("memory_mib", requires.MemoryMiB).
			Msg("workload placed")
		metrics.PlacementsTotal.WithLabelValues("placed").Inc()
		return picked.host.ID, nil
	}

	metrics.PlacementsTotal.WithLabelValues("no_host").Inc()
	return "", &types.NoEligibleHostError{Requires: requires, Selector: selector, LastError: lastErr}
}

// ValidateMigrationTarget checks eligibility of one explicitly
// requested target host for an incoming workload. It does not reserve;
// the migration coordinator reserves when it enters Preparing.
func (s *Scheduler) ValidateMigrationTarget(workload *types.Workload, targetHostID string) error {
	host, err := s.registry.Get(targetHostID)
	if err != nil {
		return err
	}
	if host.State != types.HostStateActive {
		return &types.NoEligibleHostError{Requires: workload.Requires, Examined: 1}
	}
	if !s.pools.Healthy(targetHostID) {
		return &types.NoEligibleHostError{Requires: workload.Requires, Examined: 1}
	}

	alloc, ok := s.tracker.Get(targetHostID)
	if !ok {
		return types.ErrHostNotFound
	}
	if !workload.Requires.Fits(alloc.Available()) {
		avail := alloc.Available()
		switch {
		case workload.Requires.VCPUs > avail.VCPUs:
			return &types.CapacityError{HostID: targetHostID, Dimension: "vcpus",
				Requested: workload.Requires.VCPUs, Available: avail.VCPUs}
		case workload.Requires.MemoryMiB > avail.MemoryMiB:
			return &types.CapacityError{HostID: targetHostID, Dimension: "memory",
				Requested: workload.Requires.MemoryMiB, Available: avail.MemoryMiB}
		default:
			return &types.CapacityError{HostID: targetHostID, Dimension: "disk",
				Requested: workload.Requires.DiskGiB, Available: avail.DiskGiB}
		}
	}
	return nil
}

// candidates lists Active hosts matching the selector whose pool is
// healthy and whose available capacity fits the requirement. The
// returned examined count covers all matching hosts, for error detail.
func (s *Scheduler) candidates(requires types.Resources, selector types.LabelSelector, exclude string) ([]candidate, int, error) {
	hosts, err := s.registry.List(selector)
	if err != nil {
		return nil, 0, err
	}

	var out []candidate
	for _, h := range hosts {
		if h.ID == exclude {
			continue
		}
		if h.State != types.HostStateActive {
			continue
		}
		if !s.pools.Healthy(h.ID) {
			continue
		}
		alloc, ok := s.tracker.Get(h.ID)
		if !ok {
			continue
		}
		if !requires.Fits(alloc.Available()) {
			continue
		}
		out = append(out, candidate{host: h, alloc: alloc})
	}
	return out, len(hosts), nil
}

// sortCandidates orders by spread score: lowest allocated-vCPU
// fraction, then lowest allocated-memory fraction, then host id so two
// runs over identical snapshots pick the same host.
func sortCandidates(candidates []candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if ci.cpuFraction() != cj.cpuFraction() {
			return ci.cpuFraction() < cj.cpuFraction()
		}
		if ci.memFraction() != cj.memFraction() {
			return ci.memFraction() < cj.memFraction()
		}
		return ci.host.ID < cj.host.ID
	})
}
