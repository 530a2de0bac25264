package types

import (
	"time"
)

// Host represents a virtualization host in the pool
type Host struct {
	ID        string
	Endpoint  string // driver connection URI
	Name      string
	Labels    map[string]string
	Capacity  Resources
	State     HostState
	LastSeen  time.Time // last successful health check
	CreatedAt time.Time
}

// HostState represents the lifecycle state of a host
type HostState string

const (
	HostStateActive      HostState = "active"
	HostStateDraining    HostState = "draining"
	HostStateMaintenance HostState = "maintenance"
	HostStateUnreachable HostState = "unreachable"
)

// Resources describes capacity or a requirement in each dimension
type Resources struct {
	VCPUs     int64
	MemoryMiB int64
	DiskGiB   int64
}

// Add returns r + o in every dimension
func (r Resources) Add(o Resources) Resources {
	return Resources{
		VCPUs:     r.VCPUs + o.VCPUs,
		MemoryMiB: r.MemoryMiB + o.MemoryMiB,
		DiskGiB:   r.DiskGiB + o.DiskGiB,
	}
}

// Sub returns r - o in every dimension
func (r Resources) Sub(o Resources) Resources {
	return Resources{
		VCPUs:     r.VCPUs - o.VCPUs,
		MemoryMiB: r.MemoryMiB - o.MemoryMiB,
		DiskGiB:   r.DiskGiB - o.DiskGiB,
	}
}

// Fits reports whether a requirement of size r fits into free
func (r Resources) Fits(free Resources) bool {
	return r.VCPUs <= free.VCPUs &&
		r.MemoryMiB <= free.MemoryMiB &&
		r.DiskGiB <= free.DiskGiB
}

// IsZero reports whether every dimension is zero
func (r Resources) IsZero() bool {
	return r.VCPUs == 0 && r.MemoryMiB == 0 && r.DiskGiB == 0
}

// Scale multiplies every dimension by factor, used for overcommit
func (r Resources) Scale(factor float64) Resources {
	if factor == 0 || factor == 1 {
		return r
	}
	return Resources{
		VCPUs:     int64(float64(r.VCPUs) * factor),
		MemoryMiB: int64(float64(r.MemoryMiB) * factor),
		DiskGiB:   int64(float64(r.DiskGiB) * factor),
	}
}

// Workload represents a unit of compute (a virtual machine) that is
// scheduled onto exactly one host at a time
type Workload struct {
	ID       string
	Name     string
	Requires Resources
	Labels   map[string]string
}

// Placement maps a workload to the host it runs on
type Placement struct {
	WorkloadID string
	HostID     string
	Resources  Resources
	CreatedAt  time.Time
}

// LabelSelector is a conjunction of exact key=value matches
type LabelSelector map[string]string

// Matches reports whether every selector entry is present in labels
func (s LabelSelector) Matches(labels map[string]string) bool {
	for k, v := range s {
		if labels[k] != v {
			return false
		}
	}
	return true
}

// MigrationMode selects the driver-level migration strategy
type MigrationMode string

const (
	MigrationModeLive    MigrationMode = "live"
	MigrationModeOffline MigrationMode = "offline"
)

// MigrationState represents the state of a migration record
type MigrationState string

const (
	MigrationStatePending     MigrationState = "pending"
	MigrationStatePreChecking MigrationState = "prechecking"
	MigrationStatePreparing   MigrationState = "preparing"
	MigrationStateCutover     MigrationState = "cutover"
	MigrationStateCompleted   MigrationState = "completed"
	MigrationStateFailed      MigrationState = "failed"
)

// Terminal reports whether no further transitions are possible
func (s MigrationState) Terminal() bool {
	return s == MigrationStateCompleted || s == MigrationStateFailed
}

// Migration is the audit record of one migration attempt
type Migration struct {
	ID            string
	WorkloadID    string
	SourceHostID  string
	TargetHostID  string
	Mode          MigrationMode
	State         MigrationState
	Transitions   []MigrationTransition
	DowntimeMS    int64 // measured over the cutover step
	FailureReason string
	CreatedAt     time.Time
	CompletedAt   time.Time
}

// MigrationTransition records one state change with its timestamp
type MigrationTransition struct {
	From MigrationState
	To   MigrationState
	At   time.Time
}

// PoolMetrics is a point-in-time snapshot of one host's connection pool
type PoolMetrics struct {
	Size           int
	Active         int
	CheckoutCount  uint64
	FailureCount   uint64
	ReconnectCount uint64
}

// EvacuationReport summarizes an EnterMaintenance drain attempt
type EvacuationReport struct {
	HostID    string
	Evacuated []string          // workload ids migrated off
	Failed    map[string]string // workload id -> failure reason
}

// Succeeded reports whether every resident workload was moved
func (r *EvacuationReport) Succeeded() bool {
	return len(r.Failed) == 0
}
