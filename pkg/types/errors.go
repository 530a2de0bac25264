package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that carry no structured detail
var (
	ErrHostNotFound      = errors.New("host not found")
	ErrWorkloadNotFound  = errors.New("workload not found")
	ErrMigrationNotFound = errors.New("migration not found")
)

// NoEligibleHostError is returned when no host satisfies a placement
// request. It is not retried by the engine; the caller decides whether
// to relax constraints or add capacity.
type NoEligibleHostError struct {
	Requires  Resources
	Selector  LabelSelector
	Examined  int
	LastError error // optional: the reservation race that exhausted retries
}

func (e *NoEligibleHostError) Error() string {
	if e.LastError != nil {
		return fmt.Sprintf("no eligible host for %d vCPU / %d MiB / %d GiB (examined %d): %v",
			e.Requires.VCPUs, e.Requires.MemoryMiB, e.Requires.DiskGiB, e.Examined, e.LastError)
	}
	return fmt.Sprintf("no eligible host for %d vCPU / %d MiB / %d GiB (examined %d)",
		e.Requires.VCPUs, e.Requires.MemoryMiB, e.Requires.DiskGiB, e.Examined)
}

// PoolExhaustedError is returned when a connection checkout times out
// with the pool at its maximum size. Transient; callers may retry.
type PoolExhaustedError struct {
	HostID string
	Max    int
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("connection pool for host %s exhausted (max %d)", e.HostID, e.Max)
}

// HostUnreachableError indicates the host's driver endpoint cannot be
// reached. The pool retries internally with backoff before surfacing it.
type HostUnreachableError struct {
	HostID   string
	Endpoint string
	Err      error
}

func (e *HostUnreachableError) Error() string {
	return fmt.Sprintf("host %s unreachable at %s: %v", e.HostID, e.Endpoint, e.Err)
}

func (e *HostUnreachableError) Unwrap() error { return e.Err }

// CapacityError reports which dimension of which host could not satisfy
// a reservation. It is an invariant guard, never retried automatically.
type CapacityError struct {
	HostID    string
	Dimension string // "vcpus", "memory", "disk"
	Requested int64
	Available int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("host %s out of %s: requested %d, available %d",
		e.HostID, e.Dimension, e.Requested, e.Available)
}

// InvalidStateTransitionError reports a host or migration state change
// outside the validated transition table.
type InvalidStateTransitionError struct {
	Kind string // "host" or "migration"
	ID   string
	From string
	To   string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition for %s: %s -> %s", e.Kind, e.ID, e.From, e.To)
}

// HostInUseError rejects deregistration of a host that still has
// workloads placed on it.
type HostInUseError struct {
	HostID    string
	Workloads []string
}

func (e *HostInUseError) Error() string {
	return fmt.Sprintf("host %s has %d workloads placed", e.HostID, len(e.Workloads))
}

// MigrationInProgressError rejects a second migration for a workload
// that is already mid-migration.
type MigrationInProgressError struct {
	WorkloadID  string
	MigrationID string
}

func (e *MigrationInProgressError) Error() string {
	return fmt.Sprintf("workload %s already migrating (migration %s)", e.WorkloadID, e.MigrationID)
}

// PrecheckFailedError is terminal for a migration; no resources were
// touched when it is returned.
type PrecheckFailedError struct {
	MigrationID string
	Reason      string
}

func (e *PrecheckFailedError) Error() string {
	return fmt.Sprintf("migration %s precheck failed: %s", e.MigrationID, e.Reason)
}

// AmbiguousStateError reports a cutover that failed after the driver
// indicated partial completion. The engine does not guess which host
// holds the usable workload; operator reconciliation is required.
type AmbiguousStateError struct {
	MigrationID  string
	WorkloadID   string
	SourceHostID string
	TargetHostID string
	Err          error
}

func (e *AmbiguousStateError) Error() string {
	return fmt.Sprintf("migration %s: workload %s in ambiguous state between %s and %s: %v",
		e.MigrationID, e.WorkloadID, e.SourceHostID, e.TargetHostID, e.Err)
}

func (e *AmbiguousStateError) Unwrap() error { return e.Err }

// RollbackFailedError reports a stuck reservation: the migration failed
// and the target reservation could not be released.
type RollbackFailedError struct {
	MigrationID string
	HostID      string
	Err         error
}

func (e *RollbackFailedError) Error() string {
	return fmt.Sprintf("migration %s: rollback of reservation on host %s failed: %v",
		e.MigrationID, e.HostID, e.Err)
}

func (e *RollbackFailedError) Unwrap() error { return e.Err }

// CannotCancelError rejects cancellation of a migration in cutover,
// which is treated as a short uninterruptible critical section.
type CannotCancelError struct {
	MigrationID string
	State       MigrationState
}

func (e *CannotCancelError) Error() string {
	return fmt.Sprintf("migration %s cannot be cancelled in state %s", e.MigrationID, e.State)
}
