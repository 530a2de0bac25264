/*
Package migration coordinates moving workloads between hosts.

Each migration is an audit record driven through a strict state machine:

	Pending → PreChecking → Preparing → Cutover → Completed
	                └──────────┴──────────┴──> Failed

PreChecking validates the target (scheduler-chosen or explicit), runs
the driver's compatibility check, and reserves target capacity; a
failure here is terminal and leaves no resources held. Preparing, for
live mode, waits for the driver's iterative pre-copy to converge. Cutover is
the brief pause-and-transfer step; on success the placement record flips
to the target and the source allocation is released in the same
hand-off.

Failures after the reservation roll back: the target reservation is
released and the workload stays on the source host. Two failure shapes
are special. A cutover that the driver reports as partially complete
becomes AmbiguousState: the coordinator does not guess which host holds
the usable workload and keeps the reservation held for the operator. A
rollback that itself fails becomes RollbackFailed, flagging a stuck
reservation.

Migrations are serialized per workload and run concurrently across
workloads; the coordinator never blocks its callers on driver progress.
Cancellation is clean in Pending/PreChecking, best-effort in Preparing,
and rejected during Cutover.
*/
package migration
