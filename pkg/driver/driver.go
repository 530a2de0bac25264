package driver

import (
	"context"

	"github.com/paddock-io/paddock/pkg/types"
)

// Driver opens connections to hypervisor endpoints. One implementation
// exists per backend; the engine selects it at construction time and
// never inspects the concrete type.
type Driver interface {
	// Open establishes a connection to the hypervisor at endpoint.
	Open(ctx context.Context, endpoint string) (Conn, error)
}

// Conn is a live driver connection to one hypervisor endpoint. Conns
// are owned by the connection pool; other components borrow them via
// checkout and must check them back in before blocking.
type Conn interface {
	// HealthCheck probes the connection with a cheap operation.
	HealthCheck(ctx context.Context) error

	// Capacity reports the host's declared resource capacity.
	Capacity(ctx context.Context) (types.Resources, error)

	// CheckCompat verifies the workload can run on the target host:
	// CPU feature compatibility and shared-storage reachability for the
	// workload's disks.
	CheckCompat(ctx context.Context, workload *types.Workload, targetEndpoint string) error

	// BeginLiveMigration starts the driver's iterative memory/state
	// synchronization toward the target. The returned task reports
	// progress; the final pause-and-transfer step happens when the
	// caller invokes Cutover on the task.
	BeginLiveMigration(ctx context.Context, workload *types.Workload, targetEndpoint string) (MigrationTask, error)

	// OfflineMigrate transfers a powered-off workload to the target in
	// a single step.
	OfflineMigrate(ctx context.Context, workload *types.Workload, targetEndpoint string) error

	// Close releases the underlying connection.
	Close() error
}

// Progress is a point-in-time report from a live migration task.
type Progress struct {
	Percent   int
	Remaining int64 // bytes left to synchronize
}

// MigrationTask handles a long-running live migration on the driver
// side. The coordinator polls it rather than blocking on it.
type MigrationTask interface {
	// Progress delivers synchronization progress updates. The channel
	// is closed when pre-copy converges or the task fails.
	Progress() <-chan Progress

	// Done is closed when the pre-copy phase has converged and the
	// task is ready for cutover, or when the task has failed.
	Done() <-chan struct{}

	// Err reports the task failure, if any, once Done is closed.
	Err() error

	// Cutover performs the brief pause-and-transfer-final-state step.
	// Only valid after Done. A PartialCompletionError means the driver
	// cannot say which side holds the usable workload.
	Cutover(ctx context.Context) error

	// Abort cancels the migration, leaving the workload running on the
	// source. Best-effort once cutover has begun.
	Abort(ctx context.Context) error
}

// PartialCompletionError is returned by Cutover when the driver reports
// the transfer stopped partway and neither side is known-good.
type PartialCompletionError struct {
	Reason string
}

func (e *PartialCompletionError) Error() string {
	return "migration partially completed: " + e.Reason
}
