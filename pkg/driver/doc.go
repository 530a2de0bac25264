/*
Package driver defines the hypervisor capability the engine depends on.

The engine never talks to a hypervisor directly: it opens connections
through a Driver, borrows them from the connection pool, and sequences
migrations through MigrationTask handles. One Driver implementation
exists per backend; Fake is the bundled in-memory backend used by tests
and by simulation mode. A libvirt-backed implementation lives with the
deployment that needs it, outside this module.

Live migration is split in two on purpose: BeginLiveMigration starts the
driver's iterative pre-copy and returns a task the coordinator polls,
and task.Cutover performs the brief pause-and-transfer step once the
pre-copy has converged. The pre-copy algorithm itself (dirty page
tracking, convergence) is entirely the driver's concern.
*/
package driver
