/*
Package types defines the core data model shared by all Paddock components.

It contains the Host, Workload, Placement, and Migration records, the
resource vector used for capacity accounting, and the structured error
taxonomy surfaced by the engine. The package has no dependencies and no
behavior beyond small value-type helpers; every other package imports it.

# States

Hosts move through a small lifecycle:

	Active ⇄ Unreachable        (health checking)
	Active → Draining → Maintenance → Active   (maintenance workflow)
	Draining → Active           (drain aborted)

Migrations follow a strict forward-only state machine:

	Pending → PreChecking → Preparing → Cutover → Completed

with Failed reachable from any non-terminal state. Transition validity is
enforced by the registry and migration packages; this package only names
the states.

# Errors

Failures carry structured detail (host id, resource dimension, migration
state) so a caller can decide whether to retry, pick a different target,
or escalate. All types support errors.Is / errors.As.
*/
package types
