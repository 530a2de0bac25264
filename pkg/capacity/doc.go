/*
Package capacity tracks allocated-vs-available resources per host.

The tracker is the arbiter of the no-oversubscription invariant:
allocated + reserved never exceeds effective capacity (declared capacity
times the configured overcommit factor) in any dimension, under any
interleaving of concurrent reservations. The two-step Reserve/Commit
protocol lets the scheduler and migration coordinator hold headroom
before a multi-step operation confirms, so a concurrent placement can
never race into the same capacity.

Locks are per host: reserving on one host never blocks traffic to
another.
*/
package capacity
