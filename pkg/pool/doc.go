/*
Package pool manages bounded pools of driver connections, one per host.

Connections are expensive to establish and hypervisor endpoints limit
concurrent sessions, so all driver traffic flows through a checkout /
checkin cycle:

	pc, err := mgr.Checkout(ctx, hostID)
	if err != nil {
		return err
	}
	defer mgr.Checkin(pc)
	caps, err := pc.Driver().Capacity(ctx)

Checkout creates a connection lazily if the pool is below max; past max
it blocks for the caller's context deadline, then fails with
PoolExhaustedError. Checkin closes connections whose TTL has expired or
that fail a health check, without eagerly replacing them.

A background loop per pool probes idle connections, evicts failures, and
keeps the pool topped up to min. When every connection to a host keeps
failing the pool escalates once to the registry, transitioning the host
to Unreachable, and keeps retrying behind an exponential backoff (base
delay doubling up to a cap) so an already-down host is never stormed.
The first successful reconnect reports the recovery and resets backoff.

The pool is the sole owner of driver connections. No other component
may hold one across a blocking boundary without checking it in first.
*/
package pool
