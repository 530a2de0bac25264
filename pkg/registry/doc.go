/*
Package registry is the authoritative record of known hosts.

Every other component depends one-way on the registry: the connection
pool reads endpoints from it, the capacity tracker mirrors its host set,
and the scheduler filters on its state field. Nothing mutates host state
except through SetState, which enforces the lifecycle transition table:

	Active ⇄ Unreachable
	Active → Draining → Maintenance → Active
	Draining → Active

Mutations are linearized per host id with a per-host mutex, so two
concurrent state changes to the same host never interleave while
unrelated hosts proceed in parallel.

Registration probes the driver for the host's declared capacity when the
caller does not supply one, falling back to a conservative default if
the endpoint is not yet reachable. Deregistration is refused while any
workload remains placed on the host.
*/
package registry
