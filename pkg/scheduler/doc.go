/*
Package scheduler selects target hosts for new and migrating workloads.

Selection follows a spread policy over the eligible candidate set:

	┌──────────────────────────────────────────────────────────┐
	│  1. Filter: state Active, labels match, pool healthy,    │
	│     available capacity ≥ requirement in every dimension  │
	│  2. Score: allocated-vCPU fraction, then allocated-      │
	│     memory fraction, then host id (deterministic)        │
	│  3. Reserve the requirement on the winner                │
	└──────────────────────────────────────────────────────────┘

The reserve step is what makes concurrent placement safe: the candidate
snapshot is taken without locks, so by the time a host is picked its
headroom may be gone. Reserve is atomic per host; when it fails the
scheduler re-snapshots and retries once, then gives up with
NoEligibleHostError. The returned reservation belongs to the caller,
who commits it when the placement is recorded or unreserves on failure.

ValidateMigrationTarget applies the same eligibility filter to a single
explicitly requested host, for migrations where the caller picked the
target instead of the scheduler.
*/
package scheduler
