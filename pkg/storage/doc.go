/*
Package storage persists engine state: host records, workload placements,
and migration audit records.

The Store interface is the engine's persistence boundary. The engine only
assumes read-your-writes consistency within the writing process; anything
stronger (replication, cross-process durability) is the implementation's
business.

BoltStore is the bundled implementation, backed by a single BoltDB file
with one bucket per record kind and JSON-encoded values. Updates are
upserts keyed by record id, so callers read, mutate, and write back whole
records.

	store, err := storage.NewBoltStore("/var/lib/paddock")
	if err != nil {
		return err
	}
	defer store.Close()
*/
package storage
