/*
Package engine assembles the host orchestration core.

An Engine is constructed from three collaborator seams (a storage.Store
for persistence, a driver.Driver for hypervisor access, and an
events.Sink for domain events) and wires the registry, capacity
tracker, connection pool manager, scheduler, migration coordinator, and
maintenance controller behind one facade:

	store, _ := storage.NewBoltStore(dataDir)
	eng, err := engine.New(engine.Config{}, store, drv, broker)
	if err != nil {
		return err
	}
	defer eng.Close()

	host, _ := eng.RegisterHost(ctx, registry.RegisterRequest{
		Endpoint: "qemu+ssh://host1/system",
		Name:     "host1",
	})
	target, _ := eng.PlaceWorkload(&types.Workload{
		ID:       "web-1",
		Requires: types.Resources{VCPUs: 2, MemoryMiB: 4096, DiskGiB: 20},
	}, nil)

Engines hold no process-global state; several can coexist in one
process, which the tests rely on.
*/
package engine
