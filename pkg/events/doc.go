/*
Package events provides fire-and-forget domain event distribution.

The engine emits events through the Sink interface whenever a host or
workload changes state: registration, unreachability, maintenance,
placement, and migration lifecycle. Delivery is best-effort by contract;
a durable webhook or audit pipeline belongs to the consumer on the other
side of the Sink.

The in-process Broker implementation fans events out to buffered
subscriber channels:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			fmt.Println(ev.Type, ev.HostID)
		}
	}()

Slow subscribers never block publishers: a full subscriber buffer skips
that subscriber, and a full broker buffer drops the event.
*/
package events
