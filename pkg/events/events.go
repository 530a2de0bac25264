package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventHostRegistered         EventType = "host.registered"
	EventHostDeregistered       EventType = "host.deregistered"
	EventHostUnreachable        EventType = "host.unreachable"
	EventHostRecovered          EventType = "host.recovered"
	EventHostMaintenanceEntered EventType = "host.maintenance.entered"
	EventHostMaintenanceExited  EventType = "host.maintenance.exited"
	EventSystemPlaced           EventType = "system.placed"
	EventSystemRemoved          EventType = "system.removed"
	EventSystemMigrating        EventType = "system.migrating"
	EventSystemMigrated         EventType = "system.migrated"
	EventMigrationFailed        EventType = "migration.failed"
)

// Event represents a domain event emitted by the engine
type Event struct {
	Type      EventType
	Timestamp time.Time
	HostID    string
	Metadata  map[string]string
}

// Sink receives fire-and-forget domain events. Delivery guarantees are
// the consumer's concern; the engine never blocks on a sink.
type Sink interface {
	Emit(eventType EventType, hostID string, metadata map[string]string)
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution. It implements
// Sink for in-process consumers.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Emit implements Sink. It never blocks: if the broker buffer is full
// the event is dropped, matching the fire-and-forget contract.
func (b *Broker) Emit(eventType EventType, hostID string, metadata map[string]string) {
	b.Publish(&Event{
		Type:     eventType,
		HostID:   hostID,
		Metadata: metadata,
	})
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		// Broker buffer full, drop
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// NopSink discards every event. Useful when a component is constructed
// without an event consumer.
type NopSink struct{}

// Emit implements Sink
func (NopSink) Emit(EventType, string, map[string]string) {}
