// Package events is the in-process pub/sub layer fanning domain events out
// to live consumers (the status CLI, `zerg logs --follow`). Durable
// persistence of the same events is the State Store's job (pkg/store);
// a Broker may optionally be given a Sink to fan every published event
// through to it as well.
package events

import (
	"sync"

	"github.com/cuemby/zerg/pkg/types"
)

// Subscriber is a channel that receives events.
type Subscriber chan *types.Event

// Sink durably records an event. pkg/store.Store.AppendEvent satisfies
// this signature.
type Sink func(eventType types.EventType, payload map[string]interface{}) (*types.Event, error)

// Broker distributes published events to every live subscriber,
// dropping events for a subscriber whose buffer is full rather than
// blocking the publisher.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *types.Event
	stopCh      chan struct{}
	sink        Sink
}

// NewBroker creates a Broker. sink may be nil if durability is handled
// separately by the caller.
func NewBroker(sink Sink) *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *types.Event, 256),
		stopCh:      make(chan struct{}),
		sink:        sink,
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Emit persists (if a Sink is configured) and publishes an event of the
// given type. It is the primary entry point used by the rest of the
// orchestrator — callers do not construct types.Event by hand.
func (b *Broker) Emit(eventType types.EventType, payload map[string]interface{}) (*types.Event, error) {
	var ev *types.Event
	if b.sink != nil {
		persisted, err := b.sink(eventType, payload)
		if err != nil {
			return nil, err
		}
		ev = persisted
	} else {
		ev = &types.Event{Type: eventType, Payload: payload}
	}
	b.publish(ev)
	return ev, nil
}

func (b *Broker) publish(event *types.Event) {
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
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

func (b *Broker) broadcast(event *types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, drop rather than block the publisher.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
