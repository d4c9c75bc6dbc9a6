// SPDX-License-Identifier: GPL-2.0-only

// Package bus implements the typed publish/subscribe event bus described by
// the Event Bus component: subscribers are invoked in registration order,
// and events for the same topic are always delivered in publication order.
package bus

import "sync"

// Topic names the kind of event published on the bus.
type Topic string

const (
	TopicDeviceAdded        Topic = "device_added"
	TopicDeviceRemoved      Topic = "device_removed"
	TopicClientConnected    Topic = "client_connected"
	TopicClientDisconnected Topic = "client_disconnected"
	TopicForceFree          Topic = "force_free"
	TopicUpdated            Topic = "updated"
)

// Subscriber receives a published payload. A subscriber that wants to avoid
// blocking the publisher should spawn its own goroutine internally; the bus
// itself always calls subscribers synchronously, in registration order, so
// that ordering guarantees hold regardless of what any one subscriber does.
type Subscriber func(payload interface{})

// Bus is a simple in-process event bus. The zero value is not usable; use
// New.
type Bus struct {
	mu   sync.Mutex
	subs map[Topic][]Subscriber
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[Topic][]Subscriber)}
}

// Subscribe registers sub to be called for every future Publish on topic.
func (b *Bus) Subscribe(topic Topic, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], sub)
}

// Publish delivers payload to every subscriber of topic, in the order they
// were registered. Publish itself must only ever be called from the
// Assignment Engine's single reactor goroutine, which is what gives
// per-bus-ID event ordering its guarantee.
func (b *Bus) Publish(topic Topic, payload interface{}) {
	b.mu.Lock()
	subs := make([]Subscriber, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.Unlock()

	for _, sub := range subs {
		sub(payload)
	}
}
