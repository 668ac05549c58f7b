package eventbus

import (
	evbus "github.com/asaskevich/EventBus"
)

// Publisher is what producers of domain events depend on.
type Publisher interface {
	Publish(topic string, args ...interface{})
}

// Bus is an in-process topic bus. Synchronous subscribers run in the
// publisher's goroutine; async subscribers run on their own goroutine.
type Bus struct {
	bus evbus.Bus
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{bus: evbus.New()}
}

// Publish delivers args to every subscriber of topic.
func (b *Bus) Publish(topic string, args ...interface{}) {
	b.bus.Publish(topic, args...)
}

// Subscribe registers a synchronous handler.
func (b *Bus) Subscribe(topic string, fn interface{}) error {
	return b.bus.Subscribe(topic, fn)
}

// SubscribeAsync registers a handler that runs off the publisher's goroutine.
// Deliveries to one handler are serialised.
func (b *Bus) SubscribeAsync(topic string, fn interface{}) error {
	return b.bus.SubscribeAsync(topic, fn, true)
}

// HasSubscribers reports whether topic has any handler.
func (b *Bus) HasSubscribers(topic string) bool {
	return b.bus.HasCallback(topic)
}

// WaitAsync blocks until all in-flight async handlers return.
func (b *Bus) WaitAsync() {
	b.bus.WaitAsync()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(string, ...interface{}) {}
