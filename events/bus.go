package events

import (
	"sync"

	"github.com/asaskevich/EventBus"
	log "github.com/sirupsen/logrus"
)

// Topic is an event category on the bus.
type Topic string

const (
	TopicSignal        Topic = "signal"
	TopicFill          Topic = "fill"
	TopicError         Topic = "error"
	TopicStateChange   Topic = "state_change"
	TopicRiskRejection Topic = "risk_rejection"
)

// Handler consumes one published event.
type Handler func(Event)

type subscription struct {
	topic   Topic
	wrapped func(Event)
}

// Bus is a process-wide registry of subscribers per topic, created once at
// startup and torn down at shutdown. Delivery is synchronous in
// registration order; a panicking subscriber is logged and never interrupts
// delivery to the remaining subscribers or the publisher.
type Bus struct {
	mu   sync.Mutex
	bus  EventBus.Bus
	subs []subscription
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{bus: EventBus.New()}
}

// Subscribe registers handler for every event published on topic.
func (b *Bus) Subscribe(topic Topic, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	wrapped := func(e Event) {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(log.Fields{
					"topic": topic,
					"panic": r,
				}).Error("event subscriber panicked")
			}
		}()
		handler(e)
	}

	if err := b.bus.Subscribe(string(topic), wrapped); err != nil {
		return err
	}
	b.subs = append(b.subs, subscription{topic: topic, wrapped: wrapped})
	return nil
}

// Publish delivers e to every subscriber of its topic, in subscribe order.
func (b *Bus) Publish(e Event) {
	b.bus.Publish(string(e.Topic()), e)
}

// Close drops every subscription. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs {
		if err := b.bus.Unsubscribe(string(s.topic), s.wrapped); err != nil {
			log.WithError(err).WithField("topic", s.topic).Warn("unsubscribe failed")
		}
	}
	b.subs = nil
}
