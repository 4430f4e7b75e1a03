// Package events provides an in-memory event broker for dispatcher
// lifecycle notifications: job admission, container lifecycle, and
// attestation outcomes, broadcast to any interested subscriber (e.g. a
// future admin API or CLI `logs -f`-style consumer).
package events

import (
	"sync"
	"time"
)

// EventType names a dispatcher lifecycle event.
type EventType string

const (
	EventJobAdmitted          EventType = "job.admitted"
	EventJobQueued            EventType = "job.queued"
	EventContainerStarting    EventType = "container.starting"
	EventContainerReady       EventType = "container.ready"
	EventContainerRetired     EventType = "container.retired"
	EventAttestationSubmitted EventType = "attestation.submitted"
	EventAttestationFailed    EventType = "attestation.failed"
)

// Event is one dispatcher lifecycle occurrence.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	JobID     string
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker manages event subscriptions and distribution. Publish never
// blocks the caller: a full internal buffer drops the event rather than
// stalling the dispatcher's hot path.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
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

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
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

// Publish publishes an event to all subscribers. It never blocks: the
// event is dropped if the internal buffer is full or the broker has
// stopped.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		// Internal buffer full, drop.
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
			// Subscriber buffer full, skip.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
