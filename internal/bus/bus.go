// Package bus is the in-process pub/sub channel between the replica and
// the rendering layer: every applied mutation, vault-lock transition,
// and session state change is published here.
package bus

import (
	"strings"
	"sync"

	"github.com/seabed/spyglass/internal/store"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Replica change topics.
const (
	TopicObjectCreated = "object.created"
	TopicObjectUpdated = "object.updated"
	TopicObjectDeleted = "object.deleted"
	TopicTaskLog       = "task.log"
	TopicVaultLocked   = "vault.locked"
	TopicVaultUnlocked = "vault.unlocked"
	TopicSessionState  = "session.state"
	TopicViewRedraw    = "view.redraw"
	TopicFrameDropped  = "frame.dropped"
)

// FrameDroppedEvent is published when an inbound frame is discarded
// rather than applied.
type FrameDroppedEvent struct {
	Event  string // event name from the envelope, if it parsed
	Reason string // why the frame was dropped
}

// ObjectEvent is published when a stream event mutates the replica.
type ObjectEvent struct {
	Kind store.Kind // collection the mutation landed in
	UUID string     // entity identifier
}

// TaskLogEvent is published when a task-log tail fragment is appended.
type TaskLogEvent struct {
	UUID string // task identifier
	Tail string // appended fragment
}

// SessionStateEvent is published on session state transitions.
type SessionStateEvent struct {
	State string // new state name (connecting, bootstrapping, live, closed)
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss
// events (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is
// dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
