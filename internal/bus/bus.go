// Package bus is an in-process pub/sub used to fan local state changes out to
// live query subscriptions and status observers.
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Cache change topics. Subscribers watching every entity kind use TopicCachePrefix.
const (
	TopicCachePrefix      = "cache."
	TopicCacheTasks       = "cache.tasks"
	TopicCacheProjects    = "cache.projects"
	TopicCacheLabels      = "cache.labels"
	TopicCacheAttachments = "cache.attachments"
)

// Sync subsystem topics.
const (
	TopicQueueChanged     = "queue.changed"
	TopicAuthStateChanged = "auth.state_changed"
	TopicCycleFinished    = "sync.cycle_finished"
)

// CacheChangedEvent is published after a committed cache write.
type CacheChangedEvent struct {
	Kind    string  // task, project, label, attachment
	IDs     []int64 // affected ids; empty for bulk replaces
	Deleted bool
}

// QueueChangedEvent is published when a pending action is enqueued or changes status.
type QueueChangedEvent struct {
	ActionID   int64
	EntityType string
	EntityID   int64
	Kind       string
	OldStatus  string // empty on enqueue
	NewStatus  string // empty on purge
}

// AuthStateChangedEvent is published by the token refresh coordinator.
type AuthStateChangedEvent struct {
	State  string // retrying, renewing, falling_back, reauth_required, logged_in
	Reason string
}

// CycleFinishedEvent is published when a refresh cycle returns.
type CycleFinishedEvent struct {
	CycleID    string
	Scope      string
	Fetched    int
	Replayed   int
	Failed     int
	Superseded bool
	ErrorKind  string
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
// An empty prefix matches all topics. Slow consumers miss events once the
// buffer is full.
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

// Publish sends an event to all matching subscribers without blocking.
// A nil Bus is a valid no-op publisher.
func (b *Bus) Publish(topic string, payload interface{}) {
	if b == nil {
		return
	}
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
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
