package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType names what happened
type EventType string

const (
	EventNodeRegistered EventType = "node.registered"
	EventNodeDown       EventType = "node.down"
	EventPodCreated     EventType = "pod.created"
	EventPodFailed      EventType = "pod.failed"
	EventPodDeleted     EventType = "pod.deleted"
)

const (
	queueSize      = 100
	subscriberSize = 50
)

// Event is one controller event
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// New creates an event with a fresh id
func New(typ EventType, message string, metadata map[string]string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: time.Now(),
		Message:   message,
		Metadata:  metadata,
	}
}

// Subscriber receives events
type Subscriber chan *Event

// Broker fans events out to subscribers
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]map[EventType]bool // nil filter: every type
	queue       chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
	dropped     atomic.Uint64
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]map[EventType]bool),
		queue:       make(chan *Event, queueSize),
		stopCh:      make(chan struct{}),
	}
}

// Start runs the distribution loop until Stop
func (b *Broker) Start() {
	go func() {
		for {
			select {
			case ev := <-b.queue:
				b.broadcast(ev)
			case <-b.stopCh:
				return
			}
		}
	}()
}

// Stop may be called more than once
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe returns a channel receiving the given types, or every type when
// none are given
func (b *Broker) Subscribe(only ...EventType) Subscriber {
	var filter map[EventType]bool
	if len(only) > 0 {
		filter = make(map[EventType]bool, len(only))
		for _, t := range only {
			filter[t] = true
		}
	}

	sub := make(Subscriber, subscriberSize)
	b.mu.Lock()
	b.subscribers[sub] = filter
	b.mu.Unlock()
	return sub
}

// Unsubscribe closes sub. Unknown subscribers are ignored.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues an event, filling in a missing id and timestamp. It
// returns immediately once the broker is stopped.
func (b *Broker) Publish(ev *Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	select {
	case b.queue <- ev:
	case <-b.stopCh:
	}
}

func (b *Broker) broadcast(ev *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, filter := range b.subscribers {
		if filter != nil && !filter[ev.Type] {
			continue
		}
		select {
		case sub <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped counts deliveries skipped because a subscriber was full
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}
