// Package bus is the in-process event bus connecting the queue, cluster,
// dispatcher and logger to the control-plane stream.
//
// Topics are coarse channels (task, log, stats, cluster). Each subscriber
// owns a bounded queue; a slow subscriber loses its oldest events rather
// than blocking publishers, and is told once per gap.
package bus

import (
	"sync"
	"time"
)

// Well-known topics.
const (
	TopicTask    = "task"
	TopicLog     = "log"
	TopicStats   = "stats"
	TopicCluster = "cluster"
)

// DefaultQueueSize bounds a subscriber's pending events.
const DefaultQueueSize = 256

// Event is one published record.
type Event struct {
	Topic   string      `json:"topic"`
	Type    string      `json:"type"`
	Time    time.Time   `json:"time"`
	Payload interface{} `json:"payload,omitempty"`
}

// Bus fan-outs events to subscribers by topic.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	closed bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscriber]struct{})}
}

// Subscribe registers a subscriber for the given topics. No topics means all
// topics. The returned subscriber must be closed when done.
func (b *Bus) Subscribe(queueSize int, topics ...string) *Subscriber {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	s := &Subscriber{
		bus:      b,
		capacity: queueSize,
		notify:   make(chan struct{}, 1),
		out:      make(chan Event),
		done:     make(chan struct{}),
	}
	if len(topics) > 0 {
		s.topics = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			s.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.done)
		close(s.out)
		return s
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.pump()
	return s
}

// Publish delivers an event to every subscriber of the topic. Publishers
// never block; saturated subscribers drop their oldest pending event.
func (b *Bus) Publish(topic, eventType string, payload interface{}) {
	ev := Event{Topic: topic, Type: eventType, Time: time.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		if s.wants(topic) {
			s.enqueue(ev)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts down the bus and every remaining subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*Subscriber]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.shutdown()
	}
}

func (b *Bus) remove(s *Subscriber) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}
