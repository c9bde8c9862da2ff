package bus

import (
	"sync"

	"github.com/macrodyne/autod/logger"
)

// Subscriber receives events for its topics in publish order. Events are
// staged in a bounded queue and handed over on C(); when the queue is full
// the oldest pending event is discarded and the subscriber is warned once
// until it catches up.
type Subscriber struct {
	bus    *Bus
	topics map[string]struct{} // nil means all topics

	mu       sync.Mutex
	queue    []Event
	capacity int
	dropped  uint64
	gapOpen  bool

	notify chan struct{}
	out    chan Event
	done   chan struct{}
	once   sync.Once
}

// C returns the delivery channel. It is closed when the subscriber closes.
func (s *Subscriber) C() <-chan Event {
	return s.out
}

// Dropped returns how many events this subscriber has lost.
func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes and releases the subscriber.
func (s *Subscriber) Close() {
	s.bus.remove(s)
	s.shutdown()
}

func (s *Subscriber) shutdown() {
	s.once.Do(func() {
		close(s.done)
	})
}

func (s *Subscriber) wants(topic string) bool {
	if s.topics == nil {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

func (s *Subscriber) enqueue(ev Event) {
	s.mu.Lock()
	if len(s.queue) >= s.capacity {
		s.queue = s.queue[1:]
		s.dropped++
		if !s.gapOpen {
			s.gapOpen = true
			logger.Warnw("Event subscriber falling behind, dropping oldest events",
				"topic", ev.Topic,
				"capacity", s.capacity,
			)
		}
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump moves events from the staging queue to the delivery channel,
// preserving order.
func (s *Subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var next Event
		have := len(s.queue) > 0
		if have {
			next = s.queue[0]
			s.queue = s.queue[1:]
			if len(s.queue) == 0 {
				s.gapOpen = false
			}
		}
		s.mu.Unlock()

		if !have {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}
