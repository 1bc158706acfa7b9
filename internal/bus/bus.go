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

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event

	// Reliable subscriptions queue without bound; a pump goroutine feeds ch
	// in publish order.
	reliable bool
	mu       sync.Mutex
	queue    []Event
	notify   chan struct{}
	done     chan struct{}
	pumped   chan struct{}
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Prefix returns the topic prefix the subscription matches.
func (s *Subscription) Prefix() string {
	return s.prefix
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.pumped)
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.done:
			return
		}
	}
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
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
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

// SubscribeReliable is Subscribe without drops: events are queued for the
// subscriber until it reads them or unsubscribes. Publishers never block.
func (b *Bus) SubscribeReliable(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		prefix:   topicPrefix,
		ch:       make(chan Event),
		reliable: true,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		pumped:   make(chan struct{}),
	}
	b.subs[sub.id] = sub
	go sub.pump()
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Events still
// queued on a reliable subscription are discarded.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	_, ok := b.subs[sub.id]
	if ok {
		delete(b.subs, sub.id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	if sub.reliable {
		close(sub.done)
		<-sub.pumped
		return
	}
	close(sub.ch)
}

// Publish sends an event to all matching subscribers.
// Delivery to plain subscriptions is non-blocking: if a subscriber's buffer
// is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		if sub.reliable {
			sub.enqueue(event)
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Buffer full, drop event for this subscriber.
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
