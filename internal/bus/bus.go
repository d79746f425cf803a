// Package bus implements the typed publish/subscribe backbone that connects
// the budget enforcer, cost tracking, the worker pool, and the TUI. Dispatch
// is synchronous: publishers invoke subscribers in registration order on the
// publishing goroutine, so within a single topic every subscriber observes
// the same total order.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/johnplanow/substrate-sub007/internal/logging"
)

// Handler consumes one event. Handlers must not block; long work belongs on
// a goroutine owned by the subscriber.
type Handler func(ev Event)

// Subscriber is an explicit, named attachment to the bus. Making wiring an
// object (instead of ad-hoc closures) keeps the dependency graph visible at
// startup.
type Subscriber interface {
	Name() string
	Initialize(b *Bus) error
	Shutdown() error
}

type subscription struct {
	id      int
	handler Handler
}

// Bus is a process-wide synchronous event bus.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	topics map[Topic][]subscription
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[Topic][]subscription)}
}

// Subscribe registers a handler for a topic and returns an unsubscribe func.
func (b *Bus) Subscribe(topic Topic, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscription{id: id, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.topics[topic]
		for i, s := range subs {
			if s.id == id {
				b.topics[topic] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the payload to every subscriber of the topic, in
// registration order. A panicking subscriber is logged and skipped; it never
// drops the event for the remaining subscribers.
func (b *Bus) Publish(topic Topic, payload interface{}) {
	ev := Event{Topic: topic, At: time.Now(), Payload: payload}

	b.mu.RLock()
	subs := make([]subscription, len(b.topics[topic]))
	copy(subs, b.topics[topic])
	b.mu.RUnlock()

	for _, s := range subs {
		b.dispatchOne(ev, s)
	}
}

func (b *Bus) dispatchOne(ev Event, s subscription) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryBus).Error(
				"subscriber panic on %s: %v", ev.Topic, r)
		}
	}()
	s.handler(ev)
}

// Attach initializes a set of subscribers in order. On failure the already
// initialized subscribers are shut down in reverse order.
func (b *Bus) Attach(subscribers ...Subscriber) error {
	for i, s := range subscribers {
		if err := s.Initialize(b); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = subscribers[j].Shutdown()
			}
			return fmt.Errorf("initialize subscriber %s: %w", s.Name(), err)
		}
		logging.Get(logging.CategoryBus).Debug("subscriber attached: %s", s.Name())
	}
	return nil
}
